package modelregistry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkn-network/compute-node/config"
	"github.com/dkn-network/compute-node/health"
	"github.com/dkn-network/compute-node/internal/logger"
)

// ErrNoAcceptedModels is returned by Build when every configured model
// failed its provider probe; the supervisor must refuse to start on it
// (spec.md §4.3).
var ErrNoAcceptedModels = fmt.Errorf("%s: no configured model passed its provider probe", logger.ErrCodeConfigError)

// Prober runs a reachability/capability check for one model against its
// provider. Split out as an interface so tests can substitute a scripted
// fake instead of reaching a real Ollama/OpenAI/Gemini/OpenRouter endpoint.
type Prober interface {
	Probe(ctx context.Context, modelID string, provider Provider) error
}

// Registry holds the desired model list and the subset of it that is
// currently accepted, i.e. live and provably usable. Consumers must
// always read Accepted(), never the desired list, so a provider outage
// degrades the node instead of crashing it (spec.md §9).
type Registry struct {
	mu       sync.RWMutex
	desired  []string
	accepted map[string]bool
	failures map[string]int

	prober  Prober
	checker *health.HealthChecker
	log     logger.Logger
}

// maxConsecutiveFailures is the tie-break rule from spec.md §4.3: a model
// retains acceptance across one transient failure and is dropped only
// after two consecutive failures.
const maxConsecutiveFailures = 2

// Build runs one probe cycle over every desired model and returns a
// Registry holding the accepted subset, in desired order. It returns
// ErrNoAcceptedModels if the accepted subset is empty.
func Build(ctx context.Context, desired []string, prober Prober) (*Registry, error) {
	r := &Registry{
		desired:  append([]string(nil), desired...),
		accepted: make(map[string]bool, len(desired)),
		failures: make(map[string]int, len(desired)),
		prober:   prober,
		checker:  health.NewHealthChecker(10 * time.Second),
		log:      logger.GetDefaultLogger(),
	}

	for _, modelID := range desired {
		modelID := modelID
		r.checker.RegisterCheck(modelID, health.FuncHealthCheck(func(ctx context.Context) error {
			return prober.Probe(ctx, modelID, Classify(modelID))
		}))
	}

	r.refreshLocked(ctx)

	if len(r.Accepted()) == 0 {
		return nil, ErrNoAcceptedModels
	}
	return r, nil
}

// Refresh re-probes every desired model and applies the consecutive-
// failure tie-break to the accepted set.
func (r *Registry) Refresh(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked(ctx)
}

func (r *Registry) refreshLocked(ctx context.Context) {
	r.checker.ClearCache()
	for _, modelID := range r.desired {
		result, err := r.checker.Check(ctx, modelID)
		ok := err == nil && result.Status == health.StatusHealthy

		if ok {
			r.failures[modelID] = 0
			r.accepted[modelID] = true
			continue
		}

		r.failures[modelID]++
		if r.failures[modelID] >= maxConsecutiveFailures {
			if r.accepted[modelID] {
				r.log.Warn("model dropped after consecutive probe failures",
					logger.String("model", modelID))
			}
			r.accepted[modelID] = false
		}
	}
}

// Accepted returns the subset of desired models currently accepted, in
// their original configured order. The returned slice is a fresh copy:
// callers may not mutate the registry's internal state through it.
func (r *Registry) Accepted() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.desired))
	for _, modelID := range r.desired {
		if r.accepted[modelID] {
			out = append(out, modelID)
		}
	}
	return out
}

// IsAccepted reports whether modelID is currently in the accepted set.
func (r *Registry) IsAccepted(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accepted[modelID]
}

// HTTPProber is the default Prober: it reaches Ollama over HTTP for a
// service check plus a throughput probe, and reaches OpenAI/Gemini/
// OpenRouter for a reachability check against their configured API keys.
type HTTPProber struct {
	Ollama    config.OllamaConfig
	Providers config.ProviderConfig
	Client    *http.Client
	MinTPS    float64
}

// NewHTTPProber builds a Prober from the node's configuration.
func NewHTTPProber(cfg *config.Config, minTPS float64) *HTTPProber {
	return &HTTPProber{
		Ollama:    cfg.Ollama,
		Providers: cfg.Provider,
		Client:    &http.Client{Timeout: 10 * time.Second},
		MinTPS:    minTPS,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, modelID string, provider Provider) error {
	switch provider {
	case ProviderOllama:
		return p.probeOllama(ctx, modelID)
	case ProviderOpenAI:
		return p.probeKeyedREST(ctx, "https://api.openai.com/v1/models", p.Providers.OpenAIAPIKey)
	case ProviderGemini:
		return p.probeKeyedREST(ctx, "https://generativelanguage.googleapis.com/v1/models", p.Providers.GeminiAPIKey)
	case ProviderOpenRouter:
		return p.probeKeyedREST(ctx, "https://openrouter.ai/api/v1/models", p.Providers.OpenRouterAPIKey)
	default:
		return fmt.Errorf("%s: unknown provider %q", logger.ErrCodeConfigError, provider)
	}
}

func (p *HTTPProber) probeOllama(ctx context.Context, modelID string) error {
	base := fmt.Sprintf("http://%s:%d", p.Ollama.Host, p.Ollama.Port)

	if err := p.getOK(ctx, base+"/"); err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}

	local, err := p.listOllamaModels(ctx, base)
	if err != nil {
		return fmt.Errorf("ollama list models: %w", err)
	}

	if !local[modelID] {
		if !p.Ollama.AutoPull {
			return fmt.Errorf("model %q not pulled and auto_pull disabled", modelID)
		}
		if err := p.pullOllamaModel(ctx, base, modelID); err != nil {
			return fmt.Errorf("pull model %q: %w", modelID, err)
		}
	}

	tps, err := p.measureTPS(ctx, base, modelID)
	if err != nil {
		return fmt.Errorf("tps probe: %w", err)
	}
	if p.MinTPS > 0 && tps < p.MinTPS {
		return fmt.Errorf("measured throughput %.2f tok/s below minimum %.2f", tps, p.MinTPS)
	}
	return nil
}

func (p *HTTPProber) getOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPProber) probeKeyedREST(ctx context.Context, url, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("no API key configured for provider")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
