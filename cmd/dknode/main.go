// Command dknode is the worker node's single binary entry point: it
// reads configuration from the environment (and an optional YAML
// overlay), loads a .env file if present, and starts the supervisor
// (spec.md §6's "CLI surface").
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	dknc "github.com/dkn-network/compute-node/crypto"
	"github.com/dkn-network/compute-node/config"
	"github.com/dkn-network/compute-node/crypto/keys"
	"github.com/dkn-network/compute-node/executor"
	"github.com/dkn-network/compute-node/health"
	"github.com/dkn-network/compute-node/heartbeat"
	"github.com/dkn-network/compute-node/internal/logger"
	"github.com/dkn-network/compute-node/internal/metrics"
	"github.com/dkn-network/compute-node/modelregistry"
	"github.com/dkn-network/compute-node/p2p"
	"github.com/dkn-network/compute-node/supervisor"
	"github.com/dkn-network/compute-node/task"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "dknode",
	Short: "dknode runs a single DKN compute worker",
	Long: `dknode joins the DKN gossipsub overlay, advertises the models it can
serve, and executes signed tasks addressed to it.

Configuration is read entirely from the environment (see DKN_* variables);
an optional YAML overlay under ./config supplies non-secret defaults.`,
	RunE: runNode,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file to load before reading the environment")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dknode: %v\n", err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: load %s: %w", logger.ErrCodeConfigError, envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%s: %w", logger.ErrCodeConfigError, err)
	}
	configureLogging(cfg.Logging)

	identity, adminKey, err := loadIdentity(cfg.Identity)
	if err != nil {
		return fmt.Errorf("%s: %w", logger.ErrCodeConfigError, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if cfg.Runtime.ExitTimeout > 0 {
		timer := time.AfterFunc(cfg.Runtime.ExitTimeout, cancel)
		defer timer.Stop()
	}

	registry, err := modelregistry.Build(ctx, cfg.Models.Desired, modelregistry.NewHTTPProber(cfg, cfg.Ollama.MinTPS))
	if err != nil {
		return fmt.Errorf("%s: %w", logger.ErrCodeConfigError, err)
	}
	logger.Info("accepted models", logger.Any("models", registry.Accepted()))

	swarm, err := p2p.New(ctx, identity, p2p.Config{
		ListenAddr:      cfg.P2P.ListenAddr,
		RelayNodes:      cfg.P2P.RelayNodes,
		BootstrapNodes:  cfg.P2P.BootstrapNodes,
		EventBufferSize: 256,
		Backpressure:    p2p.DropOldest,
	})
	if err != nil {
		return fmt.Errorf("%s: construct swarm: %w", logger.ErrCodeSwarmFatal, err)
	}
	go swarm.Run()
	cmdr := p2p.NewCommander(swarm.Commands())

	topics := supervisor.Topics{
		Tasks:   "tasks/" + task.WireVersion,
		Results: "results/" + task.WireVersion,
		Pings:   "pings/" + heartbeat.WireVersion,
		Pongs:   "pongs/" + heartbeat.WireVersion,
	}

	dedupe := task.NewDedupeCache(2 * time.Minute)
	defer dedupe.Close()

	exec := executor.NewPassthroughExecutor(registry.Accepted()...)
	taskHandler := task.NewHandler(identity, adminKey, registry, exec, dedupe, cmdr,
		topics.Results, cfg.Runtime.BatchSize, cfg.Runtime.QueuePolicy, cfg.Runtime.QueueWait, 5*time.Minute)

	inFlight := supervisor.NewInFlightRegistry()
	hb := heartbeat.NewResponder(identity, registry, inFlight, cmdr, topics.Pongs, 500*time.Millisecond)

	httpServers := startAmbientServers(cfg, registry)
	defer stopAmbientServers(httpServers)

	sup := supervisor.New(swarm.Events(), swarm.Done(), cmdr, taskHandler, hb, registry, inFlight,
		topics, cfg.Runtime.ShutdownGrace, 5*time.Minute)

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", logger.ErrCodeSwarmFatal, err)
	}
	return nil
}

func configureLogging(cfg config.LoggingConfig) {
	lg := logger.GetDefaultLogger()
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		lg.SetLevel(logger.DebugLevel)
	case "WARN":
		lg.SetLevel(logger.WarnLevel)
	case "ERROR":
		lg.SetLevel(logger.ErrorLevel)
	default:
		lg.SetLevel(logger.InfoLevel)
	}
	lg.SetPrettyPrint(cfg.Format == "pretty")
}

// loadIdentity parses the node's own secret key and the configured admin
// public key from their hex encodings (spec.md §6).
func loadIdentity(cfg config.IdentityConfig) (identity, adminKey dknc.KeyPair, err error) {
	secret, err := hexDecode(cfg.NodeSecretKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("DKN_WALLET_SECRET_KEY: %w", err)
	}
	id, err := keys.NewSecp256k1KeyPairFromSecret(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("DKN_WALLET_SECRET_KEY: %w", err)
	}

	adminPub, err := hexDecode(cfg.AdminPublicKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("DKN_ADMIN_PUBLIC_KEY: %w", err)
	}
	admin, err := keys.NewSecp256k1PublicKey(adminPub)
	if err != nil {
		return nil, nil, fmt.Errorf("DKN_ADMIN_PUBLIC_KEY: %w", err)
	}
	return id, admin, nil
}

func hexDecode(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("not set")
	}
	return hex.DecodeString(s)
}

// startAmbientServers starts the optional /healthz and /metrics HTTP
// servers, each independently config-gated (spec.md's ambient stack;
// carried regardless of the core protocol's Non-goals).
func startAmbientServers(cfg *config.Config, registry *modelregistry.Registry) []*http.Server {
	var servers []*http.Server

	if cfg.Health.Enabled {
		checker := health.NewHealthChecker(5 * time.Second)
		checker.RegisterCheck("accepted_models", health.FuncHealthCheck(func(ctx context.Context) error {
			if len(registry.Accepted()) == 0 {
				return fmt.Errorf("no accepted models")
			}
			return nil
		}))

		mux := http.NewServeMux()
		path := cfg.Health.Path
		if path == "" {
			path = "/healthz"
		}
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			status := checker.GetOverallStatus(r.Context())
			if status != health.StatusHealthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			fmt.Fprintf(w, `{"status":%q}`, status)
		})
		servers = append(servers, serveInBackground(mux, cfg.Health.Port, "health"))
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler())
		servers = append(servers, serveInBackground(mux, cfg.Metrics.Port, "metrics"))
	}

	return servers
}

func serveInBackground(mux *http.ServeMux, port int, name string) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorMsg(name+" server failed", logger.Error(err))
		}
	}()
	return srv
}

func stopAmbientServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
}
