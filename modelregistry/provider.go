// Package modelregistry turns the desired model list from configuration
// into the subset that is actually live and usable, by probing each
// model's provider.
package modelregistry

import "strings"

// Provider identifies which backend serves a model identifier.
type Provider string

const (
	ProviderOllama     Provider = "ollama"
	ProviderOpenAI     Provider = "openai"
	ProviderGemini     Provider = "gemini"
	ProviderOpenRouter Provider = "openrouter"
)

// Classify maps a model identifier to its provider using a static table:
// Ollama models are tagged `name:size` (e.g. "phi3:3.8b"), OpenAI models
// start with "gpt-" or "o1"/"o3", Gemini models start with "gemini-", and
// everything else is assumed to be routed through OpenRouter's
// `vendor/model` namespacing.
func Classify(modelID string) Provider {
	switch {
	case strings.Contains(modelID, ":"):
		return ProviderOllama
	case strings.HasPrefix(modelID, "gpt-") || strings.HasPrefix(modelID, "o1") || strings.HasPrefix(modelID, "o3"):
		return ProviderOpenAI
	case strings.HasPrefix(modelID, "gemini-"):
		return ProviderGemini
	default:
		return ProviderOpenRouter
	}
}
