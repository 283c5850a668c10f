package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/modelpay/keysource/internal/shared/config"
)

// Registry holds one client per supported provider plus the platform's
// pooled API keys. Clients exist even for providers without a pooled key:
// BYOK requests can still reach them.
type Registry struct {
	clients      map[string]Client
	platformKeys map[string]string
}

// NewRegistry creates a registry with real API endpoints.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		clients: map[string]Client{
			OpenAI:    NewOpenAIClient(""),
			Anthropic: NewAnthropicClient(""),
			Gemini:    NewGeminiClient(""),
		},
		platformKeys: make(map[string]string),
	}

	if cfg.OpenAIAPIKey != "" {
		r.platformKeys[OpenAI] = cfg.OpenAIAPIKey
	}
	if cfg.AnthropicAPIKey != "" {
		r.platformKeys[Anthropic] = cfg.AnthropicAPIKey
	}
	if cfg.GeminiAPIKey != "" {
		r.platformKeys[Gemini] = cfg.GeminiAPIKey
	}

	return r
}

// NewRegistryWithClients builds a registry from explicit clients. Tests use
// this to point at stub servers.
func NewRegistryWithClients(clients map[string]Client, platformKeys map[string]string) *Registry {
	if platformKeys == nil {
		platformKeys = make(map[string]string)
	}
	return &Registry{clients: clients, platformKeys: platformKeys}
}

// Client returns the client for a provider name.
func (r *Registry) Client(provider string) (Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
	return c, nil
}

// PlatformKey returns the pooled key for a provider, if one is configured.
func (r *Registry) PlatformKey(provider string) (string, bool) {
	key, ok := r.platformKeys[provider]
	return key, ok
}

// PlatformProviders lists providers with a pooled key, sorted by name.
func (r *Registry) PlatformProviders() []string {
	names := make([]string, 0, len(r.platformKeys))
	for name := range r.platformKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderForModel determines which provider a model belongs to.
func ProviderForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "text-embedding-"),
		strings.HasPrefix(model, "whisper-"):
		return OpenAI
	case strings.HasPrefix(model, "claude-"):
		return Anthropic
	case strings.HasPrefix(model, "gemini-"):
		return Gemini
	}
	return ""
}

// ValidateKey proves an API key against the named provider's live API.
func (r *Registry) ValidateKey(ctx context.Context, provider, apiKey string) error {
	c, err := r.Client(provider)
	if err != nil {
		return err
	}
	return c.ValidateKey(ctx, apiKey)
}

// CapableProviders lists providers that can serve an operation, sorted by
// name. The routing engine only considers BYOK keys for capable providers.
func (r *Registry) CapableProviders(op Operation) []string {
	var names []string
	for name, c := range r.clients {
		if c.Supports(op) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
