package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelpay/keysource/internal/shared/config"
)

func TestProviderForModel(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":                     OpenAI,
		"gpt-4o-mini":                OpenAI,
		"o1-preview":                 OpenAI,
		"text-embedding-3-small":     OpenAI,
		"whisper-1":                  OpenAI,
		"claude-sonnet-4-5-20250929": Anthropic,
		"claude-3-5-haiku-20241022":  Anthropic,
		"gemini-2.5-flash":           Gemini,
		"llama-3-70b":                "",
	}
	for model, want := range cases {
		assert.Equal(t, want, ProviderForModel(model), "model %s", model)
	}
}

func TestRegistryPlatformKeys(t *testing.T) {
	cfg := config.Default()
	cfg.OpenAIAPIKey = "sk-pool-openai"
	cfg.GeminiAPIKey = "pool-gemini"

	r := NewRegistry(cfg)

	key, ok := r.PlatformKey(OpenAI)
	assert.True(t, ok)
	assert.Equal(t, "sk-pool-openai", key)

	_, ok = r.PlatformKey(Anthropic)
	assert.False(t, ok)

	assert.Equal(t, []string{Gemini, OpenAI}, r.PlatformProviders())

	// Clients exist for every provider, pooled key or not.
	c, err := r.Client(Anthropic)
	assert.NoError(t, err)
	assert.Equal(t, Anthropic, c.Name())

	_, err = r.Client("mistral")
	assert.Error(t, err)
}

func TestCapableProviders(t *testing.T) {
	r := NewRegistry(config.Default())

	assert.Equal(t, []string{Anthropic, Gemini, OpenAI}, r.CapableProviders(OperationChat))
	assert.Equal(t, []string{OpenAI}, r.CapableProviders(OperationEmbedding))
	assert.Equal(t, []string{OpenAI}, r.CapableProviders(OperationTranscription))
}
