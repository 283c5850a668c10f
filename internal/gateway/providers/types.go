package providers

import (
	"context"
	"io"

	"github.com/sashabaranov/go-openai"
)

// Canonical provider names. These are the values stored on BYOK key rows and
// usage events.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
)

// Operation is the kind of inference work a request carries.
type Operation string

const (
	OperationChat          Operation = "chat"
	OperationEmbedding     Operation = "embedding"
	OperationTranscription Operation = "transcription"
)

// ChatRequest represents a chat completion request
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	ID                string                        `json:"id"`
	Object            string                        `json:"object"`
	Created           int64                         `json:"created"`
	Model             string                        `json:"model"`
	Choices           []openai.ChatCompletionChoice `json:"choices"`
	Usage             openai.Usage                  `json:"usage"`
	SystemFingerprint string                        `json:"system_fingerprint,omitempty"`
	LatencyMs         int                           `json:"latency_ms,omitempty"`
}

// EmbeddingRequest represents an embeddings request
type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingResponse represents an embeddings response
type EmbeddingResponse struct {
	Model     string             `json:"model"`
	Data      []openai.Embedding `json:"data"`
	Usage     openai.Usage       `json:"usage"`
	LatencyMs int                `json:"latency_ms,omitempty"`
}

// TranscriptionRequest represents an audio transcription request
type TranscriptionRequest struct {
	Model    string
	FileName string
	Audio    io.Reader
	Language string
	Prompt   string
}

// TranscriptionResponse represents an audio transcription response
type TranscriptionResponse struct {
	Text string `json:"text"`
	// DurationSeconds is the length of the transcribed audio as reported by
	// the provider. Transcription is billed per minute, not per token.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	LatencyMs       int     `json:"latency_ms,omitempty"`
}

// StreamReader is an interface for streaming responses
type StreamReader interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Client is the interface all LLM provider clients implement. The API key is
// passed per call: the same client serves pooled platform keys and per-user
// BYOK keys.
type Client interface {
	Name() string
	Supports(op Operation) bool
	ChatCompletion(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, apiKey string, req ChatRequest) (StreamReader, error)
	Embeddings(ctx context.Context, apiKey string, req EmbeddingRequest) (*EmbeddingResponse, error)
	Transcription(ctx context.Context, apiKey string, req TranscriptionRequest) (*TranscriptionResponse, error)
	// ValidateKey makes the cheapest live call that proves the key is
	// accepted by the provider.
	ValidateKey(ctx context.Context, apiKey string) error
}
