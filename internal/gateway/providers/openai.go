package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient handles OpenAI API requests. It is stateless: the API key is
// supplied per call by the dispatcher.
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a new OpenAI client. baseURL overrides the API
// host; pass "" for the real endpoint.
func NewOpenAIClient(baseURL string) *OpenAIClient {
	return &OpenAIClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// sdk builds a per-call SDK client bound to one credential.
func (c *OpenAIClient) sdk(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg)
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return OpenAI
}

// Supports reports which operations this provider serves.
func (c *OpenAIClient) Supports(op Operation) bool {
	switch op {
	case OperationChat, OperationEmbedding, OperationTranscription:
		return true
	}
	return false
}

// ChatCompletion makes a chat completion request to OpenAI
func (c *OpenAIClient) ChatCompletion(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()

	resp, err := c.sdk(apiKey).CreateChatCompletion(ctx, c.convertRequest(req, false))
	if err != nil {
		return nil, wrapOpenAIError(ctx, err)
	}

	latencyMs := int(time.Since(startTime).Milliseconds())

	return &ChatResponse{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Choices:           resp.Choices,
		Usage:             resp.Usage,
		SystemFingerprint: resp.SystemFingerprint,
		LatencyMs:         latencyMs,
	}, nil
}

// ChatCompletionStream creates a streaming chat completion request. The
// final chunk carries usage so billing sees real token counts.
func (c *OpenAIClient) ChatCompletionStream(ctx context.Context, apiKey string, req ChatRequest) (StreamReader, error) {
	stream, err := c.sdk(apiKey).CreateChatCompletionStream(ctx, c.convertRequest(req, true))
	if err != nil {
		return nil, wrapOpenAIError(ctx, err)
	}

	return &openAIStreamReader{stream: stream}, nil
}

func (c *OpenAIClient) convertRequest(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	openaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
	}

	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}
	if stream {
		openaiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	return openaiReq
}

// openAIStreamReader wraps OpenAI's stream
type openAIStreamReader struct {
	stream *openai.ChatCompletionStream
}

// Recv reads the next chunk
func (r *openAIStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	return r.stream.Recv()
}

// Close closes the stream
func (r *openAIStreamReader) Close() error {
	r.stream.Close()
	return nil
}

// Embeddings makes an embeddings request to OpenAI
func (c *OpenAIClient) Embeddings(ctx context.Context, apiKey string, req EmbeddingRequest) (*EmbeddingResponse, error) {
	startTime := time.Now()

	resp, err := c.sdk(apiKey).CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(req.Model),
		Input: req.Input,
	})
	if err != nil {
		return nil, wrapOpenAIError(ctx, err)
	}

	return &EmbeddingResponse{
		Model:     string(resp.Model),
		Data:      resp.Data,
		Usage:     resp.Usage,
		LatencyMs: int(time.Since(startTime).Milliseconds()),
	}, nil
}

// Transcription makes an audio transcription request to OpenAI
func (c *OpenAIClient) Transcription(ctx context.Context, apiKey string, req TranscriptionRequest) (*TranscriptionResponse, error) {
	startTime := time.Now()

	// Verbose JSON includes the audio duration, which drives per-minute cost.
	resp, err := c.sdk(apiKey).CreateTranscription(ctx, openai.AudioRequest{
		Model:    req.Model,
		Reader:   req.Audio,
		FilePath: req.FileName,
		Language: req.Language,
		Prompt:   req.Prompt,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, wrapOpenAIError(ctx, err)
	}

	return &TranscriptionResponse{
		Text:            resp.Text,
		DurationSeconds: resp.Duration,
		LatencyMs:       int(time.Since(startTime).Milliseconds()),
	}, nil
}

// ValidateKey lists models, the cheapest authenticated OpenAI call.
func (c *OpenAIClient) ValidateKey(ctx context.Context, apiKey string) error {
	if _, err := c.sdk(apiKey).ListModels(ctx); err != nil {
		return wrapOpenAIError(ctx, err)
	}
	return nil
}
