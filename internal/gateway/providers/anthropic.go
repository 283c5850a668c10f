package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// Smallest current model; used for the 1-token validation probe.
	anthropicProbeModel = "claude-3-5-haiku-20241022"
)

// AnthropicClient handles Anthropic Claude API requests
type AnthropicClient struct {
	baseURL    string
	httpClient *http.Client
}

// anthropicRequest represents a request to Anthropic's Messages API
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// anthropicMessage represents a message in Anthropic format
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse represents a response from Anthropic's API
type anthropicResponse struct {
	ID      string                  `json:"id"`
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   anthropicUsage          `json:"usage"`
}

// anthropicContentBlock represents a content block
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicUsage represents token usage
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicClient creates a new Anthropic client. baseURL overrides the
// API host; pass "" for the real endpoint.
func NewAnthropicClient(baseURL string) *AnthropicClient {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Name returns the provider name
func (c *AnthropicClient) Name() string {
	return Anthropic
}

// Supports reports which operations this provider serves.
func (c *AnthropicClient) Supports(op Operation) bool {
	return op == OperationChat
}

func (c *AnthropicClient) post(ctx context.Context, apiKey string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return c.httpClient.Do(httpReq)
}

// ChatCompletion makes a chat completion request to Anthropic
func (c *AnthropicClient) ChatCompletion(ctx context.Context, apiKey string, req ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()

	anthropicReq := c.convertRequest(req)

	reqBody, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpResp, err := c.post(ctx, apiKey, reqBody)
	if err != nil {
		return nil, transportError(ctx, Anthropic, err)
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return nil, httpError(Anthropic, httpResp.StatusCode, respBody)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	latencyMs := int(time.Since(startTime).Milliseconds())

	return c.convertResponse(resp, latencyMs), nil
}

// ChatCompletionStream makes a streaming request
func (c *AnthropicClient) ChatCompletionStream(ctx context.Context, apiKey string, req ChatRequest) (StreamReader, error) {
	anthropicReq := c.convertRequest(req)
	anthropicReq.Stream = true

	reqBody, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpResp, err := c.post(ctx, apiKey, reqBody)
	if err != nil {
		return nil, transportError(ctx, Anthropic, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, httpError(Anthropic, httpResp.StatusCode, respBody)
	}

	return &anthropicStreamReader{
		reader: bufio.NewReader(httpResp.Body),
		resp:   httpResp,
		model:  req.Model,
	}, nil
}

// anthropicStreamReader wraps the HTTP response for streaming. It tracks the
// usage counters scattered across SSE events so the final chunk can report
// them the way OpenAI streams do.
type anthropicStreamReader struct {
	reader       *bufio.Reader
	resp         *http.Response
	model        string
	inputTokens  int
	outputTokens int
}

// Recv reads the next streaming chunk
func (r *anthropicStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return openai.ChatCompletionStreamResponse{}, err
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event map[string]interface{}
		if err := json.Unmarshal([]byte(dataStr), &event); err != nil {
			continue
		}

		chunk := openai.ChatCompletionStreamResponse{
			Object:  "chat.completion.chunk",
			Model:   r.model,
			Choices: []openai.ChatCompletionStreamChoice{},
		}

		eventType, _ := event["type"].(string)
		switch eventType {
		case "message_start":
			if msg, ok := event["message"].(map[string]interface{}); ok {
				if usage, ok := msg["usage"].(map[string]interface{}); ok {
					if v, ok := usage["input_tokens"].(float64); ok {
						r.inputTokens = int(v)
					}
				}
			}
			chunk.Choices = []openai.ChatCompletionStreamChoice{
				{
					Index: 0,
					Delta: openai.ChatCompletionStreamChoiceDelta{Role: "assistant"},
				},
			}
			return chunk, nil

		case "content_block_delta":
			if delta, ok := event["delta"].(map[string]interface{}); ok {
				if text, ok := delta["text"].(string); ok && text != "" {
					chunk.Choices = []openai.ChatCompletionStreamChoice{
						{
							Index: 0,
							Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
						},
					}
					return chunk, nil
				}
			}

		case "message_delta":
			if usage, ok := event["usage"].(map[string]interface{}); ok {
				if v, ok := usage["output_tokens"].(float64); ok {
					r.outputTokens = int(v)
				}
			}

		case "message_stop":
			chunk.Choices = []openai.ChatCompletionStreamChoice{
				{
					Index:        0,
					Delta:        openai.ChatCompletionStreamChoiceDelta{},
					FinishReason: "stop",
				},
			}
			chunk.Usage = &openai.Usage{
				PromptTokens:     r.inputTokens,
				CompletionTokens: r.outputTokens,
				TotalTokens:      r.inputTokens + r.outputTokens,
			}
			return chunk, nil
		}
	}
}

// Close closes the stream
func (r *anthropicStreamReader) Close() error {
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}

// Embeddings is not offered by Anthropic.
func (c *AnthropicClient) Embeddings(ctx context.Context, apiKey string, req EmbeddingRequest) (*EmbeddingResponse, error) {
	return nil, &Error{Provider: Anthropic, Kind: ErrorKindInvalidRequest, Message: "anthropic does not support embeddings"}
}

// Transcription is not offered by Anthropic.
func (c *AnthropicClient) Transcription(ctx context.Context, apiKey string, req TranscriptionRequest) (*TranscriptionResponse, error) {
	return nil, &Error{Provider: Anthropic, Kind: ErrorKindInvalidRequest, Message: "anthropic does not support transcription"}
}

// ValidateKey makes a 1-token messages call. Anthropic has no free
// authenticated endpoint, so this is the cheapest probe available.
func (c *AnthropicClient) ValidateKey(ctx context.Context, apiKey string) error {
	probe := anthropicRequest{
		Model:     anthropicProbeModel,
		MaxTokens: 1,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	}
	reqBody, err := json.Marshal(probe)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpResp, err := c.post(ctx, apiKey, reqBody)
	if err != nil {
		return transportError(ctx, Anthropic, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return httpError(Anthropic, httpResp.StatusCode, respBody)
	}
	return nil
}

// convertRequest converts to Anthropic format
func (c *AnthropicClient) convertRequest(req ChatRequest) anthropicRequest {
	anthropicReq := anthropicRequest{
		Model:       req.Model,
		Messages:    []anthropicMessage{},
		MaxTokens:   4096,
		Temperature: req.Temperature,
	}

	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		anthropicReq.MaxTokens = *req.MaxTokens
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			anthropicReq.System = msg.Content
		} else {
			anthropicReq.Messages = append(anthropicReq.Messages, anthropicMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return anthropicReq
}

// convertResponse converts Anthropic response to standard format
func (c *AnthropicClient) convertResponse(resp anthropicResponse, latencyMs int) *ChatResponse {
	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		LatencyMs: latencyMs,
	}
}
