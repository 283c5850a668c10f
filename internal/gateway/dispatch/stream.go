package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/gateway/routing"
	"github.com/modelpay/keysource/internal/gateway/usage"
)

// streamUsage accumulates the usage frames a stream reports. Providers send
// usage once near the end; partial frames overwrite earlier ones.
type streamUsage struct {
	prompt     int
	completion int
	total      int
	latencyMs  int64
}

func (s *streamUsage) capture(u *openai.Usage) {
	if u == nil {
		return
	}
	if u.PromptTokens > 0 {
		s.prompt = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		s.completion = u.CompletionTokens
	}
	if u.TotalTokens > 0 {
		s.total = u.TotalTokens
	}
}

func (s streamUsage) totalTokens() int {
	if s.total > 0 {
		return s.total
	}
	return s.prompt + s.completion
}

// ExecuteStream runs a streaming chat task. Chunks go to onChunk as they
// arrive. Credential fallback and transient retries apply only while
// nothing has been delivered; once the caller has seen a delta the stream
// fails as-is, billing whatever usage the provider reported first.
func (d *Dispatcher) ExecuteStream(ctx context.Context, userID string, task Task, onChunk func(openai.ChatCompletionStreamResponse) error) (*Result, error) {
	if task.Operation != providers.OperationChat || task.Chat == nil {
		return nil, &providers.Error{Kind: providers.ErrorKindInvalidRequest, Message: "streaming requires a chat payload"}
	}

	requestID := uuid.NewString()
	log := d.logger.With().
		Str("requestId", requestID).
		Str("userId", userID).
		Str("operation", string(task.Operation)).
		Str("model", task.Model).
		Bool("stream", true).
		Logger()

	rctx, handles, err := d.BuildContext(ctx, userID, task)
	if err != nil {
		return nil, err
	}

	verdict := routing.Decide(rctx)
	log.Debug().Str("source", string(verdict.Source)).Str("rule", verdict.Rule).Msg("routing verdict")

	if verdict.Source == routing.SourceError {
		d.metrics.RequestsTotal.WithLabelValues(string(task.Operation), string(verdict.Source), "rejected").Inc()
		return nil, &RoutingError{
			Reason:        verdict.Reason,
			Policy:        rctx.Policy,
			HasCredits:    rctx.HasCredits,
			ByokProviders: rctx.Providers(),
		}
	}

	cred, err := d.credentialFor(verdict, handles, task)
	if err != nil {
		d.metrics.RequestsTotal.WithLabelValues(string(task.Operation), string(verdict.Source), "error").Inc()
		return nil, err
	}

	fellBack := false
	retries := 0
	for {
		client, cerr := d.registry.Client(cred.provider)
		if cerr != nil {
			return nil, cerr
		}

		su, delivered, serr := d.streamOnce(ctx, client, cred, task, onChunk)
		if serr == nil {
			d.record(ctx, log, usage.Attempt{
				UserID:           userID,
				RequestID:        requestID,
				Source:           cred.source,
				KeyID:            cred.keyID,
				Provider:         cred.provider,
				Model:            task.Model,
				Operation:        task.Operation,
				PromptTokens:     su.prompt,
				CompletionTokens: su.completion,
				TotalTokens:      su.totalTokens(),
				LatencyMs:        su.latencyMs,
				Succeeded:        true,
			})
			d.metrics.RequestsTotal.WithLabelValues(string(task.Operation), string(cred.source), "ok").Inc()
			return &Result{
				RequestID: requestID,
				Source:    cred.source,
				Provider:  cred.provider,
				KeyID:     cred.keyID,
				Rule:      verdict.Rule,
			}, nil
		}

		if delivered {
			// The caller already saw deltas: no retry, no credential
			// switch. Bill any usage the provider got out first.
			if su.totalTokens() > 0 {
				d.record(ctx, log, usage.Attempt{
					UserID:           userID,
					RequestID:        requestID,
					Source:           cred.source,
					KeyID:            cred.keyID,
					Provider:         cred.provider,
					Model:            task.Model,
					Operation:        task.Operation,
					PromptTokens:     su.prompt,
					CompletionTokens: su.completion,
					TotalTokens:      su.totalTokens(),
					LatencyMs:        su.latencyMs,
					Succeeded:        false,
					ErrorMessage:     serr.Error(),
				})
			}
			d.metrics.RequestsTotal.WithLabelValues(string(task.Operation), string(cred.source), "error").Inc()
			return nil, serr
		}

		if providers.IsTransient(serr) && retries+1 < d.opts.RetryMaxAttempts {
			retries++
			d.metrics.ProviderRetriesTotal.WithLabelValues(cred.provider).Inc()
			log.Warn().Err(serr).Int("attempt", retries).Msg("transient stream error before first delta")
			if err := d.sleepBackoff(ctx, retries-1); err != nil {
				return nil, err
			}
			continue
		}

		if providers.IsAuth(serr) && cred.source == routing.SourceByok && !fellBack {
			d.noteAuthFailure(ctx, log, cred, serr)
			if fb, ok := d.fallbackCredential(log, rctx, task); ok {
				cred = fb
				fellBack = true
				retries = 0
				continue
			}
		}

		d.metrics.RequestsTotal.WithLabelValues(string(task.Operation), string(cred.source), "error").Inc()
		return nil, serr
	}
}

// streamOnce opens and drains one stream. delivered reports whether any
// chunk reached the caller, which is the point of no return for fallback.
func (d *Dispatcher) streamOnce(ctx context.Context, client providers.Client, cred credential, task Task, onChunk func(openai.ChatCompletionStreamResponse) error) (streamUsage, bool, error) {
	var su streamUsage

	start := time.Now()
	stream, err := client.ChatCompletionStream(ctx, cred.apiKey, *task.Chat)
	if err != nil {
		return su, false, err
	}
	defer stream.Close()

	delivered := false
	for {
		chunk, rerr := stream.Recv()
		if errors.Is(rerr, io.EOF) {
			elapsed := time.Since(start)
			d.metrics.ProviderLatency.WithLabelValues(cred.provider, string(task.Operation)).Observe(elapsed.Seconds())
			su.latencyMs = elapsed.Milliseconds()
			return su, delivered, nil
		}
		if rerr != nil {
			su.latencyMs = time.Since(start).Milliseconds()
			return su, delivered, rerr
		}

		su.capture(chunk.Usage)
		if cberr := onChunk(chunk); cberr != nil {
			su.latencyMs = time.Since(start).Milliseconds()
			return su, delivered, fmt.Errorf("stream consumer failed: %w", cberr)
		}
		delivered = true
	}
}
