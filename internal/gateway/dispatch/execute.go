package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/gateway/routing"
	"github.com/modelpay/keysource/internal/gateway/usage"
)

// attemptOutcome is what one provider attempt produced.
type attemptOutcome struct {
	chat          *providers.ChatResponse
	embedding     *providers.EmbeddingResponse
	transcription *providers.TranscriptionResponse

	promptTokens     int
	completionTokens int
	totalTokens      int
	durationSeconds  float64
	latencyMs        int64
}

// Execute runs a unary task end to end: decide, attempt, fall back at most
// once, record. Returns RoutingError when no credential can serve, in which
// case no provider call was made and nothing was billed.
func (d *Dispatcher) Execute(ctx context.Context, userID string, task Task) (*Result, error) {
	requestID := uuid.NewString()
	log := d.logger.With().
		Str("requestId", requestID).
		Str("userId", userID).
		Str("operation", string(task.Operation)).
		Str("model", task.Model).
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

	outcome, attemptErr := d.runAttempt(ctx, cred, task)

	// A rejected BYOK credential falls back to platform credentials at
	// most once. Transient errors never switch credential source.
	if attemptErr != nil && cred.source == routing.SourceByok && providers.IsAuth(attemptErr) {
		d.noteAuthFailure(ctx, log, cred, attemptErr)

		if fb, ok := d.fallbackCredential(log, rctx, task); ok {
			cred = fb
			outcome, attemptErr = d.runAttempt(ctx, cred, task)
		}
	}

	if attemptErr != nil {
		// A failed unary attempt reports no usage, so there is nothing
		// billable to record.
		d.metrics.RequestsTotal.WithLabelValues(string(task.Operation), string(cred.source), "error").Inc()
		return nil, attemptErr
	}

	d.record(ctx, log, usage.Attempt{
		UserID:           userID,
		RequestID:        requestID,
		Source:           cred.source,
		KeyID:            cred.keyID,
		Provider:         cred.provider,
		Model:            task.Model,
		Operation:        task.Operation,
		PromptTokens:     outcome.promptTokens,
		CompletionTokens: outcome.completionTokens,
		TotalTokens:      outcome.totalTokens,
		DurationSeconds:  outcome.durationSeconds,
		LatencyMs:        outcome.latencyMs,
		Succeeded:        true,
	})
	d.metrics.RequestsTotal.WithLabelValues(string(task.Operation), string(cred.source), "ok").Inc()

	return &Result{
		RequestID:     requestID,
		Source:        cred.source,
		Provider:      cred.provider,
		KeyID:         cred.keyID,
		Rule:          verdict.Rule,
		Chat:          outcome.chat,
		Embedding:     outcome.embedding,
		Transcription: outcome.transcription,
	}, nil
}

// runAttempt calls the provider with bounded same-credential retries for
// transient failures. Auth and invalid-request errors return immediately.
func (d *Dispatcher) runAttempt(ctx context.Context, cred credential, task Task) (*attemptOutcome, error) {
	client, err := d.registry.Client(cred.provider)
	if err != nil {
		return nil, err
	}
	if !client.Supports(task.Operation) {
		return nil, &providers.Error{
			Provider: cred.provider,
			Kind:     providers.ErrorKindInvalidRequest,
			Message:  fmt.Sprintf("%s does not support %s", cred.provider, task.Operation),
		}
	}

	var lastErr error
	for attempt := 0; attempt < d.opts.RetryMaxAttempts; attempt++ {
		if attempt > 0 {
			d.metrics.ProviderRetriesTotal.WithLabelValues(cred.provider).Inc()
			if err := d.sleepBackoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		out, err := d.callOnce(ctx, client, cred, task)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !providers.IsTransient(err) {
			return nil, err
		}
		d.logger.Warn().Err(err).Str("provider", cred.provider).Int("attempt", attempt+1).Msg("transient provider error")
	}
	return nil, lastErr
}

func (d *Dispatcher) callOnce(ctx context.Context, client providers.Client, cred credential, task Task) (*attemptOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	out, err := d.invoke(callCtx, client, cred, task)
	elapsed := time.Since(start)
	d.metrics.ProviderLatency.WithLabelValues(cred.provider, string(task.Operation)).Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}
	out.latencyMs = elapsed.Milliseconds()
	return out, nil
}

func (d *Dispatcher) invoke(ctx context.Context, client providers.Client, cred credential, task Task) (*attemptOutcome, error) {
	switch task.Operation {
	case providers.OperationChat:
		if task.Chat == nil {
			return nil, &providers.Error{Kind: providers.ErrorKindInvalidRequest, Message: "missing chat payload"}
		}
		resp, err := client.ChatCompletion(ctx, cred.apiKey, *task.Chat)
		if err != nil {
			return nil, err
		}
		return &attemptOutcome{
			chat:             resp,
			promptTokens:     resp.Usage.PromptTokens,
			completionTokens: resp.Usage.CompletionTokens,
			totalTokens:      resp.Usage.TotalTokens,
		}, nil

	case providers.OperationEmbedding:
		if task.Embedding == nil {
			return nil, &providers.Error{Kind: providers.ErrorKindInvalidRequest, Message: "missing embedding payload"}
		}
		resp, err := client.Embeddings(ctx, cred.apiKey, *task.Embedding)
		if err != nil {
			return nil, err
		}
		return &attemptOutcome{
			embedding:    resp,
			promptTokens: resp.Usage.PromptTokens,
			totalTokens:  resp.Usage.TotalTokens,
		}, nil

	case providers.OperationTranscription:
		if task.Transcription == nil {
			return nil, &providers.Error{Kind: providers.ErrorKindInvalidRequest, Message: "missing transcription payload"}
		}
		// A fresh reader per attempt so retries replay the audio.
		resp, err := client.Transcription(ctx, cred.apiKey, providers.TranscriptionRequest{
			Model:    task.Model,
			FileName: task.Transcription.FileName,
			Audio:    bytes.NewReader(task.Transcription.Audio),
			Language: task.Transcription.Language,
			Prompt:   task.Transcription.Prompt,
		})
		if err != nil {
			return nil, err
		}
		return &attemptOutcome{
			transcription:   resp,
			durationSeconds: resp.DurationSeconds,
		}, nil

	default:
		return nil, &providers.Error{Kind: providers.ErrorKindInvalidRequest, Message: fmt.Sprintf("unsupported operation %q", task.Operation)}
	}
}

// noteAuthFailure runs the bookkeeping for an upstream key rejection: the
// failure counter (which disables the key at the threshold), the metric,
// and a diagnostic log line. This is not a billable event.
func (d *Dispatcher) noteAuthFailure(ctx context.Context, log zerolog.Logger, cred credential, err error) {
	// Bookkeeping must land even when the caller already went away.
	ctx = context.WithoutCancel(ctx)

	d.metrics.KeyAuthFailuresTotal.WithLabelValues(cred.provider).Inc()
	disabled, ferr := d.keys.RecordAuthFailure(ctx, cred.keyID, err.Error())
	if ferr != nil {
		log.Error().Err(ferr).Str("keyId", cred.keyID).Msg("auth failure bookkeeping failed")
	}
	log.Warn().Err(err).
		Str("provider", cred.provider).
		Str("keyId", cred.keyID).
		Bool("keyDisabled", disabled).
		Msg("stored key rejected upstream")
}

// fallbackCredential resolves the single permitted credential switch:
// platform credentials, only when byok-only mode is off and the user has
// spendable credit.
func (d *Dispatcher) fallbackCredential(log zerolog.Logger, rctx routing.Context, task Task) (credential, bool) {
	if rctx.Policy.ByokOnlyMode || !rctx.HasCredits {
		return credential{}, false
	}
	cred, err := d.internalCredential(task)
	if err != nil {
		log.Warn().Err(err).Msg("internal fallback unavailable")
		return credential{}, false
	}
	d.metrics.FallbacksTotal.Inc()
	log.Info().Msg("falling back to platform credentials")
	return cred, true
}

func (d *Dispatcher) record(ctx context.Context, log zerolog.Logger, a usage.Attempt) {
	if err := d.recorder.Record(ctx, a); err != nil {
		log.Error().Err(err).Msg("usage record failed")
	}
}
