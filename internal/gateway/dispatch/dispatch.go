// Package dispatch executes inference tasks: it builds the routing context,
// asks the decision engine which credential pays, runs the provider call
// with bounded retries, falls back from a rejected BYOK key at most once,
// and hands the outcome to the usage recorder.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/modelpay/keysource/internal/gateway/keystore"
	"github.com/modelpay/keysource/internal/gateway/ledger"
	"github.com/modelpay/keysource/internal/gateway/policy"
	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/gateway/routing"
	"github.com/modelpay/keysource/internal/gateway/usage"
	"github.com/modelpay/keysource/internal/shared/metrics"
)

// Task describes one inference request. Exactly one payload field matching
// Operation is set. Provider, when non-empty, pins the task to that
// provider instead of deriving it from the model name.
type Task struct {
	Operation providers.Operation
	Model     string
	Provider  string

	Chat          *providers.ChatRequest
	Embedding     *providers.EmbeddingRequest
	Transcription *TranscriptionTask
}

// TranscriptionTask buffers the audio so a retried or fallen-back attempt
// can replay it from the start.
type TranscriptionTask struct {
	FileName string
	Audio    []byte
	Language string
	Prompt   string
}

// Result is a completed dispatch. The payload field matching the task's
// operation is set; for streams the chunks already went to the caller and
// only the routing facts are filled in.
type Result struct {
	RequestID string
	Source    routing.Source
	Provider  string
	KeyID     string
	Rule      string

	Chat          *providers.ChatResponse
	Embedding     *providers.EmbeddingResponse
	Transcription *providers.TranscriptionResponse
}

// RoutingError is an error verdict surfaced to the caller: no credential
// could serve the request. Handlers map it to 402 with the full context the
// user needs to fix it themselves.
type RoutingError struct {
	Reason        routing.Reason
	Policy        policy.Policy
	HasCredits    bool
	ByokProviders []string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no usable credential: %s", e.Reason)
}

// Options tunes retry and timeout behavior. Zero values take defaults.
type Options struct {
	RetryMaxAttempts    int
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration
	ProviderTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 3
	}
	if o.RetryBackoffInitial <= 0 {
		o.RetryBackoffInitial = 200 * time.Millisecond
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = 2 * time.Second
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 60 * time.Second
	}
	return o
}

// Dispatcher wires the decision engine to the provider clients and ledgers.
type Dispatcher struct {
	registry *providers.Registry
	keys     *keystore.Store
	credits  *ledger.Store
	policies *policy.Resolver
	recorder *usage.Recorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     Options
}

func New(registry *providers.Registry, keys *keystore.Store, credits *ledger.Store, policies *policy.Resolver, recorder *usage.Recorder, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		keys:     keys,
		credits:  credits,
		policies: policies,
		recorder: recorder,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		opts:     opts.withDefaults(),
	}
}

// BuildContext assembles the per-request routing context. The ledger, key
// store, and policy reads are independent and run concurrently. Keys are
// filtered to providers capable of the task's operation, and to the pinned
// provider when the task names one.
func (d *Dispatcher) BuildContext(ctx context.Context, userID string, task Task) (routing.Context, map[string]keystore.KeyHandle, error) {
	var (
		hasCredits bool
		handles    map[string]keystore.KeyHandle
		pol        policy.Policy
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hasCredits, err = d.credits.HasSpendableCredit(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		handles, err = d.keys.ActiveKeysByProvider(gctx, userID)
		return err
	})
	g.Go(func() error {
		pol = d.policies.Current(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return routing.Context{}, nil, fmt.Errorf("build routing context: %w", err)
	}

	capable := make(map[string]bool)
	for _, p := range d.registry.CapableProviders(task.Operation) {
		capable[p] = true
	}

	rctx := routing.Context{
		UserID:            userID,
		HasCredits:        hasCredits,
		Policy:            pol,
		PreferredProvider: task.Provider,
	}
	if rctx.PreferredProvider == "" {
		rctx.PreferredProvider = providers.ProviderForModel(task.Model)
	}

	for provider, h := range handles {
		if !capable[provider] {
			continue
		}
		if task.Provider != "" && provider != task.Provider {
			continue
		}
		k := routing.Key{ID: h.ID, Provider: h.Provider, LastValidatedAt: h.LastValidatedAt}
		if h.LastUsedAt != nil {
			k.LastUsedAt = *h.LastUsedAt
		}
		rctx.Keys = append(rctx.Keys, k)
	}
	return rctx, handles, nil
}

// credential is a resolved key for one attempt.
type credential struct {
	source   routing.Source
	provider string
	keyID    string
	apiKey   string
}

func (d *Dispatcher) byokCredential(v routing.Verdict, handles map[string]keystore.KeyHandle) (credential, error) {
	h, ok := handles[v.Provider]
	if !ok {
		return credential{}, fmt.Errorf("verdict selected provider %s but no key handle exists", v.Provider)
	}
	secret, err := h.Secret()
	if err != nil {
		return credential{}, fmt.Errorf("decrypt stored key: %w", err)
	}
	return credential{source: routing.SourceByok, provider: v.Provider, keyID: v.KeyID, apiKey: secret}, nil
}

func (d *Dispatcher) internalCredential(task Task) (credential, error) {
	provider := task.Provider
	if provider == "" {
		provider = providers.ProviderForModel(task.Model)
	}
	if provider == "" {
		return credential{}, &providers.Error{
			Kind:    providers.ErrorKindInvalidRequest,
			Message: fmt.Sprintf("cannot infer provider for model %q", task.Model),
		}
	}
	apiKey, ok := d.registry.PlatformKey(provider)
	if !ok {
		return credential{}, &providers.Error{
			Provider: provider,
			Kind:     providers.ErrorKindInvalidRequest,
			Message:  fmt.Sprintf("model %q is not available on platform credentials", task.Model),
		}
	}
	return credential{source: routing.SourceInternal, provider: provider, apiKey: apiKey}, nil
}

func (d *Dispatcher) credentialFor(v routing.Verdict, handles map[string]keystore.KeyHandle, task Task) (credential, error) {
	if v.Source == routing.SourceByok {
		return d.byokCredential(v, handles)
	}
	return d.internalCredential(task)
}

// backoffDelay implements exponential backoff with jitter: initial * 2^n
// capped at max, then scaled by a random factor in [0.8, 1.2].
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.opts.RetryBackoffInitial * time.Duration(1<<uint(attempt))
	if delay > d.opts.RetryBackoffMax {
		delay = d.opts.RetryBackoffMax
	}
	return time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
}

// sleepBackoff waits out the backoff or returns early when the caller goes
// away.
func (d *Dispatcher) sleepBackoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.backoffDelay(attempt)):
		return nil
	}
}
