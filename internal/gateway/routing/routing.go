// Package routing decides, per request, which credential pays for the
// upstream call: the user's own provider key or the platform key billed
// against internal credits.
package routing

import (
	"sort"
	"time"

	"github.com/modelpay/keysource/internal/gateway/policy"
)

// Source identifies which credential class a verdict selected.
type Source string

const (
	SourceInternal Source = "internal"
	SourceByok     Source = "byok"
	SourceError    Source = "error"
)

// Reason explains an error verdict, machine-readable.
type Reason string

const (
	ReasonByokRequired   Reason = "byok_required"
	ReasonNoCreditNoByok Reason = "no_credit_no_byok"
)

// Suggestion is the self-service hint shown alongside an error verdict.
func (r Reason) Suggestion() string {
	switch r {
	case ReasonByokRequired:
		return "This platform runs requests on your own provider API key. Add one under API key settings."
	case ReasonNoCreditNoByok:
		return "Buy credits or add your own provider API key to continue."
	default:
		return ""
	}
}

// Key is the slice of a stored BYOK key the engine needs: identity plus the
// recency fields the tie-break orders by. Secrets stay in the key store.
type Key struct {
	ID              string
	Provider        string
	LastValidatedAt time.Time
	LastUsedAt      time.Time
}

// Context is the per-request input to Decide. Built fresh for every
// request and discarded with it; only its inputs are ever cached, never
// the verdict.
type Context struct {
	UserID     string
	HasCredits bool
	// Keys holds at most one valid active key per provider, already
	// filtered to providers capable of the task's operation.
	Keys   []Key
	Policy policy.Policy
	// PreferredProvider steers the tie-break toward the provider of the
	// task's model family. Empty when the model implies no provider.
	PreferredProvider string
}

// HasByok reports whether any usable key survived filtering.
func (c Context) HasByok() bool {
	return len(c.Keys) > 0
}

// Providers lists the usable BYOK providers, sorted, for error payloads
// and the settings preview.
func (c Context) Providers() []string {
	if len(c.Keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Keys))
	for _, k := range c.Keys {
		out = append(out, k.Provider)
	}
	sort.Strings(out)
	return out
}

// Verdict is the routing decision. Exactly one of the three sources is
// set; Rule names the decision-table row that produced it.
type Verdict struct {
	Source   Source `json:"source"`
	Provider string `json:"provider,omitempty"`
	KeyID    string `json:"keyId,omitempty"`
	Reason   Reason `json:"reason,omitempty"`
	Rule     string `json:"rule"`
}

// Usable reports whether the verdict selected a credential.
func (v Verdict) Usable() bool {
	return v.Source == SourceInternal || v.Source == SourceByok
}
