package routing

import "sort"

// matcher is one cell of the decision table: require true, require false,
// or accept either.
type matcher uint8

const (
	matchAny matcher = iota
	matchYes
	matchNo
)

func (m matcher) ok(v bool) bool {
	switch m {
	case matchYes:
		return v
	case matchNo:
		return !v
	default:
		return true
	}
}

// rule is one row of the decision table.
type rule struct {
	label                   string
	byokOnlyMode            matcher
	byokUsesInternalCredits matcher
	byokEnabled             matcher
	hasCredits              matcher
	hasByok                 matcher
	verdict                 func(Context) Verdict
}

func (r rule) matches(c Context) bool {
	return r.byokOnlyMode.ok(c.Policy.ByokOnlyMode) &&
		r.byokUsesInternalCredits.ok(c.Policy.ByokUsesInternalCredits) &&
		r.byokEnabled.ok(c.Policy.ByokEnabled) &&
		r.hasCredits.ok(c.HasCredits) &&
		r.hasByok.ok(c.HasByok())
}

// rules is the routing decision table, evaluated top to bottom, first
// match wins. Unset cells accept either value, so each row states exactly
// the condition it is about. The final row is a catch-all.
var rules = []rule{
	{label: "byok_only", byokOnlyMode: matchYes, hasByok: matchYes, verdict: byokVerdict},
	{label: "byok_required", byokOnlyMode: matchYes, hasByok: matchNo, verdict: errorVerdict(ReasonByokRequired)},
	{label: "credit_first", byokUsesInternalCredits: matchYes, hasCredits: matchYes, verdict: internalVerdict},
	{label: "credit_first_byok_fallback", byokUsesInternalCredits: matchYes, hasCredits: matchNo, hasByok: matchYes, verdict: byokVerdict},
	{label: "no_credit_no_byok", byokUsesInternalCredits: matchYes, hasCredits: matchNo, hasByok: matchNo, verdict: errorVerdict(ReasonNoCreditNoByok)},
	{label: "byok_first", byokEnabled: matchYes, hasByok: matchYes, verdict: byokVerdict},
	{label: "internal_fallback", hasCredits: matchYes, verdict: internalVerdict},
	{label: "no_credit_no_byok", verdict: errorVerdict(ReasonNoCreditNoByok)},
}

// Decide maps a routing context to a verdict. Pure: no I/O, no mutation of
// the context, deterministic for fixed input.
func Decide(c Context) Verdict {
	for _, r := range rules {
		if r.matches(c) {
			v := r.verdict(c)
			v.Rule = r.label
			return v
		}
	}
	// Unreachable: the last rule matches every context.
	return Verdict{Source: SourceError, Reason: ReasonNoCreditNoByok, Rule: "no_credit_no_byok"}
}

func internalVerdict(Context) Verdict {
	return Verdict{Source: SourceInternal}
}

func errorVerdict(reason Reason) func(Context) Verdict {
	return func(Context) Verdict {
		return Verdict{Source: SourceError, Reason: reason}
	}
}

func byokVerdict(c Context) Verdict {
	k := pickKey(c)
	return Verdict{Source: SourceByok, Provider: k.Provider, KeyID: k.ID}
}

// pickKey resolves the provider tie-break for a BYOK verdict: the task's
// preferred model family first, then the most recently validated key, then
// the most recently used, then provider name ascending. Fully
// deterministic for a fixed context.
func pickKey(c Context) Key {
	if p := c.PreferredProvider; p != "" {
		for _, k := range c.Keys {
			if k.Provider == p {
				return k
			}
		}
	}

	candidates := make([]Key, len(c.Keys))
	copy(candidates, c.Keys)
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastValidatedAt.Equal(b.LastValidatedAt) {
			return a.LastValidatedAt.After(b.LastValidatedAt)
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.After(b.LastUsedAt)
		}
		return a.Provider < b.Provider
	})
	return candidates[0]
}
