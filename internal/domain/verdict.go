package domain

import "fmt"

// DecisionKind tags a Decision as an allow or a block.
type DecisionKind uint8

const (
	DecisionUnknown DecisionKind = iota
	DecisionAllow
	DecisionBlock
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAllow:
		return "allow"
	case DecisionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Decision is a single allow or block reason. Reason holds exactly one bit of
// the range selected by Kind.
type Decision struct {
	Kind   DecisionKind
	Reason EventState
}

// Verdict is the outcome of evaluating one execution.
type Verdict struct {
	Decision Decision

	// AuxFlags holds non-decision bits such as EventStateBundleBinary.
	AuxFlags EventState

	// Cacheable is false for verdicts that depend on per-execution data and
	// for fail-safe verdicts.
	Cacheable bool

	// Silent suppresses user notification for SilentBlock matches.
	Silent bool

	// Rule is the matched rule, nil when the verdict came from defaults.
	Rule *Rule
}

// Allow builds a cacheable allow verdict.
func Allow(reason EventState) Verdict {
	return Verdict{Decision: Decision{Kind: DecisionAllow, Reason: reason}, Cacheable: true}
}

// Block builds a cacheable block verdict.
func Block(reason EventState) Verdict {
	return Verdict{Decision: Decision{Kind: DecisionBlock, Reason: reason}, Cacheable: true}
}

// Allowed reports whether the verdict lets the process run.
func (v Verdict) Allowed() bool {
	return v.Decision.Kind == DecisionAllow
}

// IsZero reports whether no decision has been made.
func (v Verdict) IsZero() bool {
	return v.Decision.Kind == DecisionUnknown && v.Decision.Reason == EventStateUnknown
}

// EventState packs the verdict into the wire bitset.
func (v Verdict) EventState() EventState {
	return v.Decision.Reason | (v.AuxFlags & EventStateAux)
}

// Action maps the verdict to the engine response.
func (v Verdict) Action() Action {
	switch v.Decision.Kind {
	case DecisionAllow:
		if v.Decision.Reason.IsCompilerAllow() {
			return ActionRespondAllowCompiler
		}
		if !v.Cacheable {
			return ActionRespondAllowNoCache
		}
		return ActionRespondAllow
	case DecisionBlock:
		return ActionRespondDeny
	}
	return ActionUnset
}

// Validate checks that exactly one decision range has exactly one bit set and
// that it agrees with the decision kind.
func (v Verdict) Validate() error {
	if v.AuxFlags&^EventStateAux != 0 {
		return fmt.Errorf("%w: auxiliary flags %s leak into decision ranges", ErrCacheInconsistency, v.AuxFlags)
	}
	return validateState(v.Decision.Kind, v.Decision.Reason)
}

func validateState(kind DecisionKind, reason EventState) error {
	switch kind {
	case DecisionAllow:
		if !reason.IsAllowReason() {
			return fmt.Errorf("%w: allow verdict with reason %s", ErrCacheInconsistency, reason)
		}
	case DecisionBlock:
		if !reason.IsBlockReason() {
			return fmt.Errorf("%w: block verdict with reason %s", ErrCacheInconsistency, reason)
		}
	default:
		return fmt.Errorf("%w: verdict has no decision", ErrCacheInconsistency)
	}
	return nil
}

// DecodeEventState unpacks a wire bitset. It fails when both or neither
// decision range is set, or when a range holds more than one reason.
func DecodeEventState(s EventState) (Verdict, error) {
	allow := s & EventStateAllow
	block := s & EventStateBlock
	var kind DecisionKind
	var reason EventState
	switch {
	case allow != 0 && block != 0:
		return Verdict{}, fmt.Errorf("%w: both decision ranges set in %s", ErrCacheInconsistency, s)
	case allow != 0:
		kind, reason = DecisionAllow, allow
	case block != 0:
		kind, reason = DecisionBlock, block
	}
	if err := validateState(kind, reason); err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Decision:  Decision{Kind: kind, Reason: reason},
		AuxFlags:  s & EventStateAux,
		Cacheable: true,
	}, nil
}
