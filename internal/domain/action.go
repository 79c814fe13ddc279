package domain

// Action is the request/response protocol between the interception layer and
// the decision engine. The integer values are persisted and must not change.
type Action int

const (
	ActionUnset Action = iota

	// ActionRequestBinary marks an execution waiting on a decision that a
	// similar execution is already computing.
	ActionRequestBinary

	ActionRespondAllow
	ActionRespondAllowNoCache
	ActionRespondDeny
	ActionRespondAllowCompiler

	// ActionRespondHold blocks an execution while another decision for the same
	// binary is pending. It is resolved later by a hold follow-up.
	ActionRespondHold

	ActionHoldAllowed
	ActionHoldDenied
)

func (a Action) String() string {
	switch a {
	case ActionUnset:
		return "unset"
	case ActionRequestBinary:
		return "request_binary"
	case ActionRespondAllow:
		return "allow"
	case ActionRespondAllowNoCache:
		return "allow_nocache"
	case ActionRespondDeny:
		return "deny"
	case ActionRespondAllowCompiler:
		return "allow_compiler"
	case ActionRespondHold:
		return "hold"
	case ActionHoldAllowed:
		return "hold_allowed"
	case ActionHoldDenied:
		return "hold_denied"
	default:
		return "unknown"
	}
}

// ValidResponse reports whether a is a cacheable response.
func (a Action) ValidResponse() bool {
	return a == ActionRespondAllow || a == ActionRespondDeny || a == ActionRespondAllowCompiler
}

// IsTerminalResponse reports whether a finishes a request. RespondHold is not
// terminal: it waits on a hold follow-up.
func (a Action) IsTerminalResponse() bool {
	switch a {
	case ActionRespondAllow, ActionRespondAllowNoCache, ActionRespondDeny, ActionRespondAllowCompiler:
		return true
	}
	return false
}

// IsAllow reports whether a lets the process run.
func (a Action) IsAllow() bool {
	switch a {
	case ActionRespondAllow, ActionRespondAllowNoCache, ActionRespondAllowCompiler, ActionHoldAllowed:
		return true
	}
	return false
}

// HoldFollowUp converts a terminal response into the follow-up sent to a
// process that was put on hold.
func HoldFollowUp(a Action) Action {
	if a.IsAllow() {
		return ActionHoldAllowed
	}
	return ActionHoldDenied
}
