package domain

import (
	"fmt"
	"strings"
)

// ClientMode controls the default decision for executions no rule matches.
type ClientMode int

const (
	ClientModeUnknown    ClientMode = 0
	ClientModeMonitor    ClientMode = 1
	ClientModeLockdown   ClientMode = 2
	ClientModeStandalone ClientMode = 3
)

func (m ClientMode) String() string {
	switch m {
	case ClientModeMonitor:
		return "monitor"
	case ClientModeLockdown:
		return "lockdown"
	case ClientModeStandalone:
		return "standalone"
	default:
		return "unknown"
	}
}

func ParseClientMode(s string) (ClientMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monitor":
		return ClientModeMonitor, nil
	case "lockdown":
		return ClientModeLockdown, nil
	case "standalone":
		return ClientModeStandalone, nil
	}
	return ClientModeUnknown, fmt.Errorf("unknown client mode %q", s)
}

// FailSafe returns the verdict used when no decision can be reached in time.
// Monitor mode fails open, every other mode fails closed. Fail-safe verdicts
// are never cached.
func (m ClientMode) FailSafe() Verdict {
	var v Verdict
	if m == ClientModeMonitor {
		v = Allow(EventStateAllowUnknown)
	} else {
		v = Block(EventStateBlockUnknown)
	}
	v.Cacheable = false
	return v
}
