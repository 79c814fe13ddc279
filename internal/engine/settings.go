package engine

import (
	"fmt"
	"strings"
	"time"

	"execguard/internal/config"
	"execguard/internal/domain"
	"execguard/internal/policy"
)

// HoldPolicy selects what a request does when the same binary is already
// being evaluated.
type HoldPolicy int

const (
	// HoldPolicyPoll waits for the pending evaluation, up to PendingTimeout.
	HoldPolicyPoll HoldPolicy = iota
	// HoldPolicyHold answers RespondHold at once and delivers the outcome
	// later through a HoldNotifier.
	HoldPolicyHold
)

func (p HoldPolicy) String() string {
	if p == HoldPolicyHold {
		return "hold"
	}
	return "poll"
}

func ParseHoldPolicy(s string) (HoldPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poll", "":
		return HoldPolicyPoll, nil
	case "hold":
		return HoldPolicyHold, nil
	}
	return HoldPolicyPoll, fmt.Errorf("unknown hold policy %q", s)
}

// Settings is the immutable decision configuration. Replace it with
// Engine.Reload; never modify one in place.
type Settings struct {
	Mode              domain.ClientMode
	Scope             *policy.Scope
	Transitive        bool
	HoldPolicy        HoldPolicy
	PendingTimeout    time.Duration
	EvaluationTimeout time.Duration
}

const (
	defaultPendingTimeout    = 5 * time.Second
	defaultEvaluationTimeout = 10 * time.Second
)

// SettingsFromConfig compiles the policy section of cfg.
func SettingsFromConfig(cfg config.PolicyConfig) (*Settings, error) {
	mode, err := domain.ParseClientMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	hold, err := ParseHoldPolicy(cfg.HoldPolicy)
	if err != nil {
		return nil, err
	}
	scope, err := policy.NewScope(cfg.AllowedPaths, cfg.BlockedPaths)
	if err != nil {
		return nil, err
	}
	s := &Settings{
		Mode:              mode,
		Scope:             scope,
		Transitive:        cfg.TransitiveRules,
		HoldPolicy:        hold,
		PendingTimeout:    time.Duration(cfg.PendingTimeoutMs) * time.Millisecond,
		EvaluationTimeout: time.Duration(cfg.EvaluationTimeoutMs) * time.Millisecond,
	}
	return s.withDefaults(), nil
}

func (s *Settings) withDefaults() *Settings {
	c := *s
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = defaultPendingTimeout
	}
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = defaultEvaluationTimeout
	}
	return &c
}
