package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RuleType identifies which property of a binary a rule matches. Values are
// spaced so new types can be inserted without renumbering; evaluation order is
// defined by RulePrecedence, not by arithmetic on these values.
type RuleType int

const (
	RuleTypeUnknown     RuleType = 0
	RuleTypeCDHash      RuleType = 500
	RuleTypeBinary      RuleType = 1000
	RuleTypeSigningID   RuleType = 2000
	RuleTypeCertificate RuleType = 3000
	RuleTypeTeamID      RuleType = 4000
)

// RulePrecedence lists rule types from highest to lowest precedence.
var RulePrecedence = []RuleType{
	RuleTypeCDHash,
	RuleTypeBinary,
	RuleTypeSigningID,
	RuleTypeCertificate,
	RuleTypeTeamID,
}

// Precedence returns the position of t in RulePrecedence, 0 being the highest.
// Unknown types return -1.
func (t RuleType) Precedence() int {
	for i, rt := range RulePrecedence {
		if rt == t {
			return i
		}
	}
	return -1
}

func (t RuleType) String() string {
	switch t {
	case RuleTypeCDHash:
		return "cdhash"
	case RuleTypeBinary:
		return "binary"
	case RuleTypeSigningID:
		return "signingid"
	case RuleTypeCertificate:
		return "certificate"
	case RuleTypeTeamID:
		return "teamid"
	default:
		return "unknown"
	}
}

// ParseRuleType accepts the names produced by RuleType.String.
func ParseRuleType(s string) (RuleType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cdhash":
		return RuleTypeCDHash, nil
	case "binary", "sha256":
		return RuleTypeBinary, nil
	case "signingid", "signing_id":
		return RuleTypeSigningID, nil
	case "certificate", "cert":
		return RuleTypeCertificate, nil
	case "teamid", "team_id":
		return RuleTypeTeamID, nil
	}
	return RuleTypeUnknown, fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, s)
}

// RuleState is the policy attached to a rule.
type RuleState int

const (
	RuleStateUnknown RuleState = iota

	RuleStateAllow       RuleState = 1
	RuleStateBlock       RuleState = 2
	RuleStateSilentBlock RuleState = 3
	RuleStateRemove      RuleState = 4

	RuleStateAllowCompiler       RuleState = 5
	RuleStateAllowTransitive     RuleState = 6
	RuleStateAllowLocalBinary    RuleState = 7
	RuleStateAllowLocalSigningID RuleState = 8

	RuleStateCEL RuleState = 9
)

func (s RuleState) String() string {
	switch s {
	case RuleStateAllow:
		return "allow"
	case RuleStateBlock:
		return "block"
	case RuleStateSilentBlock:
		return "silent_block"
	case RuleStateRemove:
		return "remove"
	case RuleStateAllowCompiler:
		return "allow_compiler"
	case RuleStateAllowTransitive:
		return "allow_transitive"
	case RuleStateAllowLocalBinary:
		return "allow_local_binary"
	case RuleStateAllowLocalSigningID:
		return "allow_local_signingid"
	case RuleStateCEL:
		return "cel"
	default:
		return "unknown"
	}
}

// ParseRuleState accepts the names produced by RuleState.String.
func ParseRuleState(s string) (RuleState, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for st := RuleStateAllow; st <= RuleStateCEL; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	switch name {
	case "allowlist":
		return RuleStateAllow, nil
	case "blocklist":
		return RuleStateBlock, nil
	}
	return RuleStateUnknown, fmt.Errorf("%w: unknown rule state %q", ErrInvalidRule, s)
}

// IsAllow reports whether a match on s produces an allow decision.
func (s RuleState) IsAllow() bool {
	switch s {
	case RuleStateAllow, RuleStateAllowCompiler, RuleStateAllowTransitive,
		RuleStateAllowLocalBinary, RuleStateAllowLocalSigningID:
		return true
	}
	return false
}

// IsBlock reports whether a match on s produces a deny decision.
func (s RuleState) IsBlock() bool {
	return s == RuleStateBlock || s == RuleStateSilentBlock
}

// Rule is a single policy entry keyed by (Type, Identifier).
type Rule struct {
	Type       RuleType  `json:"type"`
	State      RuleState `json:"state"`
	Identifier string    `json:"identifier"`
	CustomMsg  string    `json:"custom_msg,omitempty"`
	CELExpr    string    `json:"cel_expr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	sha256Pattern    = regexp.MustCompile(`^[0-9a-f]{64}$`)
	cdhashPattern    = regexp.MustCompile(`^[0-9a-f]{40}$`)
	teamIDPattern    = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	signingIDPattern = regexp.MustCompile(`^([A-Z0-9]{10}|platform):[^\s:][^\s]*$`)
)

// IsValidTeamID reports whether s is a 10 character upper-case alphanumeric
// team identifier.
func IsValidTeamID(s string) bool {
	return teamIDPattern.MatchString(s)
}

// NormalizeIdentifier canonicalizes an identifier for storage and lookup.
// Hashes are lower-cased, team IDs upper-cased, signing IDs are kept as-is.
func NormalizeIdentifier(t RuleType, id string) string {
	id = strings.TrimSpace(id)
	switch t {
	case RuleTypeCDHash, RuleTypeBinary, RuleTypeCertificate:
		return strings.ToLower(id)
	case RuleTypeTeamID:
		return strings.ToUpper(id)
	}
	return id
}

// Validate checks that the identifier is well-formed for the rule type.
func (r Rule) Validate() error {
	if r.State == RuleStateUnknown {
		return fmt.Errorf("%w: missing state for %s rule %q", ErrInvalidRule, r.Type, r.Identifier)
	}
	if r.State == RuleStateCEL && strings.TrimSpace(r.CELExpr) == "" {
		return fmt.Errorf("%w: cel rule %q has no expression", ErrInvalidRule, r.Identifier)
	}

	var ok bool
	switch r.Type {
	case RuleTypeCDHash:
		ok = cdhashPattern.MatchString(r.Identifier)
	case RuleTypeBinary, RuleTypeCertificate:
		ok = sha256Pattern.MatchString(r.Identifier)
	case RuleTypeSigningID:
		ok = signingIDPattern.MatchString(r.Identifier)
	case RuleTypeTeamID:
		ok = teamIDPattern.MatchString(r.Identifier)
	default:
		return fmt.Errorf("%w: unknown rule type %d", ErrInvalidRule, r.Type)
	}
	if !ok {
		return fmt.Errorf("%w: malformed %s identifier %q", ErrInvalidRule, r.Type, r.Identifier)
	}

	switch r.State {
	case RuleStateAllowTransitive, RuleStateAllowLocalBinary:
		if r.Type != RuleTypeBinary && r.Type != RuleTypeCDHash {
			return fmt.Errorf("%w: %s is only valid on hash rules", ErrInvalidRule, r.State)
		}
	case RuleStateAllowLocalSigningID:
		if r.Type != RuleTypeSigningID {
			return fmt.Errorf("%w: %s is only valid on signing ID rules", ErrInvalidRule, r.State)
		}
	}
	return nil
}

// RuleSource is a read-only view of the rule set.
type RuleSource interface {
	// Lookup returns ErrNotFound when no rule matches.
	Lookup(t RuleType, identifier string) (Rule, error)
}
