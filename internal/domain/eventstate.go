package domain

import (
	"fmt"
	"math/bits"
	"strings"
)

// EventState is the packed decision bitset carried on the wire and in the
// database. Bits 0-15 hold auxiliary flags, bits 16-39 a single block reason
// and bits 40-63 a single allow reason.
type EventState uint64

const (
	EventStateUnknown      EventState = 0
	EventStateBundleBinary EventState = 1

	EventStateBlockUnknown     EventState = 1 << 16
	EventStateBlockBinary      EventState = 1 << 17
	EventStateBlockCertificate EventState = 1 << 18
	EventStateBlockScope       EventState = 1 << 19
	EventStateBlockTeamID      EventState = 1 << 20
	EventStateBlockLongPath    EventState = 1 << 21
	EventStateBlockSigningID   EventState = 1 << 22
	EventStateBlockCDHash      EventState = 1 << 23

	EventStateAllowUnknown           EventState = 1 << 40
	EventStateAllowBinary            EventState = 1 << 41
	EventStateAllowCertificate       EventState = 1 << 42
	EventStateAllowScope             EventState = 1 << 43
	EventStateAllowCompilerBinary    EventState = 1 << 44
	EventStateAllowTransitive        EventState = 1 << 45
	EventStateAllowPendingTransitive EventState = 1 << 46
	EventStateAllowTeamID            EventState = 1 << 47
	EventStateAllowSigningID         EventState = 1 << 48
	EventStateAllowCDHash            EventState = 1 << 49
	EventStateAllowLocalBinary       EventState = 1 << 50
	EventStateAllowLocalSigningID    EventState = 1 << 51
	EventStateAllowCompilerSigningID EventState = 1 << 52
	EventStateAllowCompilerCDHash    EventState = 1 << 53

	EventStateAux   EventState = 0xFFFF
	EventStateBlock EventState = 0xFFFFFF << 16
	EventStateAllow EventState = 0xFFFFFF << 40
)

var eventStateNames = map[EventState]string{
	EventStateBundleBinary:           "BundleBinary",
	EventStateBlockUnknown:           "BlockUnknown",
	EventStateBlockBinary:            "BlockBinary",
	EventStateBlockCertificate:       "BlockCertificate",
	EventStateBlockScope:             "BlockScope",
	EventStateBlockTeamID:            "BlockTeamID",
	EventStateBlockLongPath:          "BlockLongPath",
	EventStateBlockSigningID:         "BlockSigningID",
	EventStateBlockCDHash:            "BlockCDHash",
	EventStateAllowUnknown:           "AllowUnknown",
	EventStateAllowBinary:            "AllowBinary",
	EventStateAllowCertificate:       "AllowCertificate",
	EventStateAllowScope:             "AllowScope",
	EventStateAllowCompilerBinary:    "AllowCompilerBinary",
	EventStateAllowTransitive:        "AllowTransitive",
	EventStateAllowPendingTransitive: "AllowPendingTransitive",
	EventStateAllowTeamID:            "AllowTeamID",
	EventStateAllowSigningID:         "AllowSigningID",
	EventStateAllowCDHash:            "AllowCDHash",
	EventStateAllowLocalBinary:       "AllowLocalBinary",
	EventStateAllowLocalSigningID:    "AllowLocalSigningID",
	EventStateAllowCompilerSigningID: "AllowCompilerSigningID",
	EventStateAllowCompilerCDHash:    "AllowCompilerCDHash",
}

func (s EventState) String() string {
	if s == EventStateUnknown {
		return "Unknown"
	}
	var parts []string
	for bit := 0; bit < 64; bit++ {
		flag := EventState(1) << bit
		if s&flag == 0 {
			continue
		}
		if name, ok := eventStateNames[flag]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, fmt.Sprintf("bit%d", bit))
		}
	}
	return strings.Join(parts, "|")
}

// IsBlockReason reports whether s is exactly one block-range bit.
func (s EventState) IsBlockReason() bool {
	return s&^EventStateBlock == 0 && bits.OnesCount64(uint64(s)) == 1
}

// IsAllowReason reports whether s is exactly one allow-range bit.
func (s EventState) IsAllowReason() bool {
	return s&^EventStateAllow == 0 && bits.OnesCount64(uint64(s)) == 1
}

// IsCompilerAllow reports whether s grants compiler trust.
func (s EventState) IsCompilerAllow() bool {
	return s&(EventStateAllowCompilerBinary|EventStateAllowCompilerSigningID|EventStateAllowCompilerCDHash) != 0
}

// AllowReasonFor maps a matched rule type to the plain allow reason.
func AllowReasonFor(t RuleType) EventState {
	switch t {
	case RuleTypeCDHash:
		return EventStateAllowCDHash
	case RuleTypeBinary:
		return EventStateAllowBinary
	case RuleTypeSigningID:
		return EventStateAllowSigningID
	case RuleTypeCertificate:
		return EventStateAllowCertificate
	case RuleTypeTeamID:
		return EventStateAllowTeamID
	}
	return EventStateAllowUnknown
}

// BlockReasonFor maps a matched rule type to its block reason.
func BlockReasonFor(t RuleType) EventState {
	switch t {
	case RuleTypeCDHash:
		return EventStateBlockCDHash
	case RuleTypeBinary:
		return EventStateBlockBinary
	case RuleTypeSigningID:
		return EventStateBlockSigningID
	case RuleTypeCertificate:
		return EventStateBlockCertificate
	case RuleTypeTeamID:
		return EventStateBlockTeamID
	}
	return EventStateBlockUnknown
}

// CompilerReasonFor maps a matched AllowCompiler rule to its reason. Compiler
// trust only exists for hash and signing ID rules; other types fall back to a
// plain allow.
func CompilerReasonFor(t RuleType) EventState {
	switch t {
	case RuleTypeCDHash:
		return EventStateAllowCompilerCDHash
	case RuleTypeBinary:
		return EventStateAllowCompilerBinary
	case RuleTypeSigningID:
		return EventStateAllowCompilerSigningID
	}
	return AllowReasonFor(t)
}
