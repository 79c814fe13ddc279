package domain

import (
	"fmt"
	"strings"
)

// These enums are shared with collaborators (event logging, sync, device
// management). Their integer values are persisted and must not change.

// BundleEventAction says what to do with the related events generated when
// an execution from a blocked bundle is reported.
type BundleEventAction int

const (
	BundleEventActionDropEvents BundleEventAction = iota
	BundleEventActionStoreEvents
	BundleEventActionSendEvents
)

func (a BundleEventAction) String() string {
	return [...]string{"drop", "store", "send"}[a]
}

func ParseBundleEventAction(s string) (BundleEventAction, error) {
	switch strings.ToLower(s) {
	case "drop", "":
		return BundleEventActionDropEvents, nil
	case "store":
		return BundleEventActionStoreEvents, nil
	case "send":
		return BundleEventActionSendEvents, nil
	}
	return 0, fmt.Errorf("unknown bundle event action %q", s)
}

// EventLogType selects where decision events are written.
type EventLogType int

const (
	EventLogTypeSyslog EventLogType = iota
	EventLogTypeFilelog
	EventLogTypeProtobuf
	EventLogTypeJSON
	EventLogTypeNull
)

func (t EventLogType) String() string {
	return [...]string{"syslog", "filelog", "protobuf", "json", "null"}[t]
}

func ParseEventLogType(s string) (EventLogType, error) {
	for t := EventLogTypeSyslog; t <= EventLogTypeNull; t++ {
		if t.String() == strings.ToLower(s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event log type %q", s)
}

// SyncStatusType is the result of a sync attempt.
type SyncStatusType int

const (
	SyncStatusTypeSuccess SyncStatusType = iota
	SyncStatusTypePreflightFailed
	SyncStatusTypeEventUploadFailed
	SyncStatusTypeRuleDownloadFailed
	SyncStatusTypePostflightFailed
	SyncStatusTypeTooManySyncsInProgress
	SyncStatusTypeMissingSyncBaseURL
	SyncStatusTypeMissingMachineID
	SyncStatusTypeDaemonTimeout
	SyncStatusTypeSyncStarted
	SyncStatusTypeFailedXPCConnection
	SyncStatusTypeUnknown
)

func (s SyncStatusType) String() string {
	names := [...]string{
		"success",
		"preflight_failed",
		"event_upload_failed",
		"rule_download_failed",
		"postflight_failed",
		"too_many_syncs_in_progress",
		"missing_sync_base_url",
		"missing_machine_id",
		"daemon_timeout",
		"sync_started",
		"failed_xpc_connection",
		"unknown",
	}
	if s < 0 || int(s) >= len(names) {
		return "unknown"
	}
	return names[s]
}

type SyncContentEncoding int

const (
	SyncContentEncodingNone SyncContentEncoding = iota
	SyncContentEncodingDeflate
	SyncContentEncodingGzip
)

func (e SyncContentEncoding) String() string {
	return [...]string{"none", "deflate", "gzip"}[e]
}

func ParseSyncContentEncoding(s string) (SyncContentEncoding, error) {
	for e := SyncContentEncodingNone; e <= SyncContentEncodingGzip; e++ {
		if e.String() == strings.ToLower(s) {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown content encoding %q", s)
}

type MetricFormatType int

const (
	MetricFormatTypeUnknown MetricFormatType = iota
	MetricFormatTypeRawJSON
	MetricFormatTypeMonarchJSON
)

func (f MetricFormatType) String() string {
	return [...]string{"unknown", "rawjson", "monarchjson"}[f]
}

type OverrideFileAccessAction int

const (
	OverrideFileAccessActionNone OverrideFileAccessAction = iota
	OverrideFileAccessActionAuditOnly
	OverrideFileAccessActionDisable
)

func (a OverrideFileAccessAction) String() string {
	return [...]string{"none", "audit_only", "disable"}[a]
}

type DeviceManagerStartupPreferences int

const (
	DeviceManagerStartupPreferencesNone DeviceManagerStartupPreferences = iota
	DeviceManagerStartupPreferencesUnmount
	DeviceManagerStartupPreferencesForceUnmount
	DeviceManagerStartupPreferencesRemount
	DeviceManagerStartupPreferencesForceRemount
)

func (p DeviceManagerStartupPreferences) String() string {
	return [...]string{"none", "unmount", "force_unmount", "remount", "force_remount"}[p]
}

type SyncType int

const (
	SyncTypeNormal SyncType = iota
	SyncTypeClean
	SyncTypeCleanAll
)

func (t SyncType) String() string {
	return [...]string{"normal", "clean", "clean_all"}[t]
}

// RuleCleanup selects which rules a clean sync removes before applying new
// ones.
type RuleCleanup int

const (
	RuleCleanupNone RuleCleanup = iota
	RuleCleanupAll
	RuleCleanupNonTransitive
)

func (c RuleCleanup) String() string {
	return [...]string{"none", "all", "non_transitive"}[c]
}

func ParseRuleCleanup(s string) (RuleCleanup, error) {
	for c := RuleCleanupNone; c <= RuleCleanupNonTransitive; c++ {
		if c.String() == strings.ToLower(s) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown rule cleanup %q", s)
}

// CleanupFor maps a sync type to the cleanup it implies.
func CleanupFor(t SyncType) RuleCleanup {
	switch t {
	case SyncTypeClean:
		return RuleCleanupNonTransitive
	case SyncTypeCleanAll:
		return RuleCleanupAll
	}
	return RuleCleanupNone
}

type SigningStatus int

const (
	SigningStatusUnsigned SigningStatus = iota
	SigningStatusInvalid
	SigningStatusAdhoc
	SigningStatusDevelopment
	SigningStatusProduction
)

func (s SigningStatus) String() string {
	return [...]string{"unsigned", "invalid", "adhoc", "development", "production"}[s]
}

type PushNotificationStatus int

const (
	PushNotificationStatusUnknown PushNotificationStatus = iota
	PushNotificationStatusDisabled
	PushNotificationStatusDisconnected
	PushNotificationStatusConnected
)

func (s PushNotificationStatus) String() string {
	return [...]string{"unknown", "disabled", "disconnected", "connected"}[s]
}

// FileAccessPolicyDecision is the outcome of a file access policy check.
type FileAccessPolicyDecision int

const (
	FileAccessNoPolicy FileAccessPolicyDecision = iota
	FileAccessDenied
	FileAccessDeniedInvalidSignature
	FileAccessAllowed
	FileAccessAllowedReadAccess
	FileAccessAllowedAuditOnly
)

func (d FileAccessPolicyDecision) String() string {
	return [...]string{"no_policy", "denied", "denied_invalid_signature", "allowed", "allowed_read_access", "allowed_audit_only"}[d]
}
