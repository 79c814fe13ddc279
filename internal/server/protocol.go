package server

import (
	"time"

	"execguard/internal/bus"
	"execguard/internal/domain"
	"execguard/internal/engine"
)

// WireRequest is one JSON line read from the interception layer. A request
// carrying a Provenance update reports compiler output instead of asking for
// a decision; one carrying Recent asks for recent in-process events.
type WireRequest struct {
	engine.Request
	Provenance *ProvenanceUpdate `json:"provenance,omitempty"`
	Recent     *RecentQuery      `json:"recent,omitempty"`
}

// RecentQuery selects events from the server's event history. An empty Type
// matches every topic.
type RecentQuery struct {
	Type  string    `json:"type,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// WireEvent is one event of a Recent answer.
type WireEvent struct {
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ProvenanceUpdate reports a file written by an AllowCompiler process, or
// resolves one reported earlier.
type ProvenanceUpdate struct {
	Op       string `json:"op"` // "write" | "confirm" | "reject"
	SHA256   string `json:"sha256"`
	Compiler string `json:"compiler,omitempty"`
}

const (
	ProvenanceWrite   = "write"
	ProvenanceConfirm = "confirm"
	ProvenanceReject  = "reject"
)

// WireResponse is one JSON line written back to the interception layer. A
// RespondHold response is followed by a second line carrying HoldAllowed or
// HoldDenied.
type WireResponse struct {
	RequestID  string `json:"request_id"`
	Action     string `json:"action"`
	ActionCode int    `json:"action_code"`
	EventState uint64 `json:"event_state"`
	Reason     string `json:"reason,omitempty"`
	Silent     bool   `json:"silent,omitempty"`
	Message    string `json:"message,omitempty"`
	FailSafe   bool   `json:"failsafe,omitempty"`
	Cause      string `json:"cause,omitempty"`
	Error      string `json:"error,omitempty"`

	Events []WireEvent `json:"events,omitempty"`
}

// Allowed reports whether the response lets the process run.
func (r WireResponse) Allowed() bool {
	return domain.Action(r.ActionCode).IsAllow()
}

// Held reports whether a follow-up line is expected.
func (r WireResponse) Held() bool {
	return domain.Action(r.ActionCode) == domain.ActionRespondHold
}

// ToWire converts an engine response to its wire form.
func ToWire(resp engine.Response) WireResponse {
	w := WireResponse{
		RequestID:  resp.RequestID,
		Action:     resp.Action.String(),
		ActionCode: int(resp.Action),
		EventState: uint64(resp.EventState),
		Silent:     resp.Verdict.Silent,
		FailSafe:   resp.FailSafe,
	}
	if resp.Action != domain.ActionRespondHold {
		w.Reason = (resp.EventState &^ domain.EventStateAux).String()
	}
	if resp.Verdict.Rule != nil {
		w.Message = resp.Verdict.Rule.CustomMsg
	}
	if resp.Cause != nil {
		w.Cause = resp.Cause.Error()
	}
	return w
}

func followUpWire(requestID string, action domain.Action) WireResponse {
	return WireResponse{RequestID: requestID, Action: action.String(), ActionCode: int(action)}
}

func eventsWire(requestID string, events []bus.Event) WireResponse {
	w := ackWire(requestID)
	w.Events = make([]WireEvent, 0, len(events))
	for _, ev := range events {
		w.Events = append(w.Events, WireEvent{Type: ev.Type, Source: ev.Source, Time: ev.Timestamp, Payload: ev.Payload})
	}
	return w
}

func ackWire(requestID string) WireResponse {
	return WireResponse{RequestID: requestID, Action: "ok"}
}
