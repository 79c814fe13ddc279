// Package engine answers execution authorization requests. It owns the
// decision cache, coalesces concurrent requests for the same binary and
// falls back to the mode's fail-safe verdict when no decision can be reached.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"execguard/internal/bus"
	"execguard/internal/cache"
	"execguard/internal/domain"
	"execguard/internal/eventlog"
	"execguard/internal/policy"
	"execguard/internal/provenance"
	"execguard/internal/rules"

	"github.com/google/uuid"
)

// Request is one intercepted execution.
type Request struct {
	RequestID string                   `json:"request_id,omitempty"`
	PID       int                      `json:"pid"`
	Identity  domain.ExecutionIdentity `json:"identity"`
}

// Response is the engine's answer. For RespondHold the final outcome is sent
// later through the HoldNotifier.
type Response struct {
	RequestID  string            `json:"request_id"`
	Action     domain.Action     `json:"action"`
	Verdict    domain.Verdict    `json:"-"`
	EventState domain.EventState `json:"event_state"`
	FailSafe   bool              `json:"failsafe,omitempty"`
	Cause      error             `json:"-"`
}

// HoldNotifier receives the follow-up for a request answered with
// RespondHold. action is HoldAllowed or HoldDenied.
type HoldNotifier interface {
	NotifyHold(requestID string, action domain.Action)
}

// EventSink records decisions. *eventlog.Logger implements it.
type EventSink interface {
	LogDecision(ctx context.Context, ev eventlog.Event)
}

// Recorder receives decision metrics. *metrics.Collector implements it.
type Recorder interface {
	ObserveDecision(action domain.Action, state domain.EventState)
	ObserveEvaluation(d time.Duration)
	ObserveFailSafe(cause string)
	ObserveHold()
	SetRuleCounts(counts map[domain.RuleType]int)
}

type Options struct {
	Rules      *rules.Store
	Cache      *cache.Cache
	Provenance *provenance.Tracker
	CEL        policy.CELResolver
	Events     EventSink
	Metrics    Recorder
	Holds      HoldNotifier
	Bus        *bus.EventBus
	Logger     *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	settings atomic.Pointer[Settings]

	rules  *rules.Store
	cache  *cache.Cache
	prov   *provenance.Tracker
	cel    policy.CELResolver
	events EventSink
	rec    Recorder
	holds  HoldNotifier
	bus    *bus.EventBus
	logger *slog.Logger

	evaluations atomic.Uint64
	failSafes   atomic.Uint64
}

// New wires the engine to its collaborators and subscribes to rule and
// provenance changes. Rules and Logger are required.
func New(settings *Settings, opts Options) *Engine {
	e := &Engine{
		rules:  opts.Rules,
		cache:  opts.Cache,
		prov:   opts.Provenance,
		cel:    opts.CEL,
		events: opts.Events,
		rec:    opts.Metrics,
		holds:  opts.Holds,
		bus:    opts.Bus,
		logger: opts.Logger,
	}
	if e.cache == nil {
		e.cache = cache.New(0)
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	e.settings.Store(settings.withDefaults())

	e.rules.OnChange(e.rulesChanged)
	e.rec.SetRuleCounts(e.rules.Counts())
	if e.prov != nil {
		e.prov.OnConfirm(e.provenanceConfirmed)
		e.prov.OnReject(e.provenanceRejected)
	}
	return e
}

// Settings returns the active settings.
func (e *Engine) Settings() *Settings {
	return e.settings.Load()
}

// Reload swaps the settings and flushes the cache.
func (e *Engine) Reload(s *Settings) {
	e.settings.Store(s.withDefaults())
	n := e.cache.Flush()
	e.logger.Info("engine settings reloaded", "mode", s.Mode.String(), "hold_policy", s.HoldPolicy.String(), "flushed", n)
	e.emit(bus.EventConfigReloaded, map[string]any{"mode": s.Mode.String()})
}

// SetHoldNotifier installs the follow-up receiver. Call before serving.
func (e *Engine) SetHoldNotifier(n HoldNotifier) {
	e.holds = n
}

// Cache exposes the decision cache for status reporting.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Evaluations returns how many times the evaluator has run.
func (e *Engine) Evaluations() uint64 { return e.evaluations.Load() }

// FailSafes returns how many responses fell back to the fail-safe verdict.
func (e *Engine) FailSafes() uint64 { return e.failSafes.Load() }

// Authorize decides req. It always returns a terminal response or
// RespondHold; errors are folded into fail-safe responses.
func (e *Engine) Authorize(ctx context.Context, req Request) Response {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	s := e.settings.Load()
	key := domain.NormalizeIdentifier(domain.RuleTypeBinary, req.Identity.Key())

	if key == "" {
		v, err := e.evaluate(ctx, req.Identity, s)
		if err != nil {
			return e.failSafe(ctx, req, s, err)
		}
		return e.respond(ctx, req, s, v)
	}

	v, hit, p, err := e.cache.GetOrBegin(key)
	if hit {
		return e.respond(ctx, req, s, v)
	}
	if errors.Is(err, cache.ErrAlreadyPending) {
		return e.awaitPending(ctx, req, s, p)
	}

	v, err = e.evaluate(ctx, req.Identity, s)
	if err != nil {
		p.Abandon()
		return e.failSafe(ctx, req, s, err)
	}
	if err := p.Resolve(v); err != nil {
		return e.failSafe(ctx, req, s, err)
	}
	return e.respond(ctx, req, s, v)
}

func (e *Engine) awaitPending(ctx context.Context, req Request, s *Settings, p *cache.Pending) Response {
	if s.HoldPolicy == HoldPolicyHold && e.holds != nil {
		e.rec.ObserveHold()
		e.logger.Debug("request held", "request_id", req.RequestID, "sha256", req.Identity.SHA256)
		go e.followUp(req, s, p)
		return Response{RequestID: req.RequestID, Action: domain.ActionRespondHold}
	}

	v, err := e.waitVerdict(ctx, req, s, p)
	if err != nil {
		return e.failSafe(ctx, req, s, err)
	}
	return e.respond(ctx, req, s, v)
}

// waitVerdict waits on another request's evaluation. A non-cacheable result
// belongs to that execution only, so it is recomputed for this one.
func (e *Engine) waitVerdict(ctx context.Context, req Request, s *Settings, p *cache.Pending) (domain.Verdict, error) {
	v, err := p.Wait(ctx, s.PendingTimeout)
	if err != nil {
		return domain.Verdict{}, err
	}
	if !v.Cacheable {
		return e.evaluate(ctx, req.Identity, s)
	}
	return v, nil
}

func (e *Engine) followUp(req Request, s *Settings, p *cache.Pending) {
	ctx := context.Background()
	var resp Response
	v, err := e.waitVerdict(ctx, req, s, p)
	if err != nil {
		resp = e.failSafe(ctx, req, s, err)
	} else {
		resp = e.respond(ctx, req, s, v)
	}
	e.holds.NotifyHold(req.RequestID, domain.HoldFollowUp(resp.Action))
}

// evaluate runs the evaluator under a recover guard and the evaluation
// timeout.
func (e *Engine) evaluate(ctx context.Context, id domain.ExecutionIdentity, s *Settings) (domain.Verdict, error) {
	pctx := policy.Context{
		Mode:       s.Mode,
		Rules:      e.rules.Snapshot(),
		Scope:      s.Scope,
		Transitive: s.Transitive,
		CEL:        e.cel,
	}
	if e.prov != nil {
		pctx.Provenance = e.prov.Snapshot()
	}

	type result struct {
		v   domain.Verdict
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	e.evaluations.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: evaluation panic: %v", errEvaluation, r)}
			}
		}()
		v, err := policy.Evaluate(id, pctx)
		if err == nil {
			err = v.Validate()
		}
		done <- result{v: v, err: err}
	}()

	timer := time.NewTimer(s.EvaluationTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		e.rec.ObserveEvaluation(time.Since(start))
		return r.v, r.err
	case <-timer.C:
		return domain.Verdict{}, fmt.Errorf("%w: evaluation exceeded %s", domain.ErrTimeout, s.EvaluationTimeout)
	case <-ctx.Done():
		return domain.Verdict{}, fmt.Errorf("%w: %w", domain.ErrTimeout, ctx.Err())
	}
}

var errEvaluation = errors.New("evaluation failed")

func (e *Engine) respond(ctx context.Context, req Request, s *Settings, v domain.Verdict) Response {
	resp := Response{
		RequestID:  req.RequestID,
		Action:     v.Action(),
		Verdict:    v,
		EventState: v.EventState(),
	}
	if !req.Identity.SignatureTrusted() && v.Rule == nil && v.Decision.Reason == domain.EventStateBlockCertificate {
		resp.Cause = domain.ErrInvalidSignature
	}
	e.record(ctx, req, s, resp)
	return resp
}

func (e *Engine) failSafe(ctx context.Context, req Request, s *Settings, cause error) Response {
	v := s.Mode.FailSafe()
	e.failSafes.Add(1)
	e.rec.ObserveFailSafe(causeLabel(cause))
	e.logger.Warn("decision failed safe",
		"request_id", req.RequestID,
		"sha256", req.Identity.SHA256,
		"path", req.Identity.Path,
		"mode", s.Mode.String(),
		"err", cause,
	)
	resp := Response{
		RequestID:  req.RequestID,
		Action:     v.Action(),
		Verdict:    v,
		EventState: v.EventState(),
		FailSafe:   true,
		Cause:      cause,
	}
	e.record(ctx, req, s, resp)
	return resp
}

func (e *Engine) record(ctx context.Context, req Request, s *Settings, resp Response) {
	e.rec.ObserveDecision(resp.Action, resp.EventState)
	if e.events == nil {
		return
	}
	ev := eventlog.Event{
		RequestID: resp.RequestID,
		PID:       req.PID,
		Identity:  req.Identity,
		Mode:      s.Mode,
		Action:    resp.Action,
		Verdict:   resp.Verdict,
		FailSafe:  resp.FailSafe,
	}
	if resp.Cause != nil {
		ev.Cause = causeLabel(resp.Cause)
	}
	e.events.LogDecision(ctx, ev)
}

func causeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, domain.ErrCacheInconsistency):
		return "inconsistency"
	case errors.Is(err, errEvaluation):
		return "panic"
	default:
		return "error"
	}
}

// rulesChanged drops cache entries the change can affect. Binary rules map
// to the content-hash cache key; any other rule type, CDHash included, is
// not part of the key and can affect many entries.
func (e *Engine) rulesChanged(changed []domain.Rule) {
	e.rec.SetRuleCounts(e.rules.Counts())

	flush := false
	for _, r := range changed {
		if r.Type != domain.RuleTypeBinary {
			flush = true
			break
		}
	}
	if flush {
		n := e.cache.Flush()
		e.logger.Debug("decision cache flushed", "entries", n, "rules", len(changed))
	} else {
		for _, r := range changed {
			e.cache.Invalidate(r.Identifier)
		}
	}
	e.emit(bus.EventRulesChanged, map[string]any{"count": len(changed)})
}

func (e *Engine) provenanceConfirmed(r provenance.Record) {
	e.cache.FinalizeTransitive(r.Hash)
	e.emit(bus.EventProvenanceConfirmed, map[string]any{"sha256": r.Hash, "compiler": r.Compiler})

	if !e.settings.Load().Transitive {
		return
	}
	rule := domain.Rule{
		Type:       domain.RuleTypeBinary,
		State:      domain.RuleStateAllowTransitive,
		Identifier: r.Hash,
		CreatedAt:  time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.rules.Upsert(ctx, rule); err != nil {
		e.logger.Error("cannot store transitive rule", "sha256", r.Hash, "err", err)
	}
}

func (e *Engine) provenanceRejected(r provenance.Record) {
	e.cache.Invalidate(r.Hash)
	e.emit(bus.EventProvenanceRejected, map[string]any{"sha256": r.Hash, "compiler": r.Compiler})
}

func (e *Engine) emit(topic string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(bus.Event{Type: topic, Source: "engine", Payload: payload})
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(domain.Action, domain.EventState) {}
func (nopRecorder) ObserveEvaluation(time.Duration) {}
func (nopRecorder) ObserveFailSafe(string) {}
func (nopRecorder) ObserveHold() {}
func (nopRecorder) SetRuleCounts(map[domain.RuleType]int) {}
