package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"execguard/internal/bus"
	"execguard/internal/cache"
	"execguard/internal/config"
	"execguard/internal/domain"
	"execguard/internal/eventlog"
	"execguard/internal/policy"
	"execguard/internal/provenance"
	"execguard/internal/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedCEL blocks every resolution until release is closed and counts calls.
type gatedCEL struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	result  policy.CELResult
}

func newGatedCEL(result policy.CELResult) *gatedCEL {
	return &gatedCEL{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		result:  result,
	}
}

func (g *gatedCEL) Resolve(domain.Rule, domain.ExecutionIdentity) (policy.CELResult, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.result, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (r *recordingSink) LogDecision(_ context.Context, ev eventlog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type holdRecorder struct {
	got chan domain.Action
}

func (h *holdRecorder) NotifyHold(_ string, action domain.Action) {
	h.got <- action
}

func newEngine(t *testing.T, s *Settings, opts Options) *Engine {
	t.Helper()
	if opts.Rules == nil {
		opts.Rules = rules.NewStore(nil, testLogger())
	}
	opts.Logger = testLogger()
	return New(s, opts)
}

func celRule(id string) domain.Rule {
	return domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateCEL, Identifier: id, CELExpr: "true"}
}

func identity(hash string) domain.ExecutionIdentity {
	return domain.ExecutionIdentity{SHA256: hash, Path: "/usr/local/bin/tool"}
}

func TestAuthorize_DefaultsPerMode(t *testing.T) {
	tests := []struct {
		mode   domain.ClientMode
		action domain.Action
		state  domain.EventState
	}{
		{domain.ClientModeMonitor, domain.ActionRespondAllow, domain.EventStateAllowUnknown},
		{domain.ClientModeLockdown, domain.ActionRespondDeny, domain.EventStateBlockUnknown},
		{domain.ClientModeStandalone, domain.ActionRespondDeny, domain.EventStateBlockUnknown},
		{domain.ClientModeUnknown, domain.ActionRespondDeny, domain.EventStateBlockUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			e := newEngine(t, &Settings{Mode: tt.mode}, Options{})
			resp := e.Authorize(context.Background(), Request{Identity: identity(hashA)})
			assert.Equal(t, tt.action, resp.Action)
			assert.Equal(t, tt.state, resp.EventState)
			assert.False(t, resp.FailSafe)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestAuthorize_CachesVerdict(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	cel := newGatedCEL(policy.CELResult{Allow: true, Cacheable: true})
	close(cel.release)
	require.NoError(t, store.Upsert(context.Background(), celRule(hashA)))

	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown}, Options{Rules: store, CEL: cel})
	for i := 0; i < 3; i++ {
		resp := e.Authorize(context.Background(), Request{Identity: identity(hashA)})
		assert.Equal(t, domain.ActionRespondAllow, resp.Action)
	}
	assert.EqualValues(t, 1, cel.calls.Load())
	assert.EqualValues(t, 1, e.Evaluations())
}

func TestAuthorize_ConcurrentRequestsEvaluateOnce(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	require.NoError(t, store.Upsert(context.Background(), celRule(hashA)))
	cel := newGatedCEL(policy.CELResult{Allow: true, Cacheable: true})
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown, PendingTimeout: 5 * time.Second}, Options{Rules: store, CEL: cel})

	const n = 16
	responses := make([]Response, n)
	var g errgroup.Group
	g.Go(func() error {
		responses[0] = e.Authorize(context.Background(), Request{Identity: identity(hashA)})
		return nil
	})
	<-cel.entered
	for i := 1; i < n; i++ {
		g.Go(func() error {
			responses[i] = e.Authorize(context.Background(), Request{Identity: identity(hashA)})
			return nil
		})
	}
	time.Sleep(20 * time.Millisecond)
	close(cel.release)
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, cel.calls.Load())
	for _, r := range responses {
		assert.Equal(t, domain.ActionRespondAllow, r.Action)
		assert.Equal(t, domain.EventStateAllowBinary, r.EventState)
	}
}

func TestAuthorize_NonCacheableReevaluates(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	require.NoError(t, store.Upsert(context.Background(), celRule(hashA)))
	cel := newGatedCEL(policy.CELResult{Allow: true, Cacheable: false})
	close(cel.release)
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown}, Options{Rules: store, CEL: cel})

	for i := 0; i < 2; i++ {
		resp := e.Authorize(context.Background(), Request{Identity: identity(hashA)})
		assert.Equal(t, domain.ActionRespondAllowNoCache, resp.Action)
	}
	assert.EqualValues(t, 2, cel.calls.Load())
	assert.Zero(t, e.Cache().Len())
}

func TestAuthorize_PendingTimeoutFailsSafe(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	require.NoError(t, store.Upsert(context.Background(), celRule(hashA)))
	cel := newGatedCEL(policy.CELResult{Allow: true, Cacheable: true})
	sink := &recordingSink{}
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown, PendingTimeout: 20 * time.Millisecond},
		Options{Rules: store, CEL: cel, Events: sink})

	first := make(chan Response, 1)
	go func() { first <- e.Authorize(context.Background(), Request{Identity: identity(hashA)}) }()
	<-cel.entered

	resp := e.Authorize(context.Background(), Request{Identity: identity(hashA)})
	assert.Equal(t, domain.ActionRespondDeny, resp.Action)
	assert.Equal(t, domain.EventStateBlockUnknown, resp.EventState)
	assert.True(t, resp.FailSafe)
	assert.ErrorIs(t, resp.Cause, domain.ErrTimeout)

	close(cel.release)
	assert.Equal(t, domain.ActionRespondAllow, (<-first).Action)
	assert.EqualValues(t, 1, e.FailSafes())
	assert.Equal(t, 2, sink.len())
}

func TestAuthorize_MonitorTimeoutFailsOpen(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	require.NoError(t, store.Upsert(context.Background(), celRule(hashA)))
	cel := newGatedCEL(policy.CELResult{Allow: false, Cacheable: true})
	e := newEngine(t, &Settings{Mode: domain.ClientModeMonitor, EvaluationTimeout: 20 * time.Millisecond},
		Options{Rules: store, CEL: cel})
	defer close(cel.release)

	resp := e.Authorize(context.Background(), Request{Identity: identity(hashA)})
	assert.Equal(t, domain.ActionRespondAllowNoCache, resp.Action)
	assert.Equal(t, domain.EventStateAllowUnknown, resp.EventState)
	assert.True(t, resp.FailSafe)
	assert.Zero(t, e.Cache().Len())
	assert.Zero(t, e.Cache().PendingLen())
}

func TestAuthorize_PanicFailsSafe(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	require.NoError(t, store.Upsert(context.Background(), celRule(hashA)))
	cel := policy.CELFunc(func(domain.Rule, domain.ExecutionIdentity) (policy.CELResult, error) {
		panic("resolver bug")
	})
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown}, Options{Rules: store, CEL: cel})

	resp := e.Authorize(context.Background(), Request{Identity: identity(hashA)})
	assert.Equal(t, domain.ActionRespondDeny, resp.Action)
	assert.True(t, resp.FailSafe)
	assert.Equal(t, "panic", causeLabel(resp.Cause))

	// The next request evaluates again rather than finding a stale pending entry.
	e.Authorize(context.Background(), Request{Identity: identity(hashA)})
	assert.EqualValues(t, 2, e.Evaluations())
}

func TestAuthorize_HoldPolicy(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	require.NoError(t, store.Upsert(context.Background(), celRule(hashA)))
	cel := newGatedCEL(policy.CELResult{Allow: false, Cacheable: true})
	holds := &holdRecorder{got: make(chan domain.Action, 1)}
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown, HoldPolicy: HoldPolicyHold},
		Options{Rules: store, CEL: cel, Holds: holds})

	first := make(chan Response, 1)
	go func() { first <- e.Authorize(context.Background(), Request{Identity: identity(hashA)}) }()
	<-cel.entered

	resp := e.Authorize(context.Background(), Request{RequestID: "held", Identity: identity(hashA)})
	assert.Equal(t, domain.ActionRespondHold, resp.Action)
	assert.Equal(t, "held", resp.RequestID)

	close(cel.release)
	assert.Equal(t, domain.ActionRespondDeny, (<-first).Action)
	select {
	case a := <-holds.got:
		assert.Equal(t, domain.ActionHoldDenied, a)
	case <-time.After(2 * time.Second):
		t.Fatal("no hold follow-up")
	}
}

func TestAuthorize_InvalidSignatureCause(t *testing.T) {
	e := newEngine(t, &Settings{Mode: domain.ClientModeMonitor}, Options{})
	id := identity(hashA)
	id.SigningStatus = domain.SigningStatusInvalid
	id.TeamID = "EQHXZ8M8AV"

	resp := e.Authorize(context.Background(), Request{Identity: id})
	assert.Equal(t, domain.ActionRespondDeny, resp.Action)
	assert.Equal(t, domain.EventStateBlockCertificate, resp.EventState)
	assert.ErrorIs(t, resp.Cause, domain.ErrInvalidSignature)
	assert.False(t, resp.FailSafe)
}

func TestRuleChangeInvalidatesCache(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown}, Options{Rules: store})
	ctx := context.Background()

	assert.Equal(t, domain.ActionRespondDeny, e.Authorize(ctx, Request{Identity: identity(hashA)}).Action)
	assert.Equal(t, domain.ActionRespondDeny, e.Authorize(ctx, Request{Identity: identity(hashB)}).Action)
	require.Equal(t, 2, e.Cache().Len())

	require.NoError(t, store.Upsert(ctx, domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateAllow, Identifier: hashA}))
	assert.Equal(t, 1, e.Cache().Len())
	assert.Equal(t, domain.ActionRespondAllow, e.Authorize(ctx, Request{Identity: identity(hashA)}).Action)

	require.NoError(t, store.Upsert(ctx, domain.Rule{Type: domain.RuleTypeTeamID, State: domain.RuleStateAllow, Identifier: "EQHXZ8M8AV"}))
	assert.Zero(t, e.Cache().Len())
}

func TestRuleChange_CDHashRuleReachesHashKeyedEntry(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	e := newEngine(t, &Settings{Mode: domain.ClientModeMonitor}, Options{Rules: store})
	ctx := context.Background()
	cdhash := strings.Repeat("c", 40)
	id := identity(hashA)
	id.CDHash = cdhash

	resp := e.Authorize(ctx, Request{Identity: id})
	require.Equal(t, domain.EventStateAllowUnknown, resp.EventState)
	require.Equal(t, 1, e.Cache().Len())

	require.NoError(t, store.Upsert(ctx, domain.Rule{Type: domain.RuleTypeCDHash, State: domain.RuleStateBlock, Identifier: cdhash}))
	resp = e.Authorize(ctx, Request{Identity: id})
	assert.Equal(t, domain.ActionRespondDeny, resp.Action)
	assert.Equal(t, domain.EventStateBlockCDHash, resp.EventState)
}

func TestRuleChange_DuringEvaluationIsNotCached(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, domain.Rule{Type: domain.RuleTypeTeamID, State: domain.RuleStateCEL, Identifier: "EQHXZ8M8AV", CELExpr: "true"}))
	cel := newGatedCEL(policy.CELResult{Allow: true, Cacheable: true})
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown}, Options{Rules: store, CEL: cel})
	id := identity(hashA)
	id.TeamID = "EQHXZ8M8AV"

	first := make(chan Response, 1)
	go func() { first <- e.Authorize(ctx, Request{Identity: id}) }()
	<-cel.entered

	require.NoError(t, store.Upsert(ctx, domain.Rule{Type: domain.RuleTypeBinary, State: domain.RuleStateBlock, Identifier: hashA}))
	close(cel.release)

	// The request in flight keeps the rule set it started with.
	assert.Equal(t, domain.EventStateAllowTeamID, (<-first).EventState)
	assert.Zero(t, e.Cache().Len())

	resp := e.Authorize(ctx, Request{Identity: id})
	assert.Equal(t, domain.ActionRespondDeny, resp.Action)
	assert.Equal(t, domain.EventStateBlockBinary, resp.EventState)
}

func TestReload_DuringEvaluationIsNotCached(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, celRule(hashA)))
	cel := newGatedCEL(policy.CELResult{Allow: true, Cacheable: true})
	e := newEngine(t, &Settings{Mode: domain.ClientModeMonitor}, Options{Rules: store, CEL: cel})

	first := make(chan Response, 1)
	go func() { first <- e.Authorize(ctx, Request{Identity: identity(hashA)}) }()
	<-cel.entered

	e.Reload(&Settings{Mode: domain.ClientModeLockdown})
	close(cel.release)
	assert.Equal(t, domain.ActionRespondAllow, (<-first).Action)
	assert.Zero(t, e.Cache().Len())

	e.Authorize(ctx, Request{Identity: identity(hashA)})
	assert.EqualValues(t, 2, cel.calls.Load())
}

func TestReload_SwapsSettingsAndFlushes(t *testing.T) {
	eb := bus.NewEventBus(0, testLogger())
	var reloads atomic.Int32
	eb.On(bus.EventConfigReloaded, func(bus.Event) { reloads.Add(1) })

	e := newEngine(t, &Settings{Mode: domain.ClientModeMonitor}, Options{Bus: eb})
	ctx := context.Background()
	assert.Equal(t, domain.ActionRespondAllow, e.Authorize(ctx, Request{Identity: identity(hashA)}).Action)

	cfg := config.Defaults().Policy
	cfg.Mode = "lockdown"
	s, err := SettingsFromConfig(cfg)
	require.NoError(t, err)
	e.Reload(s)

	assert.Equal(t, domain.ClientModeLockdown, e.Settings().Mode)
	assert.Zero(t, e.Cache().Len())
	assert.Equal(t, domain.ActionRespondDeny, e.Authorize(ctx, Request{Identity: identity(hashA)}).Action)
	assert.EqualValues(t, 1, reloads.Load())
}

func TestProvenanceConfirmFinalizesAndStoresRule(t *testing.T) {
	store := rules.NewStore(nil, testLogger())
	tracker := provenance.NewTracker(testLogger())
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown, Transitive: true},
		Options{Rules: store, Provenance: tracker, Cache: cache.New(0)})
	ctx := context.Background()

	tracker.RecordWrite(hashA, "/usr/bin/clang")
	resp := e.Authorize(ctx, Request{Identity: identity(hashA)})
	assert.Equal(t, domain.EventStateAllowPendingTransitive, resp.EventState)

	require.NoError(t, tracker.Confirm(hashA))
	r, err := store.Lookup(domain.RuleTypeBinary, hashA)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStateAllowTransitive, r.State)

	resp = e.Authorize(ctx, Request{Identity: identity(hashA)})
	assert.Equal(t, domain.EventStateAllowTransitive, resp.EventState)
	require.NotNil(t, resp.Verdict.Rule)
}

func TestProvenanceRejectInvalidates(t *testing.T) {
	tracker := provenance.NewTracker(testLogger())
	e := newEngine(t, &Settings{Mode: domain.ClientModeLockdown, Transitive: true}, Options{Provenance: tracker})
	ctx := context.Background()

	tracker.RecordWrite(hashA, "/usr/bin/clang")
	assert.Equal(t, domain.ActionRespondAllow, e.Authorize(ctx, Request{Identity: identity(hashA)}).Action)
	require.NoError(t, tracker.Reject(hashA))

	assert.Zero(t, e.Cache().Len())
	assert.Equal(t, domain.ActionRespondDeny, e.Authorize(ctx, Request{Identity: identity(hashA)}).Action)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.Defaults().Policy
	cfg.HoldPolicy = "hold"
	cfg.PendingTimeoutMs = 250
	s, err := SettingsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, HoldPolicyHold, s.HoldPolicy)
	assert.Equal(t, 250*time.Millisecond, s.PendingTimeout)
	assert.Equal(t, domain.ClientModeMonitor, s.Mode)

	cfg.Mode = "paranoid"
	_, err = SettingsFromConfig(cfg)
	require.Error(t, err)

	cfg = config.Defaults().Policy
	cfg.BlockedPaths = []string{"^/bad/["}
	_, err = SettingsFromConfig(cfg)
	require.Error(t, err)
}
