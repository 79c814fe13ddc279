package eventlog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"execguard/internal/bus"
	"execguard/internal/domain"
	"execguard/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	recs []storage.EventRecord
	err  error
}

func (m *memStore) InsertEvent(_ context.Context, ev storage.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, ev)
	return nil
}

type countObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countObserver) ObserveEvent(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[outcome]++
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func denyEvent(id string) Event {
	v := domain.Block(domain.EventStateBlockBinary)
	return Event{
		RequestID: id,
		PID:       42,
		Identity:  domain.ExecutionIdentity{SHA256: "aa", Path: "/usr/local/bin/tool"},
		Mode:      domain.ClientModeLockdown,
		Action:    v.Action(),
		Verdict:   v,
	}
}

func allowEvent(id string) Event {
	v := domain.Allow(domain.EventStateAllowTeamID)
	return Event{
		RequestID: id,
		Identity:  domain.ExecutionIdentity{SHA256: "bb", TeamID: "EQHXZ8M8AV", Path: "/Applications/App"},
		Mode:      domain.ClientModeLockdown,
		Action:    v.Action(),
		Verdict:   v,
	}
}

func TestNew_ProtobufUnsupported(t *testing.T) {
	_, err := New(Options{Type: domain.EventLogTypeProtobuf}, nil, nil, quietLogger())
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNew_FilelogNeedsPath(t *testing.T) {
	_, err := New(Options{Type: domain.EventLogTypeFilelog}, nil, nil, quietLogger())
	require.Error(t, err)
}

func TestLogDecision_DenialPersistedAndPublished(t *testing.T) {
	var buf bytes.Buffer
	store := &memStore{}
	eb := bus.NewEventBus(0, quietLogger())
	var denied []bus.Event
	eb.On(bus.EventDecisionDenied, func(e bus.Event) { denied = append(denied, e) })

	l, err := New(Options{Type: domain.EventLogTypeSyslog, Writer: &buf}, store, eb, quietLogger())
	require.NoError(t, err)

	l.LogDecision(context.Background(), denyEvent("r1"))
	l.LogDecision(context.Background(), allowEvent("r2"))
	require.NoError(t, l.Close())

	require.Len(t, store.recs, 1)
	rec := store.recs[0]
	assert.Equal(t, "r1", rec.RequestID)
	assert.Equal(t, 42, rec.PID)
	assert.Equal(t, domain.EventStateBlockBinary, rec.EventState)
	assert.Equal(t, "deny", rec.Action)
	assert.False(t, rec.Silent)

	require.Len(t, denied, 1)
	assert.Equal(t, "r1", denied[0].Payload["request_id"])

	out := buf.String()
	assert.Contains(t, out, "request_id=r1")
	assert.Contains(t, out, "request_id=r2")
	assert.Contains(t, out, "team_id=EQHXZ8M8AV")
}

func TestLogDecision_PersistAllows(t *testing.T) {
	store := &memStore{}
	l, err := New(Options{Type: domain.EventLogTypeNull, PersistAllows: true}, store, nil, quietLogger())
	require.NoError(t, err)

	l.LogDecision(context.Background(), allowEvent("r1"))
	require.NoError(t, l.Close())

	require.Len(t, store.recs, 1)
	assert.Equal(t, "allow", store.recs[0].Action)
}

func TestLogDecision_SilentBlock(t *testing.T) {
	var buf bytes.Buffer
	store := &memStore{}
	l, err := New(Options{Type: domain.EventLogTypeJSON, Writer: &buf}, store, nil, quietLogger())
	require.NoError(t, err)

	ev := denyEvent("r1")
	ev.Verdict.Silent = true
	l.LogDecision(context.Background(), ev)
	require.NoError(t, l.Close())

	require.Len(t, store.recs, 1)
	assert.True(t, store.recs[0].Silent)
	assert.Contains(t, buf.String(), `"silent":true`)
}

func TestLogDecision_BundleActions(t *testing.T) {
	tests := []struct {
		action    domain.BundleEventAction
		persisted int
		published int
	}{
		{domain.BundleEventActionDropEvents, 0, 0},
		{domain.BundleEventActionStoreEvents, 1, 0},
		{domain.BundleEventActionSendEvents, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			store := &memStore{}
			eb := bus.NewEventBus(0, quietLogger())
			published := 0
			eb.On(bus.EventDecisionBundle, func(bus.Event) { published++ })

			l, err := New(Options{Type: domain.EventLogTypeNull, BundleAction: tt.action}, store, eb, quietLogger())
			require.NoError(t, err)

			ev := denyEvent("r1")
			ev.Identity.BundleBinary = true
			ev.Verdict.AuxFlags = domain.EventStateBundleBinary
			l.LogDecision(context.Background(), ev)
			require.NoError(t, l.Close())

			assert.Len(t, store.recs, tt.persisted)
			assert.Equal(t, tt.published, published)
		})
	}
}

func TestLogDecision_StoreFailureCounted(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	obs := &countObserver{}
	l, err := New(Options{Type: domain.EventLogTypeNull}, store, nil, quietLogger())
	require.NoError(t, err)
	l.SetObserver(obs)

	l.LogDecision(context.Background(), denyEvent("r1"))
	require.NoError(t, l.Close())

	assert.Equal(t, 1, obs.counts["error"])
	assert.Zero(t, obs.counts["persisted"])
}

func TestFilelog_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.log")
	l, err := New(Options{Type: domain.EventLogTypeFilelog, File: path}, nil, nil, quietLogger())
	require.NoError(t, err)

	l.LogDecision(context.Background(), denyEvent("r-file"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "request_id=r-file")
	assert.Contains(t, string(data), "reason=BlockBinary")
}

func TestLogDecision_AfterCloseIsDropped(t *testing.T) {
	store := &memStore{}
	l, err := New(Options{Type: domain.EventLogTypeNull}, store, nil, quietLogger())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	l.LogDecision(context.Background(), denyEvent("late"))
	assert.Empty(t, store.recs)
}

func TestLogDecision_WithStorage(t *testing.T) {
	st, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"), quietLogger())
	require.NoError(t, err)
	defer st.Close()

	l, err := New(Options{Type: domain.EventLogTypeNull}, st, nil, quietLogger())
	require.NoError(t, err)
	l.LogDecision(context.Background(), denyEvent("r1"))
	require.NoError(t, l.Close())

	recs, err := st.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "/usr/local/bin/tool", recs[0].Path)
}
