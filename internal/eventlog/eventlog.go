// Package eventlog records decisions: a log line per decision in the
// configured format, denials in the events table, and bundle events handled
// per the configured BundleEventAction.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"execguard/internal/bus"
	"execguard/internal/domain"
	"execguard/internal/storage"
)

// ErrUnsupportedFormat is returned for event log types this build cannot
// write.
var ErrUnsupportedFormat = errors.New("unsupported event log format")

const (
	defaultQueueSize = 1024
	enqueueTimeout   = 100 * time.Millisecond
)

// Event is one decision as seen by the event log.
type Event struct {
	RequestID string
	PID       int
	Identity  domain.ExecutionIdentity
	Mode      domain.ClientMode
	Action    domain.Action
	Verdict   domain.Verdict
	FailSafe  bool
	Cause     string
	Timestamp time.Time
}

// Store persists events. storage.SQLiteStore implements it.
type Store interface {
	InsertEvent(ctx context.Context, ev storage.EventRecord) error
}

// Publisher receives events worth broadcasting in-process.
type Publisher interface {
	Emit(bus.Event)
}

// Observer counts event outcomes.
type Observer interface {
	ObserveEvent(outcome string)
}

type Options struct {
	Type          domain.EventLogType
	File          string
	BundleAction  domain.BundleEventAction
	PersistAllows bool
	QueueSize     int
	// Writer overrides the sink destination for syslog and json types.
	Writer io.Writer
}

// Logger is safe for concurrent use. Events are handled by a single worker
// in submission order.
type Logger struct {
	opts   Options
	sink   *slog.Logger
	closer io.Closer

	store    Store
	pub      Publisher
	observer Observer
	logger   *slog.Logger

	queue chan Event
	mu    sync.RWMutex
	done  chan struct{}
	// closed guards sends on queue after Close.
	closed bool
}

// New builds the sink for opts.Type and starts the worker. store and pub may
// be nil.
func New(opts Options, store Store, pub Publisher, logger *slog.Logger) (*Logger, error) {
	l := &Logger{
		opts:   opts,
		store:  store,
		pub:    pub,
		logger: logger,
		done:   make(chan struct{}),
	}

	var h slog.Handler
	switch opts.Type {
	case domain.EventLogTypeSyslog:
		h = slog.NewTextHandler(l.writer(os.Stderr), nil)
	case domain.EventLogTypeJSON:
		h = slog.NewJSONHandler(l.writer(os.Stdout), nil)
	case domain.EventLogTypeFilelog:
		if opts.File == "" {
			return nil, fmt.Errorf("filelog requires a file path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create event log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		l.closer = f
		h = slog.NewTextHandler(f, nil)
	case domain.EventLogTypeNull:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, opts.Type)
	}
	if h != nil {
		l.sink = slog.New(h)
	}

	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	l.queue = make(chan Event, size)
	go l.run()
	return l, nil
}

func (l *Logger) writer(def io.Writer) io.Writer {
	if l.opts.Writer != nil {
		return l.opts.Writer
	}
	return def
}

// SetObserver attaches an outcome counter. Call before the first event.
func (l *Logger) SetObserver(o Observer) {
	l.observer = o
}

// LogDecision queues ev. When the queue stays full past a short timeout the
// event is dropped and a warning is logged; decisions never wait on disk.
func (l *Logger) LogDecision(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Warn("event log closed, dropping event", "request_id", ev.RequestID)
		return
	}

	select {
	case l.queue <- ev:
		return
	default:
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case l.queue <- ev:
	case <-timer.C:
		l.logger.Error("event dropped: queue full", "request_id", ev.RequestID, "path", ev.Identity.Path)
		l.observe("overflow")
	case <-ctx.Done():
		l.observe("overflow")
	}
}

// Close drains queued events and releases the sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		l.handle(ev)
	}
}

func (l *Logger) handle(ev Event) {
	denied := !ev.Action.IsAllow()

	if ev.Identity.BundleBinary {
		switch l.opts.BundleAction {
		case domain.BundleEventActionDropEvents:
			l.observe("dropped")
			return
		case domain.BundleEventActionStoreEvents:
			l.write(ev)
			l.persist(ev)
		case domain.BundleEventActionSendEvents:
			l.write(ev)
			l.persist(ev)
			l.publish(bus.EventDecisionBundle, ev)
		}
		return
	}

	l.write(ev)
	if denied || l.opts.PersistAllows {
		l.persist(ev)
	}
	if denied {
		l.publish(bus.EventDecisionDenied, ev)
	}
	if ev.FailSafe {
		l.publish(bus.EventDecisionFailSafe, ev)
	}
}

func (l *Logger) write(ev Event) {
	if l.sink == nil {
		return
	}
	state := ev.Verdict.EventState()
	attrs := []any{
		"request_id", ev.RequestID,
		"pid", ev.PID,
		"path", ev.Identity.Path,
		"sha256", ev.Identity.SHA256,
		"mode", ev.Mode.String(),
		"action", ev.Action.String(),
		"reason", state.String(),
	}
	if ev.Identity.SigningID != "" {
		attrs = append(attrs, "signing_id", ev.Identity.SigningID)
	}
	if ev.Identity.TeamID != "" {
		attrs = append(attrs, "team_id", ev.Identity.TeamID)
	}
	if ev.Verdict.Silent {
		attrs = append(attrs, "silent", true)
	}
	if ev.FailSafe {
		attrs = append(attrs, "failsafe", true, "cause", ev.Cause)
	}
	if ev.Verdict.Rule != nil && ev.Verdict.Rule.CustomMsg != "" {
		attrs = append(attrs, "message", ev.Verdict.Rule.CustomMsg)
	}
	l.sink.Info("execution", attrs...)
	l.observe("logged")
}

func (l *Logger) persist(ev Event) {
	if l.store == nil {
		return
	}
	rec := storage.EventRecord{
		RequestID:  ev.RequestID,
		PID:        ev.PID,
		Path:       ev.Identity.Path,
		SHA256:     ev.Identity.SHA256,
		SigningID:  ev.Identity.SigningID,
		TeamID:     ev.Identity.TeamID,
		Mode:       ev.Mode.String(),
		Action:     ev.Action.String(),
		EventState: ev.Verdict.EventState(),
		Silent:     ev.Verdict.Silent,
		CreatedAt:  ev.Timestamp,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.InsertEvent(ctx, rec); err != nil {
		l.logger.Error("cannot persist decision event", "request_id", ev.RequestID, "err", err)
		l.observe("error")
		return
	}
	l.observe("persisted")
}

func (l *Logger) publish(topic string, ev Event) {
	if l.pub == nil {
		return
	}
	l.pub.Emit(bus.Event{
		Type:      topic,
		Source:    "eventlog",
		Timestamp: ev.Timestamp,
		Payload: map[string]any{
			"request_id":  ev.RequestID,
			"pid":         ev.PID,
			"path":        ev.Identity.Path,
			"sha256":      ev.Identity.SHA256,
			"action":      ev.Action.String(),
			"event_state": uint64(ev.Verdict.EventState()),
			"silent":      ev.Verdict.Silent,
		},
	})
	l.observe("published")
}

func (l *Logger) observe(outcome string) {
	if l.observer != nil {
		l.observer.ObserveEvent(outcome)
	}
}
