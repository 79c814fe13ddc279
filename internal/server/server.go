// Package server exposes the decision engine on a Unix socket. Each
// connection carries one JSON request and receives one JSON line, plus a
// follow-up line when the request is put on hold.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"execguard/internal/bus"
	"execguard/internal/domain"
	"execguard/internal/engine"

	"github.com/google/uuid"
)

// Authorizer decides a request. *engine.Engine implements it.
type Authorizer interface {
	Authorize(ctx context.Context, req engine.Request) engine.Response
}

// ProvenanceRecorder tracks compiler output. *provenance.Tracker implements
// it.
type ProvenanceRecorder interface {
	RecordWrite(hash, compiler string)
	Confirm(hash string) error
	Reject(hash string) error
}

// EventHistory replays recent in-process events. *bus.EventBus implements
// it.
type EventHistory interface {
	Replay(eventType string, since time.Time) []bus.Event
}

// Observer counts malformed or failed requests.
type Observer interface {
	ObserveRequestError()
}

type Config struct {
	SocketPath string
	PIDPath    string
	// WatchPeers cancels a request when its requesting process exits.
	WatchPeers bool
	// RequestTimeout bounds a whole connection, hold follow-up included.
	RequestTimeout time.Duration
	PeerPoll       time.Duration
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultPeerPoll       = 100 * time.Millisecond
)

// Server is a Unix socket front end for an Authorizer.
type Server struct {
	auth     Authorizer
	cfg      Config
	logger   *slog.Logger
	observer Observer
	prov     ProvenanceRecorder
	history  EventHistory

	listener     net.Listener
	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	holdMu sync.Mutex
	holds  map[string]chan domain.Action
}

func New(auth Authorizer, cfg Config, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PeerPoll <= 0 {
		cfg.PeerPoll = defaultPeerPoll
	}
	return &Server{
		auth:   auth,
		cfg:    cfg,
		logger: logger,
		holds:  make(map[string]chan domain.Action),
	}
}

// SetObserver attaches a request error counter. Call before Serve.
func (s *Server) SetObserver(o Observer) {
	s.observer = o
}

// SetProvenance enables provenance updates on the socket. Call before Serve.
func (s *Server) SetProvenance(p ProvenanceRecorder) {
	s.prov = p
}

// SetHistory enables recent-event queries on the socket. Call before Serve.
func (s *Server) SetHistory(h EventHistory) {
	s.history = h
}

// Listen binds the socket and writes the PID file. It fails when another
// server already answers on the socket.
func (s *Server) Listen() error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("server already running at %s", path)
	}
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	if s.cfg.PIDPath != "" {
		if err := WritePIDFile(s.cfg.PIDPath); err != nil {
			ln.Close()
			return err
		}
	}
	s.logger.Info("listening", "socket", path, "pid", os.Getpid())
	return nil
}

// Serve accepts connections until ctx is done, then shuts down. Listen must
// have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server not listening")
	}
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Shutdown stops accepting, waits for open connections and removes the socket
// and PID files.
func (s *Server) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.cfg.SocketPath)
	if s.cfg.PIDPath != "" {
		_ = os.Remove(s.cfg.PIDPath)
	}
	s.logger.Info("server stopped")
}

// NotifyHold delivers a hold follow-up to the connection waiting for it.
// Follow-ups for connections that have gone away are dropped.
func (s *Server) NotifyHold(requestID string, action domain.Action) {
	s.holdMu.Lock()
	ch, ok := s.holds[requestID]
	s.holdMu.Unlock()
	if !ok {
		s.logger.Debug("hold follow-up without waiter", "request_id", requestID)
		return
	}
	select {
	case ch <- action:
	default:
	}
}

// registerHold claims id for one connection. It reports false when another
// connection already holds the same request ID.
func (s *Server) registerHold(id string) (chan domain.Action, bool) {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	if _, ok := s.holds[id]; ok {
		return nil, false
	}
	ch := make(chan domain.Action, 1)
	s.holds[id] = ch
	return ch, true
}

func (s *Server) releaseHold(id string) {
	s.holdMu.Lock()
	delete(s.holds, id)
	s.holdMu.Unlock()
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.RequestTimeout + time.Second))
	enc := json.NewEncoder(conn)

	var wire WireRequest
	if err := json.NewDecoder(conn).Decode(&wire); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.requestError()
		_ = enc.Encode(WireResponse{Error: "decode request: " + err.Error()})
		return
	}
	req := wire.Request
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if wire.Provenance != nil {
		resp := ackWire(req.RequestID)
		if err := s.applyProvenance(*wire.Provenance); err != nil {
			s.requestError()
			resp = WireResponse{RequestID: req.RequestID, Error: err.Error()}
		}
		_ = enc.Encode(resp)
		return
	}
	if wire.Recent != nil {
		if s.history == nil {
			s.requestError()
			_ = enc.Encode(WireResponse{RequestID: req.RequestID, Error: "event history disabled"})
			return
		}
		topic := wire.Recent.Type
		if topic == "" {
			topic = "*"
		}
		_ = enc.Encode(eventsWire(req.RequestID, s.history.Replay(topic, wire.Recent.Since)))
		return
	}

	// Registered before Authorize so an early follow-up is not lost.
	held, ok := s.registerHold(req.RequestID)
	if !ok {
		s.requestError()
		_ = enc.Encode(WireResponse{RequestID: req.RequestID, Error: fmt.Sprintf("request id %q already in use", req.RequestID)})
		return
	}
	defer s.releaseHold(req.RequestID)

	ctx, cancel := context.WithTimeout(parent, s.cfg.RequestTimeout)
	defer cancel()
	if s.cfg.WatchPeers && req.PID > 0 {
		go s.watchPeer(ctx, cancel, req.PID)
	}

	resp := s.auth.Authorize(ctx, req)
	if err := enc.Encode(ToWire(resp)); err != nil {
		s.requestError()
		s.logger.Warn("write response failed", "request_id", req.RequestID, "err", err)
		return
	}
	if resp.Action != domain.ActionRespondHold {
		return
	}

	select {
	case action := <-held:
		if err := enc.Encode(followUpWire(req.RequestID, action)); err != nil {
			s.requestError()
			s.logger.Warn("write hold follow-up failed", "request_id", req.RequestID, "err", err)
		}
	case <-ctx.Done():
		s.logger.Warn("held request abandoned", "request_id", req.RequestID, "err", ctx.Err())
	}
}

func (s *Server) applyProvenance(u ProvenanceUpdate) error {
	if s.prov == nil {
		return errors.New("provenance tracking disabled")
	}
	if u.SHA256 == "" {
		return errors.New("provenance update without sha256")
	}
	switch u.Op {
	case ProvenanceWrite:
		s.prov.RecordWrite(u.SHA256, u.Compiler)
		return nil
	case ProvenanceConfirm:
		return s.prov.Confirm(u.SHA256)
	case ProvenanceReject:
		return s.prov.Reject(u.SHA256)
	}
	return fmt.Errorf("unknown provenance op %q", u.Op)
}

// watchPeer cancels the request once pid has exited.
func (s *Server) watchPeer(ctx context.Context, cancel context.CancelFunc, pid int) {
	t := time.NewTicker(s.cfg.PeerPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !ProcessAlive(pid) {
				s.logger.Debug("requesting process exited", "pid", pid)
				cancel()
				return
			}
		}
	}
}

func (s *Server) requestError() {
	if s.observer != nil {
		s.observer.ObserveRequestError()
	}
}

// WritePIDFile records the current process ID at path.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
