package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"execguard/internal/engine"
)

// Client talks to a running server.
type Client struct {
	SocketPath  string
	DialTimeout time.Duration
	// Timeout bounds the whole exchange when ctx has no deadline.
	Timeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath, DialTimeout: 2 * time.Second, Timeout: 35 * time.Second}
}

// Authorize sends req and returns the terminal response. When the server
// answers RespondHold, the follow-up line is read and returned with held set.
func (c *Client) Authorize(ctx context.Context, req engine.Request) (resp WireResponse, held bool, err error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return WireResponse{}, false, fmt.Errorf("dial %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.Timeout)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return WireResponse{}, false, fmt.Errorf("encode request: %w", err)
	}

	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return WireResponse{}, false, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return resp, false, errors.New(resp.Error)
	}
	if !resp.Held() {
		return resp, false, nil
	}

	var follow WireResponse
	if err := dec.Decode(&follow); err != nil {
		return resp, true, fmt.Errorf("decode hold follow-up: %w", err)
	}
	return follow, true, nil
}

// Provenance sends a provenance update and waits for the acknowledgement.
func (c *Client) Provenance(ctx context.Context, u ProvenanceUpdate) error {
	_, err := c.exchange(ctx, WireRequest{Provenance: &u})
	return err
}

// Recent returns the server's recent events matching q, oldest first.
func (c *Client) Recent(ctx context.Context, q RecentQuery) ([]WireEvent, error) {
	resp, err := c.exchange(ctx, WireRequest{Recent: &q})
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// exchange sends one control request and reads its single answer line.
func (c *Client) exchange(ctx context.Context, req WireRequest) (WireResponse, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return WireResponse{}, fmt.Errorf("dial %s: %w", c.SocketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.DialTimeout + 5*time.Second))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return WireResponse{}, fmt.Errorf("encode request: %w", err)
	}
	var resp WireResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return WireResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// Ping reports whether a server accepts connections on the socket.
func (c *Client) Ping() error {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.DialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
