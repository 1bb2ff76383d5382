// Package relay integrates the backend transcript relay.
//
// Outbound finalized transcripts travel over a plain HTTP call, which is
// retry-friendly and has no ordering dependency on the session's live
// socket. Inbound fan-out from other participants arrives over a
// session-scoped broadcast websocket. Keeping the two channels separate
// avoids coupling "I finalized a transcript" to the fan-out path.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
)

// ErrNoActiveSession is returned when a relay is attempted before a session
// id has been established.
var ErrNoActiveSession = errors.New("no active session for relay")

// Entry is one finalized transcript on the relay wire. The broadcast
// channel emits the same shape, so both directions share this type.
type Entry struct {
	Role          string `json:"role"`
	Text          string `json:"text"`
	IsFinal       bool   `json:"isFinal"`
	TimestampMs   int64  `json:"timestamp"`
	StartedAtMs   int64  `json:"startedAt,omitempty"`
	FinalizedAtMs int64  `json:"finalizedAt,omitempty"`
	EmittedAtMs   int64  `json:"emittedAt,omitempty"`
	ItemID        string `json:"itemId,omitempty"`
}

type Options struct {
	// BaseURL is the relay endpoint root; transcripts post to
	// {BaseURL}/sessions/{sessionID}/transcripts.
	BaseURL string
	// SocketURL is the broadcast websocket endpoint. Empty disables the
	// inbound broadcast channel.
	SocketURL string
	// Enabled gates the whole relay integration; when false every call is
	// a no-op and InitializeSocket never opens a connection.
	Enabled    bool
	HTTPClient *http.Client
}

type Option func(*Options)

func WithBaseURL(baseURL string) Option {
	return func(o *Options) { o.BaseURL = baseURL }
}

func WithSocketURL(socketURL string) Option {
	return func(o *Options) { o.SocketURL = socketURL }
}

func WithEnabled(enabled bool) Option {
	return func(o *Options) { o.Enabled = enabled }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) { o.HTTPClient = client }
}

// Client is the backend relay integration. One Client serves one
// orchestrator instance; lifecycle is tied to session start/stop rather
// than process lifetime.
type Client struct {
	options    Options
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
	socket    *broadcastSocket
}

func NewClient(opts ...Option) *Client {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	httpClient = &http.Client{
		Transport: otelhttp.NewTransport(httpClient.Transport),
		Timeout:   httpClient.Timeout,
	}

	return &Client{options: options, httpClient: httpClient}
}

func (c *Client) Enabled() bool {
	return c != nil && c.options.Enabled
}

// RelayFinal forwards one finalized transcript to the backend. Failures are
// returned to the caller, which decides whether to fall back to local-only
// emission; they are never swallowed here.
func (c *Client) RelayFinal(ctx context.Context, entry Entry) error {
	if !c.Enabled() {
		return nil
	}

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNoActiveSession
	}

	ctx, span := tracer.Start(ctx, "relay final transcript")
	defer span.End()

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal relay entry: %w", err)
	}

	endpoint := fmt.Sprintf("%s/sessions/%s/transcripts", c.options.BaseURL, sessionID)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build relay request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		err = fmt.Errorf("relay request failed: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		err = fmt.Errorf("relay endpoint returned %d: %s", response.StatusCode, payload)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

// SetSessionID binds the relay to a session; clears with an empty id.
func (c *Client) SetSessionID(sessionID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Close tears down the broadcast socket if one is open.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()

	if socket != nil {
		socket.close()
	}
}
