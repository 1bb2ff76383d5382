// Package realtime implements the transport boundary over a realtime
// websocket data channel. Signaling exchanges an ephemeral credential over
// HTTP, then the data channel is a single websocket carrying JSON events
// both ways. ICE and peer-connection state signals are synthesized from the
// socket lifecycle so the caller observes the same three upward signals as
// with a full peer connection.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"

	"github.com/danstonedev/emrsim-session/core/transport"
)

const defaultDialTimeout = 10 * time.Second

type ClientOptions struct {
	// TokenURL is the signaling endpoint minting ephemeral credentials.
	TokenURL string
	// RealtimeURL is the websocket endpoint of the realtime peer.
	RealtimeURL string
	Model       string
	Voice       string
	HTTPClient  *http.Client
}

// Client is a websocket-backed data-channel transport. One Client supports
// repeated Connect/Disconnect cycles; each Connect opens a fresh socket.
type Client struct {
	options    ClientOptions
	httpClient *http.Client

	connMu sync.Mutex
	conn   *websocket.Conn
}

func NewClient(options ClientOptions) *Client {
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultDialTimeout}
	}
	// Wrap outbound signaling calls so token latency shows up on traces.
	httpClient = &http.Client{
		Transport: otelhttp.NewTransport(httpClient.Transport),
		Timeout:   httpClient.Timeout,
	}

	return &Client{options: options, httpClient: httpClient}
}

func (c *Client) Connect(ctx context.Context, opts ...transport.ConnectOption) error {
	options := transport.ConnectOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	ctx, span := tracer.Start(ctx, "realtime connect")
	defer span.End()

	credential, err := c.fetchCredential(ctx)
	if err != nil {
		err = fmt.Errorf("signaling failed: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	endpoint, err := url.Parse(credential.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	if credential.Model != "" {
		query := endpoint.Query()
		query.Set("model", credential.Model)
		endpoint.RawQuery = query.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), http.Header{
		"Authorization": {"Bearer " + credential.ClientSecret},
		"OpenAI-Beta":   {"realtime=v1"},
	})
	if err != nil {
		err = fmt.Errorf("failed to open data channel socket: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.connMu.Unlock()

	if options.ICEStateCallback != nil {
		options.ICEStateCallback(transport.ICEStateConnected)
	}
	if options.ConnectionStateCallback != nil {
		options.ConnectionStateCallback(transport.ConnectionStateConnected)
	}

	go c.readLoop(conn, options)

	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, options transport.ConnectOptions) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			intentional := c.conn != conn
			if c.conn == conn {
				c.conn = nil
			}
			c.connMu.Unlock()
			conn.Close()

			if intentional || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				if options.ConnectionStateCallback != nil {
					options.ConnectionStateCallback(transport.ConnectionStateClosed)
				}
				return
			}

			logger.Warn("data channel socket read failed", "error", err, "epoch", options.Epoch)
			if options.ICEStateCallback != nil {
				options.ICEStateCallback(transport.ICEStateFailed)
			}
			if options.ConnectionStateCallback != nil {
				options.ConnectionStateCallback(transport.ConnectionStateFailed)
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}
		if options.MessageCallback != nil {
			options.MessageCallback(msg)
		}
	}
}

func (c *Client) Send(raw []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("data channel is not open")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write to data channel: %w", err)
	}
	return nil
}

func (c *Client) Disconnect() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close data channel socket: %w", err)
	}
	return nil
}
