// Package transport defines the boundary to the peer media/data transport.
//
// The signaling handshake and peer setup are opaque: implementations only
// promise the three upward signals (ICE state, peer connection state, raw
// data-channel messages) and a send/disconnect surface. Retry policy lives
// with the caller, never inside an adapter.
package transport

import "context"

// ICE connection states surfaced by adapters. Adapters not built on a real
// ICE stack synthesize the equivalent states from their own lifecycle.
const (
	ICEStateConnected    = "connected"
	ICEStateCompleted    = "completed"
	ICEStateDisconnected = "disconnected"
	ICEStateFailed       = "failed"
)

// Peer connection states surfaced by adapters.
const (
	ConnectionStateConnected    = "connected"
	ConnectionStateDisconnected = "disconnected"
	ConnectionStateFailed       = "failed"
	ConnectionStateClosed       = "closed"
)

// Credential is the ephemeral credential plus peer-connection parameters
// returned by the signaling endpoint. Consumed by adapters only.
type Credential struct {
	ClientSecret string
	SessionID    string
	BaseURL      string
	Model        string
	ExpiresAtMs  int64
}

type ConnectOptions struct {
	// Epoch tags the connection attempt for observability. Stale-operation
	// rejection happens in the caller's callbacks, not in the adapter.
	Epoch uint64

	MessageCallback         func(raw []byte)
	ICEStateCallback        func(state string)
	ConnectionStateCallback func(state string)
}

type ConnectOption func(*ConnectOptions)

func WithEpoch(epoch uint64) ConnectOption {
	return func(o *ConnectOptions) {
		o.Epoch = epoch
	}
}

func WithMessageCallback(callback func(raw []byte)) ConnectOption {
	return func(o *ConnectOptions) {
		o.MessageCallback = callback
	}
}

func WithICEStateCallback(callback func(state string)) ConnectOption {
	return func(o *ConnectOptions) {
		o.ICEStateCallback = callback
	}
}

func WithConnectionStateCallback(callback func(state string)) ConnectOption {
	return func(o *ConnectOptions) {
		o.ConnectionStateCallback = callback
	}
}

// Transport is an opaque peer connection with a data channel.
type Transport interface {
	// Connect performs signaling and peer setup, then delivers inbound
	// messages and state changes through the configured callbacks until
	// Disconnect is called or the connection fails.
	Connect(ctx context.Context, opts ...ConnectOption) error
	// Send writes one raw message to the data channel.
	Send(raw []byte) error
	// Disconnect tears the peer connection down. Safe to call repeatedly.
	Disconnect() error
}
