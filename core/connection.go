package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/danstonedev/emrsim-session/core/transport"
)

// ConnectionStatus is the lifecycle state of the session's connection.
type ConnectionStatus string

const (
	StatusIdle         ConnectionStatus = "idle"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
	StatusStopped      ConnectionStatus = "stopped"
)

const (
	// DefaultMaxRetries bounds reconnection attempts per session.
	DefaultMaxRetries = 3
	// dataChannelWatchdogDelay is how long after ICE connects the data
	// channel may stay closed before a degradation warning is emitted.
	dataChannelWatchdogDelay = 2 * time.Second
)

// BackoffFunc maps a retry ordinal (1-based) to the delay before that
// attempt. The curve is caller-configurable; exponential is the default
// policy, not a hardcoded one.
type BackoffFunc func(retry int) time.Duration

// DefaultBackoff doubles a one-second base per attempt, capped at 30s.
func DefaultBackoff(retry int) time.Duration {
	delay := time.Second << (retry - 1)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

type connectionCallbacks struct {
	onStatusChanged func(status ConnectionStatus, reason string)
	onWarning       func(message string)
}

// connectionOrchestrator owns the retry/backoff policy and the epoch-scoped
// connect/disconnect lifecycle. Transport adapters report failures upward
// as state changes; this component alone decides retry versus terminal
// error.
type connectionOrchestrator struct {
	epoch *operationEpoch

	mu            sync.Mutex
	status        ConnectionStatus
	reason        string
	retryCount    int
	maxRetries    int
	backoff       BackoffFunc
	callbacks     connectionCallbacks
	retryTask     *scheduledTask
	watchdogTask  *scheduledTask
	watchdogDelay time.Duration
	connectedOnce bool
	channelOpen   bool
}

func newConnectionOrchestrator(epoch *operationEpoch, maxRetries int, backoff BackoffFunc, callbacks connectionCallbacks) *connectionOrchestrator {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &connectionOrchestrator{
		epoch:         epoch,
		status:        StatusIdle,
		maxRetries:    maxRetries,
		backoff:       backoff,
		callbacks:     callbacks,
		watchdogDelay: dataChannelWatchdogDelay,
	}
}

func (c *connectionOrchestrator) currentStatus() (ConnectionStatus, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.reason
}

// start allocates a fresh epoch, invalidating every prior in-flight
// operation, and launches connectFn under it. Allowed from idle, error,
// and stopped; a connected session must be stopped first.
func (c *connectionOrchestrator) start(ctx context.Context, connectFn func(ctx context.Context, epoch uint64) error) (uint64, error) {
	c.mu.Lock()
	switch c.status {
	case StatusIdle, StatusError, StatusStopped:
	default:
		status := c.status
		c.mu.Unlock()
		return 0, fmt.Errorf("cannot start connection from status %q", status)
	}

	epoch := c.epoch.advance()
	c.retryCount = 0
	c.connectedOnce = false
	c.channelOpen = false
	c.setStatusLocked(StatusConnecting, "")
	c.mu.Unlock()

	go c.connect(ctx, epoch, connectFn)

	return epoch, nil
}

func (c *connectionOrchestrator) connect(ctx context.Context, epoch uint64, connectFn func(ctx context.Context, epoch uint64) error) {
	ctx, span := tracer.Start(ctx, "connect session")
	defer span.End()

	if err := connectFn(ctx, epoch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.handleFailure(ctx, epoch, "connect_failed", func(retryCtx context.Context, retryEpoch uint64) {
			c.connect(retryCtx, retryEpoch, connectFn)
		})
		return
	}

	c.markConnected(epoch)
}

// markConnected transitions to connected and resets the retry budget.
// Stale epochs are discarded.
func (c *connectionOrchestrator) markConnected(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.epoch.isCurrent(epoch) {
		logger.Debug("discarding stale connect result", "epoch", epoch)
		return
	}

	c.retryCount = 0
	c.setStatusLocked(StatusConnected, "")
}

// stop is idempotent and callable from any state. It advances the epoch so
// every pending timer and callback becomes stale, then settles in stopped.
func (c *connectionOrchestrator) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch.advance()
	if c.retryTask != nil {
		c.retryTask.cancel()
		c.retryTask = nil
	}
	if c.watchdogTask != nil {
		c.watchdogTask.cancel()
		c.watchdogTask = nil
	}

	if c.status == StatusStopped {
		return
	}
	c.setStatusLocked(StatusStopped, "")
}

// handleICEState implements the ICE half of the transport boundary: mark
// connected once, arm the data-channel watchdog, and escalate failure.
func (c *connectionOrchestrator) handleICEState(ctx context.Context, epoch uint64, state string, retryFn func(context.Context, uint64)) {
	if !c.epoch.isCurrent(epoch) {
		return
	}

	switch state {
	case transport.ICEStateConnected, transport.ICEStateCompleted:
		c.mu.Lock()
		if c.connectedOnce {
			c.mu.Unlock()
			return
		}
		c.connectedOnce = true
		c.watchdogTask = scheduleEpochTask(c.epoch, epoch, c.watchdogDelay, func() {
			c.mu.Lock()
			channelOpen := c.channelOpen
			c.mu.Unlock()
			if !channelOpen {
				c.warn("data channel not open 2s after ICE connected")
			}
		})
		c.mu.Unlock()

	case transport.ICEStateDisconnected:
		c.warn("ICE connection degraded: disconnected")

	case transport.ICEStateFailed:
		c.warn("ICE connection degraded: failed")
		c.handleFailure(ctx, epoch, "connection_failed_"+state, retryFn)
	}
}

// handlePeerState implements the peer-connection half of the boundary.
func (c *connectionOrchestrator) handlePeerState(ctx context.Context, epoch uint64, state string, retryFn func(context.Context, uint64)) {
	if !c.epoch.isCurrent(epoch) {
		return
	}

	switch state {
	case transport.ConnectionStateFailed, transport.ConnectionStateDisconnected:
		c.handleFailure(ctx, epoch, state, retryFn)
	}
}

// noteDataChannelOpen records that the data channel delivered traffic,
// satisfying the watchdog.
func (c *connectionOrchestrator) noteDataChannelOpen(epoch uint64) {
	if !c.epoch.isCurrent(epoch) {
		return
	}
	c.mu.Lock()
	c.channelOpen = true
	c.mu.Unlock()
}

// handleFailure decides retry versus terminal error based on the retry
// budget, and schedules the retry under the current epoch.
func (c *connectionOrchestrator) handleFailure(ctx context.Context, epoch uint64, reason string, retryFn func(context.Context, uint64)) {
	c.mu.Lock()
	if !c.epoch.isCurrent(epoch) {
		c.mu.Unlock()
		return
	}
	if c.status == StatusStopped {
		c.mu.Unlock()
		return
	}

	if c.retryCount >= c.maxRetries || retryFn == nil {
		c.setStatusLocked(StatusError, reason)
		c.mu.Unlock()
		return
	}

	c.retryCount++
	attempt := c.retryCount
	delay := c.backoff(attempt)
	c.setStatusLocked(StatusReconnecting, reason)

	c.retryTask = scheduleEpochTask(c.epoch, epoch, delay, func() {
		retryFn(ctx, epoch)
	})
	c.mu.Unlock()

	logger.Info("scheduled connection retry", "attempt", attempt, "delay", delay.String(), "reason", reason)
}

func (c *connectionOrchestrator) warn(message string) {
	if c.callbacks.onWarning != nil {
		c.callbacks.onWarning(message)
	}
}

// setStatusLocked mutates status and notifies. Callers hold c.mu; the
// callback is invoked inline, so it must not call back into this component.
func (c *connectionOrchestrator) setStatusLocked(status ConnectionStatus, reason string) {
	if c.status == status && c.reason == reason {
		return
	}
	c.status = status
	c.reason = reason
	if c.callbacks.onStatusChanged != nil {
		c.callbacks.onStatusChanged(status, reason)
	}
}
