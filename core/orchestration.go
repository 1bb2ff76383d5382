package orchestration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	events "github.com/danstonedev/emrsim-session/core/events"
	"github.com/danstonedev/emrsim-session/core/relay"
	"github.com/danstonedev/emrsim-session/core/transport"
)

// Orchestrator coordinates one realtime conversation session: the peer
// transport, connection retry policy, microphone pause state, voice
// configuration, transcript reconciliation, and the backend relay.
//
// Contract: one session at a time per instance. Start after Stop begins a
// fresh session under a new epoch; transcripts accumulated so far survive.
type Orchestrator struct {
	epoch operationEpoch

	transport    transport.Transport
	relay        *relay.Client
	speechToText speechToText

	maxRetries        int
	backoff           BackoffFunc
	dedupWindow       time.Duration
	typedMergeWindow  time.Duration
	guardReleaseDelay time.Duration
	debugEnabled      bool

	lifecycle   *sessionLifecycle
	voice       *voiceConfig
	mic         *micControl
	transcripts *transcriptCoordinator
	connection  *connectionOrchestrator
	dispatcher  *eventDispatcher
	listeners   *listenerRegistry

	configMu     sync.RWMutex
	instructions string
	baseContext  context.Context

	speechMu                 sync.Mutex
	userSpeechStartedAt      int64
	assistantSpeechStartedAt int64
	userDeltas               map[string]string
	assistantDeltas          map[string]string
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		maxRetries:        DefaultMaxRetries,
		backoff:           DefaultBackoff,
		dedupWindow:       DefaultDedupWindow,
		typedMergeWindow:  DefaultTypedMergeWindow,
		guardReleaseDelay: DefaultGuardRelease,
		baseContext:       context.Background(),
		voice:             newVoiceConfig(),
		listeners:         newListenerRegistry(),
		userDeltas:        map[string]string{},
		assistantDeltas:   map[string]string{},
	}

	for _, opt := range opts {
		opt(o)
	}

	o.lifecycle = newSessionLifecycle(func(identity SessionIdentity) {
		o.relay.SetSessionID(identity.SessionID)
		o.listeners.emitEvent(events.NewSessionIdentityChanged(
			identity.SessionID, identity.PersonaID, identity.ScenarioID, identity.ExternalSessionID))
	})
	o.mic = newMicControl(func(state MicrophoneState) {
		o.listeners.emitEvent(events.NewMicrophoneStateChanged(
			state.UserPaused, state.AutoPauseReasons, state.EffectivelyPaused))
	})
	o.transcripts = newTranscriptCoordinator(o.dedupWindow, o.typedMergeWindow, o.relay.Enabled())
	o.connection = newConnectionOrchestrator(&o.epoch, o.maxRetries, o.backoff, connectionCallbacks{
		onStatusChanged: func(status ConnectionStatus, reason string) {
			o.listeners.emitEvent(events.NewSessionStatusChanged(string(status), reason))
		},
		onWarning: o.warn,
	})
	o.dispatcher = newEventDispatcher(o.dispatcherHooks(), o.debugEnabled, o.listeners.emitDebug)

	return o
}

// Start opens a new session under a fresh epoch. Every async callback of
// the previous session becomes stale the moment this returns.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.transport == nil {
		return fmt.Errorf("cannot start session without a transport")
	}

	o.configMu.Lock()
	o.baseContext = ctx
	o.configMu.Unlock()

	epoch, err := o.connection.start(ctx, o.connectAttempt)
	if err != nil {
		return err
	}

	o.mic.armInitialGuard(&o.epoch, epoch, o.guardReleaseDelay)

	// A failing local speech source degrades to data-channel transcription
	// only; it never takes the session down.
	if err := o.speechToText.start(ctx, speechToTextCallbacks{
		onSpeechStarted:        o.handleUserSpeechStarted,
		onSpeechEnded:          o.handleUserSpeechEnded,
		onInterimTranscription: o.handleLocalInterim,
		onTranscription:        o.handleLocalFinal,
	}); err != nil {
		o.warn(fmt.Sprintf("local speech source failed to start: %v", err))
	}

	return nil
}

// Stop tears the session down and flushes transcripts held for ordering.
// Idempotent; safe from any state.
func (o *Orchestrator) Stop() {
	o.connection.stop()
	o.mic.cancelTimers()

	ctx := o.context()
	if o.transport != nil {
		if err := o.transport.Disconnect(); err != nil {
			recordedErr := fmt.Errorf("failed to disconnect transport: %w", err)
			span := trace.SpanFromContext(ctx)
			span.RecordError(recordedErr)
			span.SetStatus(codes.Error, recordedErr.Error())
		}
	}
	if err := o.speechToText.Close(ctx); err != nil {
		recordedErr := fmt.Errorf("failed to close local speech source: %w", err)
		span := trace.SpanFromContext(ctx)
		span.RecordError(recordedErr)
		span.SetStatus(codes.Error, recordedErr.Error())
	}

	o.dispatchOutcomes(o.transcripts.drain(), true)

	o.relay.Close()
	o.lifecycle.clearSession()
}

func (o *Orchestrator) connectAttempt(ctx context.Context, epoch uint64) error {
	return o.transport.Connect(ctx,
		transport.WithEpoch(epoch),
		transport.WithMessageCallback(func(raw []byte) {
			if !o.epoch.isCurrent(epoch) {
				logger.Debug("discarding data-channel message from stale epoch", "epoch", epoch)
				return
			}
			o.connection.noteDataChannelOpen(epoch)
			o.dispatcher.handleMessage(raw)
		}),
		transport.WithICEStateCallback(func(state string) {
			o.connection.handleICEState(ctx, epoch, state, o.retryConnect)
		}),
		transport.WithConnectionStateCallback(func(state string) {
			// A close initiated on our side is teardown, not failure.
			if state == transport.ConnectionStateClosed {
				return
			}
			o.connection.handlePeerState(ctx, epoch, state, o.retryConnect)
		}),
	)
}

func (o *Orchestrator) retryConnect(ctx context.Context, epoch uint64) {
	if err := o.transport.Disconnect(); err != nil {
		logger.Debug("disconnect before retry failed", "error", err)
	}
	o.connection.connect(ctx, epoch, o.connectAttempt)
}

func (o *Orchestrator) dispatcherHooks() dispatcherHooks {
	return dispatcherHooks{
		onSessionCreated: o.handleSessionCreated,
		onSessionUpdated: func() {
			logger.Debug("session configuration acknowledged")
		},
		onSpeechStarted:            o.handleUserSpeechStarted,
		onSpeechStopped:            o.handleUserSpeechEnded,
		onUserTranscriptDelta:      o.handleUserTranscriptDelta,
		onUserTranscriptCompleted:  o.handleUserTranscriptCompleted,
		onUserTranscriptFailed:     o.handleUserTranscriptFailed,
		onAssistantTranscriptDelta: o.handleAssistantTranscriptDelta,
		onAssistantTranscriptDone:  o.handleAssistantTranscriptDone,
		onResponseDone:             o.handleResponseDone,
		onConversationItemCreated: func(itemID, role string) {
			logger.Debug("conversation item created", "item_id", itemID, "role", role)
		},
		onProtocolError: func(code, message string) {
			logger.Warn("protocol error on data channel", "code", code, "message", message)
		},
	}
}

func (o *Orchestrator) handleSessionCreated(sessionID string) {
	o.lifecycle.setSessionID(sessionID)

	raw, err := o.voice.sessionUpdateMessage(o.currentInstructions())
	if err != nil {
		o.warn("failed to build session configuration: " + err.Error())
	} else if err := o.transport.Send(raw); err != nil {
		o.warn("failed to send session configuration: " + err.Error())
	}

	if o.relay.Enabled() {
		ctx := o.context()
		go func() {
			if err := o.relay.InitializeSocket(ctx, sessionID, o.handleBroadcast); err != nil {
				o.warn("failed to join broadcast channel: " + err.Error())
			}
		}()
	}
}

func (o *Orchestrator) handleUserSpeechStarted() {
	o.speechMu.Lock()
	started := o.userSpeechStartedAt == 0
	if started {
		o.userSpeechStartedAt = time.Now().UnixMilli()
	}
	o.speechMu.Unlock()

	// Data channel and local speech source both report speech start; only
	// the first report per utterance is surfaced.
	if started {
		o.listeners.emitEvent(events.NewUserSpeechStarted())
	}
}

func (o *Orchestrator) handleUserSpeechEnded() {
	o.listeners.emitEvent(events.NewUserSpeechEnded())
}

func (o *Orchestrator) handleUserTranscriptDelta(itemID, delta string) {
	o.speechMu.Lock()
	o.userDeltas[itemID] += delta
	text := o.userDeltas[itemID]
	startedAt := o.userSpeechStartedAt
	o.speechMu.Unlock()

	o.dispatchOutcomes(o.transcripts.apply(RoleUser, text, false,
		TranscriptTimings{StartedAtMs: startedAt}, itemID), true)
}

func (o *Orchestrator) handleUserTranscriptCompleted(itemID, transcript string) {
	o.speechMu.Lock()
	if transcript == "" {
		transcript = o.userDeltas[itemID]
	}
	delete(o.userDeltas, itemID)
	startedAt := o.userSpeechStartedAt
	o.userSpeechStartedAt = 0
	o.speechMu.Unlock()

	o.dispatchOutcomes(o.transcripts.apply(RoleUser, transcript, true,
		TranscriptTimings{StartedAtMs: startedAt, FinalizedAtMs: time.Now().UnixMilli()}, itemID), true)
}

// handleUserTranscriptFailed discards an utterance whose transcription
// failed upstream. The open partial is retired so it stops blocking
// later-keyed finals of the other role.
func (o *Orchestrator) handleUserTranscriptFailed(itemID string) {
	o.speechMu.Lock()
	delete(o.userDeltas, itemID)
	o.userSpeechStartedAt = 0
	o.speechMu.Unlock()

	o.warn("transcription failed, discarding partial utterance")
	o.dispatchOutcomes(o.transcripts.clearPartial(RoleUser), true)
}

func (o *Orchestrator) handleAssistantTranscriptDelta(itemID, delta string) {
	o.speechMu.Lock()
	first := o.assistantSpeechStartedAt == 0
	if first {
		o.assistantSpeechStartedAt = time.Now().UnixMilli()
	}
	o.assistantDeltas[itemID] += delta
	text := o.assistantDeltas[itemID]
	startedAt := o.assistantSpeechStartedAt
	o.speechMu.Unlock()

	if first {
		o.mic.setAutoPaused(AutoPauseReasonAssistantSpeaking, true)
	}

	o.dispatchOutcomes(o.transcripts.apply(RoleAssistant, text, false,
		TranscriptTimings{StartedAtMs: startedAt}, itemID), true)
}

func (o *Orchestrator) handleAssistantTranscriptDone(itemID, transcript string) {
	o.speechMu.Lock()
	if transcript == "" {
		transcript = o.assistantDeltas[itemID]
	}
	delete(o.assistantDeltas, itemID)
	startedAt := o.assistantSpeechStartedAt
	o.assistantSpeechStartedAt = 0
	o.speechMu.Unlock()

	o.dispatchOutcomes(o.transcripts.apply(RoleAssistant, transcript, true,
		TranscriptTimings{StartedAtMs: startedAt, FinalizedAtMs: time.Now().UnixMilli()}, itemID), true)

	o.mic.releaseInitialGuard()
	o.mic.setAutoPaused(AutoPauseReasonAssistantSpeaking, false)
}

func (o *Orchestrator) handleResponseDone() {
	o.mic.releaseInitialGuard()
	o.mic.setAutoPaused(AutoPauseReasonAssistantSpeaking, false)
}

func (o *Orchestrator) handleLocalInterim(transcript string) {
	o.speechMu.Lock()
	startedAt := o.userSpeechStartedAt
	o.speechMu.Unlock()

	o.dispatchOutcomes(o.transcripts.apply(RoleUser, transcript, false,
		TranscriptTimings{StartedAtMs: startedAt}, ""), true)
}

func (o *Orchestrator) handleLocalFinal(transcript string) {
	o.speechMu.Lock()
	startedAt := o.userSpeechStartedAt
	o.userSpeechStartedAt = 0
	o.speechMu.Unlock()

	o.dispatchOutcomes(o.transcripts.apply(RoleUser, transcript, true,
		TranscriptTimings{StartedAtMs: startedAt, FinalizedAtMs: time.Now().UnixMilli()}, ""), true)
}

// handleBroadcast feeds inbound relay entries through the same
// reconciliation pipeline as every other transcript source. Relay of the
// resulting outcomes is suppressed so the backend never sees its own
// entries echoed back.
func (o *Orchestrator) handleBroadcast(entry relay.Entry) {
	timings := TranscriptTimings{
		StartedAtMs:   entry.StartedAtMs,
		FinalizedAtMs: entry.FinalizedAtMs,
		EmittedAtMs:   entry.EmittedAtMs,
	}
	if timings.EmittedAtMs == 0 {
		timings.EmittedAtMs = entry.TimestampMs
	}

	o.dispatchOutcomes(o.transcripts.apply(Role(entry.Role), entry.Text, entry.IsFinal, timings, entry.ItemID), false)
}

func (o *Orchestrator) dispatchOutcomes(outcomes []transcriptOutcome, allowRelay bool) {
	for _, outcome := range outcomes {
		if outcome.partial {
			o.listeners.emitEvent(events.NewTranscriptPartialUpdated(
				string(outcome.entry.Role), outcome.entry.Text))
			continue
		}

		// Finals carry the speech start time as their event timestamp so
		// listeners can order them without decoding the payload.
		opts := []events.BaseOption{}
		if outcome.entry.StartedAtMs > 0 {
			opts = append(opts, events.WithTimestamp(time.UnixMilli(outcome.entry.StartedAtMs)))
		}
		o.listeners.emitEvent(events.NewTranscriptFinal(
			string(outcome.entry.Role), outcome.entry.Text,
			outcome.entry.StartedAtMs, outcome.entry.FinalizedAtMs, outcome.entry.EmittedAtMs,
			outcome.entry.ItemID, opts...))

		if allowRelay && outcome.relay && !outcome.merged {
			go o.relayFinal(outcome.entry)
		}
	}
}

// relayFinal forwards one finalized transcript to the backend. Failure
// falls back to local-only emission; the entry already reached listeners.
func (o *Orchestrator) relayFinal(entry TranscriptEntry) {
	err := o.relay.RelayFinal(o.context(), relay.Entry{
		Role:          string(entry.Role),
		Text:          entry.Text,
		IsFinal:       true,
		TimestampMs:   entry.orderingKey(),
		StartedAtMs:   entry.StartedAtMs,
		FinalizedAtMs: entry.FinalizedAtMs,
		EmittedAtMs:   entry.EmittedAtMs,
		ItemID:        entry.ItemID,
	})
	if err != nil {
		o.warn("transcript relay failed, keeping local copy: " + err.Error())
		return
	}
	o.transcripts.markRelayed(entry.Role, entry.ItemID)
}

type outboundContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outboundConversationItem struct {
	ID      string                `json:"id"`
	Type    string                `json:"type"`
	Role    string                `json:"role"`
	Content []outboundContentPart `json:"content"`
}

type conversationItemCreateMessage struct {
	Type string                   `json:"type"`
	Item outboundConversationItem `json:"item"`
}

type responseCreateMessage struct {
	Type string `json:"type"`
}

type audioBufferAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// SendText submits a typed user message: a conversation item plus a
// response request on the wire, and an immediately-final typed transcript
// entry locally. A voice transcript restating the same text shortly after
// updates that entry instead of double-rendering it.
func (o *Orchestrator) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	itemID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	itemMsg, err := json.Marshal(conversationItemCreateMessage{
		Type: "conversation.item.create",
		Item: outboundConversationItem{
			ID:      itemID,
			Type:    "message",
			Role:    "user",
			Content: []outboundContentPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal conversation item: %w", err)
	}
	responseMsg, err := json.Marshal(responseCreateMessage{Type: "response.create"})
	if err != nil {
		return fmt.Errorf("failed to marshal response request: %w", err)
	}

	if o.transport != nil {
		if err := o.transport.Send(itemMsg); err != nil {
			return fmt.Errorf("failed to send typed message: %w", err)
		}
		if err := o.transport.Send(responseMsg); err != nil {
			return fmt.Errorf("failed to request response: %w", err)
		}
	}

	o.dispatchOutcomes(o.transcripts.applyTyped(text, itemID), true)

	return nil
}

// SendAudio forwards one audio frame to the local speech source and the
// data channel. Frames are dropped while the microphone is effectively
// paused, whether by the user or by an auto-pause reason.
func (o *Orchestrator) SendAudio(audio []byte) error {
	if o.mic.isEffectivelyPaused() {
		return nil
	}

	if err := o.speechToText.SendAudio(audio); err != nil {
		logger.Warn("failed to forward audio to local speech source", "error", err)
	}

	if o.transport == nil {
		return nil
	}
	msg, err := json.Marshal(audioBufferAppendMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audio frame: %w", err)
	}
	return o.transport.Send(msg)
}

func (o *Orchestrator) SetMicrophonePaused(paused bool) {
	o.mic.setUserPaused(paused)
}

func (o *Orchestrator) MicrophoneState() MicrophoneState {
	return o.mic.state()
}

func (o *Orchestrator) SetPersonaID(personaID string) {
	o.lifecycle.setPersonaID(personaID)
}

func (o *Orchestrator) SetScenarioID(scenarioID string) {
	o.lifecycle.setScenarioID(scenarioID)
}

func (o *Orchestrator) SetExternalSessionID(externalSessionID string) {
	o.lifecycle.setExternalSessionID(externalSessionID)
}

func (o *Orchestrator) SessionIdentity() SessionIdentity {
	return o.lifecycle.snapshot()
}

func (o *Orchestrator) SetVoiceOverride(voice string) {
	o.voice.setVoiceOverride(voice)
	o.pushSessionUpdate()
}

func (o *Orchestrator) SetInputLanguage(language string) {
	o.voice.setInputLanguage(language)
	o.pushSessionUpdate()
}

func (o *Orchestrator) SetReplyLanguage(language string) {
	o.voice.setReplyLanguage(language)
	o.pushSessionUpdate()
}

func (o *Orchestrator) SetModel(model string) {
	o.voice.setModel(model)
	o.pushSessionUpdate()
}

func (o *Orchestrator) SetInstructions(instructions string) {
	o.configMu.Lock()
	o.instructions = instructions
	o.configMu.Unlock()
	o.pushSessionUpdate()
}

func (o *Orchestrator) VoiceSettings() VoiceSettings {
	return o.voice.snapshot()
}

// pushSessionUpdate resends the session configuration over a live data
// channel. Off-session configuration changes apply on the next connect.
func (o *Orchestrator) pushSessionUpdate() {
	status, _ := o.connection.currentStatus()
	if status != StatusConnected || o.transport == nil {
		return
	}

	raw, err := o.voice.sessionUpdateMessage(o.currentInstructions())
	if err != nil {
		o.warn("failed to build session configuration: " + err.Error())
		return
	}
	if err := o.transport.Send(raw); err != nil {
		o.warn("failed to send session configuration: " + err.Error())
	}
}

func (o *Orchestrator) Status() (ConnectionStatus, string) {
	return o.connection.currentStatus()
}

// Transcripts returns emitted finals in emission order.
func (o *Orchestrator) Transcripts() []TranscriptEntry {
	return o.transcripts.finals()
}

// AddListener subscribes to domain events. The returned function
// unsubscribes; calling it twice is a no-op.
func (o *Orchestrator) AddListener(listener func(events.Event)) func() {
	return o.listeners.addEventListener(listener)
}

// AddDebugListener subscribes to the ordered debug/observability stream.
func (o *Orchestrator) AddDebugListener(listener func(DebugEntry)) func() {
	return o.listeners.addDebugListener(listener)
}

// DebugHistory returns the retained tail of the debug stream.
func (o *Orchestrator) DebugHistory() []DebugEntry {
	return o.listeners.history()
}

func (o *Orchestrator) warn(message string) {
	logger.Warn(message)
	o.listeners.emitDebug(DebugEntry{
		Timestamp: time.Now(),
		Kind:      DebugKindWarn,
		Source:    "orchestrator",
		Message:   message,
	})
}

func (o *Orchestrator) currentInstructions() string {
	o.configMu.RLock()
	defer o.configMu.RUnlock()
	return o.instructions
}

func (o *Orchestrator) context() context.Context {
	o.configMu.RLock()
	defer o.configMu.RUnlock()
	return o.baseContext
}
