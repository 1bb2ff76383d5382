package orchestration

import (
	"encoding/json"
	"strings"
	"time"
)

// Debug entry kinds for the observability stream.
const (
	DebugKindEvent = "event"
	DebugKindWarn  = "warn"
	DebugKindError = "error"
)

// DebugEntry is one item of the ordered debug/observability stream.
// Entries preserve arrival order; they are observability, not domain truth.
type DebugEntry struct {
	Timestamp time.Time
	Kind      string
	Source    string
	Message   string
	Data      map[string]any
}

// eventFamily is the closed classification of inbound data-channel message
// types. Classification is exhaustive: anything unrecognized lands in
// familyUnknown and must never halt the dispatcher.
type eventFamily string

const (
	familySession          eventFamily = "session"
	familySpeech           eventFamily = "speech"
	familyTranscription    eventFamily = "transcription"
	familyAssistant        eventFamily = "assistant"
	familyConversationItem eventFamily = "conversation-item"
	familyError            eventFamily = "error"
	familyUnknown          eventFamily = "unknown"
)

func classifyEventType(eventType string) eventFamily {
	switch {
	case eventType == "error":
		return familyError
	case strings.Contains(eventType, "input_audio_transcription"):
		return familyTranscription
	case strings.HasPrefix(eventType, "session."):
		return familySession
	case strings.HasPrefix(eventType, "input_audio_buffer."):
		return familySpeech
	case strings.HasPrefix(eventType, "response."):
		return familyAssistant
	case strings.HasPrefix(eventType, "conversation.item."):
		return familyConversationItem
	default:
		return familyUnknown
	}
}

// dataChannelMessage is the superset envelope of data-channel payloads.
// Only the fields a family handler consumes are decoded.
type dataChannelMessage struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	ItemID     string `json:"item_id"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`

	Session struct {
		ID string `json:"id"`
	} `json:"session"`

	Item struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"item"`

	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// dispatcherHooks is the narrow command surface family handlers drive.
// Hooks are wired by the root orchestrator and already epoch-guarded.
type dispatcherHooks struct {
	onSessionCreated           func(sessionID string)
	onSessionUpdated           func()
	onSpeechStarted            func()
	onSpeechStopped            func()
	onUserTranscriptDelta      func(itemID, delta string)
	onUserTranscriptCompleted  func(itemID, transcript string)
	onUserTranscriptFailed     func(itemID string)
	onAssistantTranscriptDelta func(itemID, delta string)
	onAssistantTranscriptDone  func(itemID, transcript string)
	onResponseDone             func()
	onConversationItemCreated  func(itemID, role string)
	onProtocolError            func(code, message string)
}

// eventDispatcher classifies inbound protocol messages and routes them to
// family handlers. Every message produces exactly one debug event
// regardless of handler outcome; malformed JSON is dropped, never thrown.
type eventDispatcher struct {
	hooks        dispatcherHooks
	debugEnabled bool
	emitDebug    func(DebugEntry)
}

func newEventDispatcher(hooks dispatcherHooks, debugEnabled bool, emitDebug func(DebugEntry)) *eventDispatcher {
	if emitDebug == nil {
		emitDebug = func(DebugEntry) {}
	}
	return &eventDispatcher{hooks: hooks, debugEnabled: debugEnabled, emitDebug: emitDebug}
}

func (d *eventDispatcher) handleMessage(raw []byte) {
	var message dataChannelMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		logger.Warn("dropping malformed data-channel message", "error", err)
		d.emitDebug(DebugEntry{
			Timestamp: time.Now(),
			Kind:      DebugKindError,
			Source:    "data-channel",
			Message:   "malformed message dropped",
		})
		return
	}

	eventType := strings.ToLower(message.Type)
	family := classifyEventType(eventType)

	d.emitDebug(d.debugEntryFor(eventType, family, message, raw))

	switch family {
	case familySession:
		d.handleSession(eventType, message)
	case familySpeech:
		d.handleSpeech(eventType)
	case familyTranscription:
		d.handleTranscription(eventType, message)
	case familyAssistant:
		d.handleAssistant(eventType, message)
	case familyConversationItem:
		d.handleConversationItem(eventType, message)
	case familyError:
		if d.hooks.onProtocolError != nil {
			d.hooks.onProtocolError(message.Error.Code, message.Error.Message)
		}
	case familyUnknown:
		logger.Debug("ignoring unknown data-channel event", "type", eventType)
	}
}

func (d *eventDispatcher) debugEntryFor(eventType string, family eventFamily, message dataChannelMessage, raw []byte) DebugEntry {
	entry := DebugEntry{
		Timestamp: time.Now(),
		Kind:      DebugKindEvent,
		Source:    "data-channel",
		Message:   eventType,
	}
	if family == familyError {
		entry.Kind = DebugKindError
		if message.Error.Message != "" {
			entry.Message = eventType + ": " + message.Error.Message
		}
	}
	// Raw payloads are only attached when debugging is explicitly enabled.
	if d.debugEnabled {
		entry.Data = map[string]any{
			"family":  string(family),
			"payload": string(raw),
		}
	}
	return entry
}

func (d *eventDispatcher) handleSession(eventType string, message dataChannelMessage) {
	switch eventType {
	case "session.created":
		if d.hooks.onSessionCreated != nil {
			d.hooks.onSessionCreated(message.Session.ID)
		}
	case "session.updated":
		if d.hooks.onSessionUpdated != nil {
			d.hooks.onSessionUpdated()
		}
	}
}

func (d *eventDispatcher) handleSpeech(eventType string) {
	switch eventType {
	case "input_audio_buffer.speech_started":
		if d.hooks.onSpeechStarted != nil {
			d.hooks.onSpeechStarted()
		}
	case "input_audio_buffer.speech_stopped":
		if d.hooks.onSpeechStopped != nil {
			d.hooks.onSpeechStopped()
		}
	}
}

func (d *eventDispatcher) handleTranscription(eventType string, message dataChannelMessage) {
	itemID := message.ItemID
	if itemID == "" {
		itemID = message.Item.ID
	}

	switch {
	case strings.HasSuffix(eventType, ".delta"):
		if d.hooks.onUserTranscriptDelta != nil {
			d.hooks.onUserTranscriptDelta(itemID, message.Delta)
		}
	case strings.HasSuffix(eventType, ".completed"), strings.HasSuffix(eventType, ".done"):
		if d.hooks.onUserTranscriptCompleted != nil {
			d.hooks.onUserTranscriptCompleted(itemID, message.Transcript)
		}
	case strings.HasSuffix(eventType, ".failed"):
		if d.hooks.onUserTranscriptFailed != nil {
			d.hooks.onUserTranscriptFailed(itemID)
		}
	}
}

func (d *eventDispatcher) handleAssistant(eventType string, message dataChannelMessage) {
	switch eventType {
	case "response.audio_transcript.delta", "response.text.delta":
		if d.hooks.onAssistantTranscriptDelta != nil {
			d.hooks.onAssistantTranscriptDelta(message.ItemID, message.Delta)
		}
	case "response.audio_transcript.done", "response.text.done":
		if d.hooks.onAssistantTranscriptDone != nil {
			transcript := message.Transcript
			if transcript == "" {
				transcript = message.Delta
			}
			d.hooks.onAssistantTranscriptDone(message.ItemID, transcript)
		}
	case "response.done":
		if d.hooks.onResponseDone != nil {
			d.hooks.onResponseDone()
		}
	}
}

func (d *eventDispatcher) handleConversationItem(eventType string, message dataChannelMessage) {
	if eventType != "conversation.item.created" {
		return
	}
	if d.hooks.onConversationItemCreated != nil {
		d.hooks.onConversationItemCreated(message.Item.ID, message.Item.Role)
	}
}
