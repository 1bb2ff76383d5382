package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	events "github.com/danstonedev/emrsim-session/core/events"
	"github.com/danstonedev/emrsim-session/core/relay"
	"github.com/danstonedev/emrsim-session/core/transport"
)

type stubTransport struct {
	mu           sync.Mutex
	sent         [][]byte
	connectCalls int
	connectErr   error
	options      transport.ConnectOptions
}

func (s *stubTransport) Connect(_ context.Context, opts ...transport.ConnectOption) error {
	options := transport.ConnectOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	s.options = options
	return s.connectErr
}

func (s *stubTransport) Send(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, raw)
	return nil
}

func (s *stubTransport) Disconnect() error {
	return nil
}

func (s *stubTransport) deliver(message string) {
	s.mu.Lock()
	callback := s.options.MessageCallback
	s.mu.Unlock()
	if callback != nil {
		callback([]byte(message))
	}
}

func (s *stubTransport) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := make([]string, 0, len(s.sent))
	for _, raw := range s.sent {
		messages = append(messages, string(raw))
	}
	return messages
}

func awaitCondition(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestStartEstablishesSessionAndSendsConfiguration(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client))

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	defer o.Stop()

	awaitCondition(t, func() bool {
		status, _ := o.Status()
		return status == StatusConnected
	}, "connected status")

	client.deliver(`{"type":"session.created","session":{"id":"sess_1"}}`)

	awaitCondition(t, func() bool {
		return o.SessionIdentity().SessionID == "sess_1"
	}, "session id from session.created")

	var sawSessionUpdate bool
	for _, message := range client.sentMessages() {
		if strings.Contains(message, `"type":"session.update"`) {
			sawSessionUpdate = true
			if !strings.Contains(message, `"voice":"alloy"`) {
				t.Fatalf("expected default voice in session update, got %s", message)
			}
		}
	}
	if !sawSessionUpdate {
		t.Fatalf("expected a session.update after session.created, sent: %v", client.sentMessages())
	}
}

func TestStartWithoutTransportFails(t *testing.T) {
	o := NewOrchestrator()
	if err := o.Start(context.Background()); err == nil {
		t.Fatalf("expected start without transport to fail")
	}
}

func TestConnectFailuresExhaustRetryBudget(t *testing.T) {
	client := &stubTransport{connectErr: context.DeadlineExceeded}
	o := NewOrchestrator(
		WithTransport(client),
		WithMaxRetries(2),
		WithBackoff(func(int) time.Duration { return time.Millisecond }),
	)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	defer o.Stop()

	awaitCondition(t, func() bool {
		status, reason := o.Status()
		return status == StatusError && reason == "connect_failed"
	}, "terminal error status")

	client.mu.Lock()
	calls := client.connectCalls
	client.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 connection attempts with 2 retries, got %d", calls)
	}
}

func TestSendTextEmitsTypedFinalAndWireMessages(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client))

	var finals []events.TranscriptFinal
	var finalsMu sync.Mutex
	unsubscribe := o.AddListener(func(event events.Event) {
		if final, ok := event.(events.TranscriptFinal); ok {
			finalsMu.Lock()
			finals = append(finals, final)
			finalsMu.Unlock()
		}
	})
	defer unsubscribe()

	if err := o.SendText("Tell me about your symptoms"); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}

	messages := client.sentMessages()
	if len(messages) != 2 {
		t.Fatalf("expected item create and response request, got %v", messages)
	}
	if !strings.Contains(messages[0], `"type":"conversation.item.create"`) {
		t.Fatalf("expected conversation.item.create first, got %s", messages[0])
	}
	if !strings.Contains(messages[1], `"type":"response.create"`) {
		t.Fatalf("expected response.create second, got %s", messages[1])
	}

	finalsMu.Lock()
	defer finalsMu.Unlock()
	if len(finals) != 1 {
		t.Fatalf("expected one final event, got %d", len(finals))
	}
	if finals[0].Role != string(RoleUser) {
		t.Fatalf("expected user role, got %q", finals[0].Role)
	}
	if !strings.HasPrefix(finals[0].ItemID, "msg_") {
		t.Fatalf("expected client-generated item id, got %q", finals[0].ItemID)
	}
}

func TestSendTextIgnoresBlankMessages(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client))

	if err := o.SendText("   "); err != nil {
		t.Fatalf("expected blank send to be a no-op, got %v", err)
	}
	if len(client.sentMessages()) != 0 {
		t.Fatalf("expected no wire messages for blank text")
	}
}

func TestSendAudioDroppedWhileMicrophonePaused(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client))

	o.SetMicrophonePaused(true)
	if err := o.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("expected paused send to be a silent drop, got %v", err)
	}
	if len(client.sentMessages()) != 0 {
		t.Fatalf("expected no audio on the wire while paused")
	}

	o.SetMicrophonePaused(false)
	if err := o.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("expected unpaused send to succeed, got %v", err)
	}
	messages := client.sentMessages()
	if len(messages) != 1 || !strings.Contains(messages[0], `"type":"input_audio_buffer.append"`) {
		t.Fatalf("expected one audio append message, got %v", messages)
	}
}

func TestStaleEpochMessagesAreDiscarded(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client))

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	awaitCondition(t, func() bool {
		status, _ := o.Status()
		return status == StatusConnected
	}, "connected status")

	o.Stop()

	client.deliver(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"too late"}`)

	if finals := o.Transcripts(); len(finals) != 0 {
		t.Fatalf("expected stale-epoch transcript to be discarded, got %v", finals)
	}
}

func TestAssistantSpeechDrivesMicrophoneGuards(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client), WithGuardReleaseDelay(time.Hour))

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	defer o.Stop()

	awaitCondition(t, func() bool {
		status, _ := o.Status()
		return status == StatusConnected
	}, "connected status")

	if state := o.MicrophoneState(); !state.EffectivelyPaused {
		t.Fatalf("expected microphone paused by initial guard after start")
	}

	client.deliver(`{"type":"response.audio_transcript.delta","item_id":"item_a","delta":"It started"}`)

	state := o.MicrophoneState()
	var speaking bool
	for _, reason := range state.AutoPauseReasons {
		if reason == AutoPauseReasonAssistantSpeaking {
			speaking = true
		}
	}
	if !speaking {
		t.Fatalf("expected assistant-speaking pause during deltas, got %v", state.AutoPauseReasons)
	}

	client.deliver(`{"type":"response.audio_transcript.done","item_id":"item_a","transcript":"It started last week"}`)

	awaitCondition(t, func() bool {
		return !o.MicrophoneState().EffectivelyPaused
	}, "microphone release after assistant final")

	finals := o.Transcripts()
	if len(finals) != 1 || finals[0].Role != RoleAssistant {
		t.Fatalf("expected one assistant final, got %v", finals)
	}
	if finals[0].Text != "It started last week" {
		t.Fatalf("unexpected final text %q", finals[0].Text)
	}
}

func TestTypedMessageAbsorbsVoiceRestatement(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client))

	if err := o.SendText("Does it hurt at night"); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}

	o.handleUserTranscriptCompleted("item_9", "does it hurt at night")

	finals := o.Transcripts()
	if len(finals) != 1 {
		t.Fatalf("expected voice restatement to merge into typed entry, got %v", finals)
	}
	if finals[0].ItemID != "item_9" {
		t.Fatalf("expected merged entry to adopt voice item id, got %q", finals[0].ItemID)
	}
	if !finals[0].Typed {
		t.Fatalf("expected merged entry to remain typed")
	}
}

func TestStopFlushesFinalsHeldForOrdering(t *testing.T) {
	o := NewOrchestrator()

	o.handleUserSpeechStarted()
	o.handleLocalInterim("I was wondering")

	time.Sleep(5 * time.Millisecond)
	o.handleAssistantTranscriptDelta("item_a", "Go ahead")
	o.handleAssistantTranscriptDone("item_a", "Go ahead, I am listening")

	if finals := o.Transcripts(); len(finals) != 0 {
		t.Fatalf("expected assistant final held behind open user partial, got %v", finals)
	}

	o.Stop()

	finals := o.Transcripts()
	if len(finals) != 1 || finals[0].Role != RoleAssistant {
		t.Fatalf("expected held assistant final flushed on stop, got %v", finals)
	}
}

func TestFailedTranscriptionDiscardsPartialAndUnblocksFinals(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client))

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	defer o.Stop()

	awaitCondition(t, func() bool {
		status, _ := o.Status()
		return status == StatusConnected
	}, "connected status")

	client.deliver(`{"type":"conversation.item.input_audio_transcription.delta","item_id":"item_1","delta":"I was about to"}`)

	time.Sleep(5 * time.Millisecond)
	client.deliver(`{"type":"response.audio_transcript.delta","item_id":"item_a","delta":"Take your"}`)
	client.deliver(`{"type":"response.audio_transcript.done","item_id":"item_a","transcript":"Take your time"}`)

	if finals := o.Transcripts(); len(finals) != 0 {
		t.Fatalf("expected assistant final held behind open user partial, got %v", finals)
	}

	client.deliver(`{"type":"conversation.item.input_audio_transcription.failed","item_id":"item_1"}`)

	finals := o.Transcripts()
	if len(finals) != 1 || finals[0].Role != RoleAssistant {
		t.Fatalf("expected held assistant final flushed after transcription failure, got %v", finals)
	}
	if partials := o.transcripts.openPartials(); len(partials) != 0 {
		t.Fatalf("expected no open partials after transcription failure, got %v", partials)
	}
}

func TestFinalEventTimestampReflectsSpeechStart(t *testing.T) {
	o := NewOrchestrator()

	var finals []events.TranscriptFinal
	var finalsMu sync.Mutex
	unsubscribe := o.AddListener(func(event events.Event) {
		if final, ok := event.(events.TranscriptFinal); ok {
			finalsMu.Lock()
			finals = append(finals, final)
			finalsMu.Unlock()
		}
	})
	defer unsubscribe()

	o.handleUserSpeechStarted()
	time.Sleep(20 * time.Millisecond)
	o.handleUserTranscriptCompleted("item_1", "Good morning")

	finalsMu.Lock()
	defer finalsMu.Unlock()
	if len(finals) != 1 {
		t.Fatalf("expected one final event, got %d", len(finals))
	}
	if finals[0].StartedAtMs == 0 {
		t.Fatalf("expected speech start time on the final")
	}
	if got := finals[0].Timestamp().UnixMilli(); got != finals[0].StartedAtMs {
		t.Fatalf("expected event timestamp %d to match speech start %d", got, finals[0].StartedAtMs)
	}
}

func TestBroadcastEntriesAreNotRelayedBack(t *testing.T) {
	posts := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts <- r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	relayClient := relay.NewClient(relay.WithEnabled(true), relay.WithBaseURL(server.URL))
	relayClient.SetSessionID("sess_1")

	o := NewOrchestrator(WithRelayClient(relayClient))

	o.handleBroadcast(relay.Entry{
		Role:        "assistant",
		Text:        "From another participant",
		IsFinal:     true,
		TimestampMs: time.Now().UnixMilli(),
		ItemID:      "item_remote",
	})

	finals := o.Transcripts()
	if len(finals) != 1 || finals[0].Text != "From another participant" {
		t.Fatalf("expected broadcast entry emitted locally, got %v", finals)
	}

	select {
	case path := <-posts:
		t.Fatalf("expected no relay of broadcast entries, got POST %s", path)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalFinalIsRelayedOnce(t *testing.T) {
	posts := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts <- r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	relayClient := relay.NewClient(relay.WithEnabled(true), relay.WithBaseURL(server.URL))
	relayClient.SetSessionID("sess_1")

	o := NewOrchestrator(WithRelayClient(relayClient))

	o.handleUserTranscriptCompleted("item_1", "My shoulder aches")

	select {
	case path := <-posts:
		if path != "/sessions/sess_1/transcripts" {
			t.Fatalf("unexpected relay path %s", path)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected final to be relayed")
	}

	o.handleUserTranscriptCompleted("item_1", "My shoulder aches")

	select {
	case path := <-posts:
		t.Fatalf("expected duplicate item id to be suppressed, got POST %s", path)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerUnsubscribeStopsDelivery(t *testing.T) {
	o := NewOrchestrator()

	var count int
	var countMu sync.Mutex
	unsubscribe := o.AddListener(func(events.Event) {
		countMu.Lock()
		count++
		countMu.Unlock()
	})

	o.SetMicrophonePaused(true)
	countMu.Lock()
	first := count
	countMu.Unlock()
	if first == 0 {
		t.Fatalf("expected listener to observe microphone change")
	}

	unsubscribe()
	unsubscribe()

	o.SetMicrophonePaused(false)
	countMu.Lock()
	defer countMu.Unlock()
	if count != first {
		t.Fatalf("expected no delivery after unsubscribe, got %d extra", count-first)
	}
}

func TestDebugHistoryRecordsDataChannelTraffic(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client), WithDebugEnabled(true))

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	defer o.Stop()

	awaitCondition(t, func() bool {
		status, _ := o.Status()
		return status == StatusConnected
	}, "connected status")

	client.deliver(`{"type":"session.created","session":{"id":"sess_1"}}`)
	client.deliver(`{"type":"response.done"}`)

	var eventEntries int
	for _, entry := range o.DebugHistory() {
		if entry.Kind == DebugKindEvent {
			eventEntries++
			if entry.Data == nil {
				t.Fatalf("expected payload attached with debug enabled")
			}
		}
	}
	if eventEntries != 2 {
		t.Fatalf("expected exactly one debug event per message, got %d", eventEntries)
	}
}

func TestVoiceSettingChangesPushSessionUpdateWhileConnected(t *testing.T) {
	client := &stubTransport{}
	o := NewOrchestrator(WithTransport(client))

	o.SetVoiceOverride("verse")
	if len(client.sentMessages()) != 0 {
		t.Fatalf("expected no session update while disconnected")
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	defer o.Stop()

	awaitCondition(t, func() bool {
		status, _ := o.Status()
		return status == StatusConnected
	}, "connected status")

	o.SetReplyLanguage("Spanish")

	var update string
	for _, message := range client.sentMessages() {
		if strings.Contains(message, `"type":"session.update"`) {
			update = message
		}
	}
	if update == "" {
		t.Fatalf("expected a session update on the wire")
	}

	var payload struct {
		Session struct {
			Voice        string `json:"voice"`
			Instructions string `json:"instructions"`
		} `json:"session"`
	}
	if err := json.Unmarshal([]byte(update), &payload); err != nil {
		t.Fatalf("failed to decode session update: %v", err)
	}
	if payload.Session.Voice != "verse" {
		t.Fatalf("expected voice override carried, got %q", payload.Session.Voice)
	}
	if !strings.Contains(payload.Session.Instructions, "Always reply in Spanish.") {
		t.Fatalf("expected reply-language steering, got %q", payload.Session.Instructions)
	}
}
