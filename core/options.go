package orchestration

import (
	"context"
	"time"

	"github.com/danstonedev/emrsim-session/core/relay"
	"github.com/danstonedev/emrsim-session/core/speechtotext"
	"github.com/danstonedev/emrsim-session/core/transport"
)

type OrchestratorOption func(*Orchestrator)

// WithTransport wires the peer transport adapter. An orchestrator without
// a transport can still manage transcripts fed through SendText and the
// local speech source, but Start will fail.
func WithTransport(client transport.Transport) OrchestratorOption {
	return func(o *Orchestrator) {
		o.transport = client
	}
}

// WithRelayClient wires the backend transcript relay.
func WithRelayClient(client *relay.Client) OrchestratorOption {
	return func(o *Orchestrator) {
		o.relay = client
	}
}

type SpeechToText interface {
	Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error
	SendAudio(audio []byte) error
}

// WithSpeechToTextClient wires a local speech transcription source. Its
// partials and finals enter the same reconciliation pipeline as the data
// channel's; duplicates collapse through text and time proximity.
func WithSpeechToTextClient(client SpeechToText) OrchestratorOption {
	return func(o *Orchestrator) {
		o.speechToText.set(client)
	}
}

// WithMaxRetries overrides the reconnection budget per session.
func WithMaxRetries(maxRetries int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.maxRetries = maxRetries
	}
}

// WithBackoff overrides the retry delay curve.
func WithBackoff(backoff BackoffFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		o.backoff = backoff
	}
}

// WithDedupWindow overrides how far apart two finals with identical
// normalized text may be and still collapse into one entry.
func WithDedupWindow(window time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.dedupWindow = window
	}
}

// WithTypedMergeWindow overrides how old a typed entry may be and still
// absorb a voice final restating it.
func WithTypedMergeWindow(window time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.typedMergeWindow = window
	}
}

// WithGuardReleaseDelay overrides the fallback delay after which the
// initial assistant microphone guard releases on its own.
func WithGuardReleaseDelay(delay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.guardReleaseDelay = delay
	}
}

// WithInstructions sets the assistant instructions sent with every
// session configuration update.
func WithInstructions(instructions string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.instructions = instructions
	}
}

// WithDebugEnabled attaches raw payloads to debug entries. Off by default;
// payloads may carry user speech and should not reach logs unasked.
func WithDebugEnabled(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.debugEnabled = enabled
	}
}
