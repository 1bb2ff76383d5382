package events

const (
	// KindUserSpeechStarted identifies start of user speech activity.
	KindUserSpeechStarted Kind = "user_speech.started"
	// KindUserSpeechEnded identifies end of user speech activity.
	KindUserSpeechEnded Kind = "user_speech.ended"
	// KindTranscriptPartialUpdated identifies mutable per-role partial updates.
	KindTranscriptPartialUpdated Kind = "transcript.partial_updated"
	// KindTranscriptFinal identifies a finalized transcript entry.
	KindTranscriptFinal Kind = "transcript.final"
)

// UserSpeechStarted marks when user speech activity starts.
type UserSpeechStarted struct{ Base }

// NewUserSpeechStarted creates a user speech started event.
func NewUserSpeechStarted(opts ...BaseOption) UserSpeechStarted {
	return UserSpeechStarted{Base: NewBase(KindUserSpeechStarted, opts...)}
}

// UserSpeechEnded marks when user speech activity ends.
type UserSpeechEnded struct{ Base }

// NewUserSpeechEnded creates a user speech ended event.
func NewUserSpeechEnded(opts ...BaseOption) UserSpeechEnded {
	return UserSpeechEnded{Base: NewBase(KindUserSpeechEnded, opts...)}
}

// TranscriptPartialUpdated carries the mutable partial transcript for a role.
// An empty Text clears the role's partial.
type TranscriptPartialUpdated struct {
	Base
	Role string
	Text string
}

// NewTranscriptPartialUpdated creates a partial transcript update event.
func NewTranscriptPartialUpdated(role, text string, opts ...BaseOption) TranscriptPartialUpdated {
	return TranscriptPartialUpdated{Base: NewBase(KindTranscriptPartialUpdated, opts...), Role: role, Text: text}
}

// TranscriptFinal carries a finalized utterance entry.
//
// StartedAtMs is authoritative for ordering when non-zero; EmittedAtMs is
// the fallback ordering key. ItemID is the upstream conversation item
// identity when one exists, empty otherwise.
type TranscriptFinal struct {
	Base
	Role          string
	Text          string
	StartedAtMs   int64
	FinalizedAtMs int64
	EmittedAtMs   int64
	ItemID        string
}

// NewTranscriptFinal creates a finalized transcript event.
func NewTranscriptFinal(role, text string, startedAtMs, finalizedAtMs, emittedAtMs int64, itemID string, opts ...BaseOption) TranscriptFinal {
	return TranscriptFinal{
		Base:          NewBase(KindTranscriptFinal, opts...),
		Role:          role,
		Text:          text,
		StartedAtMs:   startedAtMs,
		FinalizedAtMs: finalizedAtMs,
		EmittedAtMs:   emittedAtMs,
		ItemID:        itemID,
	}
}
