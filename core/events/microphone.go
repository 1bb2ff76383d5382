package events

// KindMicrophoneStateChanged identifies microphone pause-state changes.
const KindMicrophoneStateChanged Kind = "microphone.state_changed"

// MicrophoneStateChanged carries the microphone pause state after a change.
// EffectivelyPaused is the derived OR of UserPaused and AutoPauseReasons.
type MicrophoneStateChanged struct {
	Base
	UserPaused        bool
	AutoPauseReasons  []string
	EffectivelyPaused bool
}

// NewMicrophoneStateChanged creates a microphone state change event.
func NewMicrophoneStateChanged(userPaused bool, autoPauseReasons []string, effectivelyPaused bool, opts ...BaseOption) MicrophoneStateChanged {
	return MicrophoneStateChanged{
		Base:              NewBase(KindMicrophoneStateChanged, opts...),
		UserPaused:        userPaused,
		AutoPauseReasons:  autoPauseReasons,
		EffectivelyPaused: effectivelyPaused,
	}
}
