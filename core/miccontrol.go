package orchestration

import (
	"sort"
	"sync"
	"time"
)

// Auto-pause reason keys. Multiple reasons may hold the microphone paused
// at once; the microphone only resumes when the user flag and every reason
// are cleared.
const (
	// AutoPauseReasonInitialAssistantGuard holds the microphone closed after
	// session start until the assistant's first finalized utterance, so the
	// microphone does not pick up the assistant's own audio as user speech
	// before playback routing stabilizes.
	AutoPauseReasonInitialAssistantGuard = "initial-assistant-guard"
	// AutoPauseReasonAssistantSpeaking holds the microphone closed while
	// assistant audio is actively playing.
	AutoPauseReasonAssistantSpeaking = "assistant-speaking"
)

// DefaultGuardRelease is the fallback delay after which the initial
// assistant guard releases even if no assistant final arrived.
const DefaultGuardRelease = 6 * time.Second

// MicrophoneState is a point-in-time view of microphone pause state.
// EffectivelyPaused is derived; callers must not cache their own copy.
type MicrophoneState struct {
	UserPaused        bool
	AutoPauseReasons  []string
	EffectivelyPaused bool
}

// micControl is the pause/resume state machine. User intent and auto-pause
// reasons are independent: clearing every auto reason does not clear the
// user flag, and vice versa.
type micControl struct {
	mu            sync.Mutex
	userPaused    bool
	autoReasons   map[string]struct{}
	guardReleased bool
	guardTask     *scheduledTask
	onChange      func(MicrophoneState)
}

func newMicControl(onChange func(MicrophoneState)) *micControl {
	return &micControl{
		autoReasons: map[string]struct{}{},
		onChange:    onChange,
	}
}

func (m *micControl) state() MicrophoneState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *micControl) stateLocked() MicrophoneState {
	reasons := make([]string, 0, len(m.autoReasons))
	for reason := range m.autoReasons {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	return MicrophoneState{
		UserPaused:        m.userPaused,
		AutoPauseReasons:  reasons,
		EffectivelyPaused: m.userPaused || len(reasons) > 0,
	}
}

func (m *micControl) isEffectivelyPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userPaused || len(m.autoReasons) > 0
}

func (m *micControl) setUserPaused(paused bool) {
	m.mu.Lock()
	if m.userPaused == paused {
		m.mu.Unlock()
		return
	}
	m.userPaused = paused
	state := m.stateLocked()
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(state)
	}
}

// setAutoPaused adds or removes a reason with set semantics; repeated adds
// and removes of the same reason are no-ops.
func (m *micControl) setAutoPaused(reason string, paused bool) {
	m.mu.Lock()
	_, present := m.autoReasons[reason]
	if paused == present {
		m.mu.Unlock()
		return
	}
	if paused {
		m.autoReasons[reason] = struct{}{}
	} else {
		delete(m.autoReasons, reason)
	}
	state := m.stateLocked()
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(state)
	}
}

// armInitialGuard pauses the microphone under the initial-assistant guard
// and schedules its fallback release. Called once per session start; the
// release timer is scoped to the session's epoch so it cannot fire after
// stop.
func (m *micControl) armInitialGuard(epoch *operationEpoch, owner uint64, releaseAfter time.Duration) {
	m.mu.Lock()
	m.guardReleased = false
	if m.guardTask != nil {
		m.guardTask.cancel()
	}
	m.mu.Unlock()

	m.setAutoPaused(AutoPauseReasonInitialAssistantGuard, true)

	m.mu.Lock()
	m.guardTask = scheduleEpochTask(epoch, owner, releaseAfter, m.releaseInitialGuard)
	m.mu.Unlock()
}

// releaseInitialGuard releases the guard exactly once per session;
// releasing twice is a no-op.
func (m *micControl) releaseInitialGuard() {
	m.mu.Lock()
	if m.guardReleased {
		m.mu.Unlock()
		return
	}
	m.guardReleased = true
	if m.guardTask != nil {
		m.guardTask.cancel()
		m.guardTask = nil
	}
	m.mu.Unlock()

	m.setAutoPaused(AutoPauseReasonInitialAssistantGuard, false)
}

// cancelTimers neutralizes pending guard timers. Auto-pause reasons are
// cleared so the next session starts from a clean slate; the user flag is
// explicit intent and survives.
func (m *micControl) cancelTimers() {
	m.mu.Lock()
	if m.guardTask != nil {
		m.guardTask.cancel()
		m.guardTask = nil
	}
	changed := len(m.autoReasons) > 0
	m.autoReasons = map[string]struct{}{}
	state := m.stateLocked()
	onChange := m.onChange
	m.mu.Unlock()

	if changed && onChange != nil {
		onChange(state)
	}
}
