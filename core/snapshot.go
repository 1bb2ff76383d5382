package orchestration

import "github.com/jinzhu/copier"

// Snapshot is a point-in-time copy of observable session state. Mutating
// it has no effect on the live session.
type Snapshot struct {
	Status       ConnectionStatus
	StatusReason string
	Identity     SessionIdentity
	Voice        VoiceSettings
	Microphone   MicrophoneState
	Transcripts  []TranscriptEntry
	OpenPartials map[Role]TranscriptEntry
}

func (o *Orchestrator) Snapshot() Snapshot {
	status, reason := o.connection.currentStatus()
	snapshot := Snapshot{
		Status:       status,
		StatusReason: reason,
		Identity:     o.lifecycle.snapshot(),
		Voice:        o.voice.snapshot(),
		Microphone:   o.mic.state(),
	}
	copier.Copy(&snapshot.Transcripts, o.transcripts.finals())
	copier.Copy(&snapshot.OpenPartials, o.transcripts.openPartials())
	return snapshot
}
