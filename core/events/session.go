package events

const (
	// KindSessionStatusChanged identifies connection status transitions.
	KindSessionStatusChanged Kind = "session.status_changed"
	// KindSessionIdentityChanged identifies session identity mutations.
	KindSessionIdentityChanged Kind = "session.identity_changed"
)

// SessionStatusChanged marks a connection status transition. Reason is a
// classified failure reason (for example "connection_failed_failed") and is
// empty for non-failure transitions.
type SessionStatusChanged struct {
	Base
	Status string
	Reason string
}

// NewSessionStatusChanged creates a session status transition event.
func NewSessionStatusChanged(status, reason string, opts ...BaseOption) SessionStatusChanged {
	return SessionStatusChanged{Base: NewBase(KindSessionStatusChanged, opts...), Status: status, Reason: reason}
}

// SessionIdentityChanged carries the session identity after a mutation.
// Empty strings stand for unset identifiers.
type SessionIdentityChanged struct {
	Base
	SessionID         string
	PersonaID         string
	ScenarioID        string
	ExternalSessionID string
}

// NewSessionIdentityChanged creates a session identity mutation event.
func NewSessionIdentityChanged(sessionID, personaID, scenarioID, externalSessionID string, opts ...BaseOption) SessionIdentityChanged {
	return SessionIdentityChanged{
		Base:              NewBase(KindSessionIdentityChanged, opts...),
		SessionID:         sessionID,
		PersonaID:         personaID,
		ScenarioID:        scenarioID,
		ExternalSessionID: externalSessionID,
	}
}
