package orchestration

import "sync"

// SessionIdentity is the identity of the conversation session and the
// content it is bound to. Empty strings stand for unset identifiers.
type SessionIdentity struct {
	SessionID         string
	PersonaID         string
	ScenarioID        string
	ExternalSessionID string
}

// sessionLifecycle owns session identity and notifies a single subscriber on
// every mutation. SessionID is only ever cleared through clearSession, never
// implicitly by connection teardown, unless no external session owns it.
type sessionLifecycle struct {
	mu       sync.RWMutex
	identity SessionIdentity
	onChange func(SessionIdentity)
}

func newSessionLifecycle(onChange func(SessionIdentity)) *sessionLifecycle {
	return &sessionLifecycle{onChange: onChange}
}

func (l *sessionLifecycle) snapshot() SessionIdentity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.identity
}

func (l *sessionLifecycle) setSessionID(sessionID string) {
	l.mutate(func(identity *SessionIdentity) { identity.SessionID = sessionID })
}

func (l *sessionLifecycle) setPersonaID(personaID string) {
	l.mutate(func(identity *SessionIdentity) { identity.PersonaID = personaID })
}

func (l *sessionLifecycle) setScenarioID(scenarioID string) {
	l.mutate(func(identity *SessionIdentity) { identity.ScenarioID = scenarioID })
}

func (l *sessionLifecycle) setExternalSessionID(externalSessionID string) {
	l.mutate(func(identity *SessionIdentity) { identity.ExternalSessionID = externalSessionID })
}

// clearSession drops the session id unless an external session still owns
// the conversation.
func (l *sessionLifecycle) clearSession() {
	l.mu.Lock()
	if l.identity.ExternalSessionID != "" {
		l.mu.Unlock()
		return
	}
	l.identity.SessionID = ""
	identity := l.identity
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		onChange(identity)
	}
}

func (l *sessionLifecycle) mutate(update func(*SessionIdentity)) {
	l.mu.Lock()
	before := l.identity
	update(&l.identity)
	identity := l.identity
	onChange := l.onChange
	l.mu.Unlock()

	if before == identity {
		return
	}
	if onChange != nil {
		onChange(identity)
	}
}
