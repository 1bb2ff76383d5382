package orchestration

import "testing"

func TestSessionLifecycleNotifiesOnMutation(t *testing.T) {
	notified := []SessionIdentity{}
	lifecycle := newSessionLifecycle(func(identity SessionIdentity) {
		notified = append(notified, identity)
	})

	lifecycle.setSessionID("session-1")
	lifecycle.setPersonaID("persona-1")
	lifecycle.setScenarioID("scenario-1")

	if len(notified) != 3 {
		t.Fatalf("expected three notifications, got %d", len(notified))
	}
	if notified[2].SessionID != "session-1" || notified[2].PersonaID != "persona-1" || notified[2].ScenarioID != "scenario-1" {
		t.Fatalf("expected final notification to carry accumulated identity, got %+v", notified[2])
	}
}

func TestSessionLifecycleSkipsNoopMutations(t *testing.T) {
	notifications := 0
	lifecycle := newSessionLifecycle(func(SessionIdentity) { notifications++ })

	lifecycle.setPersonaID("persona-1")
	lifecycle.setPersonaID("persona-1")

	if notifications != 1 {
		t.Fatalf("expected a single notification for repeated identical mutation, got %d", notifications)
	}
}

func TestClearSessionRespectsExternalOwnership(t *testing.T) {
	lifecycle := newSessionLifecycle(nil)
	lifecycle.setSessionID("session-1")
	lifecycle.setExternalSessionID("external-1")

	lifecycle.clearSession()
	if got := lifecycle.snapshot().SessionID; got != "session-1" {
		t.Fatalf("expected externally owned session id to survive clear, got %q", got)
	}

	lifecycle.setExternalSessionID("")
	lifecycle.clearSession()
	if got := lifecycle.snapshot().SessionID; got != "" {
		t.Fatalf("expected session id to clear once external ownership was released, got %q", got)
	}
}
