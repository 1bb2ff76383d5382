package orchestration

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestVoiceConfigDefaults(t *testing.T) {
	config := newVoiceConfig()

	settings := config.snapshot()
	if settings.Voice != defaultVoice {
		t.Fatalf("expected default voice %q, got %q", defaultVoice, settings.Voice)
	}
	if settings.Model != defaultModel {
		t.Fatalf("expected default model %q, got %q", defaultModel, settings.Model)
	}
}

func TestVoiceOverrideEmptyRestoresDefault(t *testing.T) {
	config := newVoiceConfig()

	config.setVoiceOverride("verse")
	if got := config.snapshot().Voice; got != "verse" {
		t.Fatalf("expected voice override to apply, got %q", got)
	}

	config.setVoiceOverride("")
	if got := config.snapshot().Voice; got != defaultVoice {
		t.Fatalf("expected empty override to restore default voice, got %q", got)
	}
}

func TestSessionUpdateMessageShape(t *testing.T) {
	config := newVoiceConfig()
	config.setVoiceOverride("verse")
	config.setInputLanguage("en")
	config.setReplyLanguage("Spanish")

	raw, err := config.sessionUpdateMessage("You are a patient.")
	if err != nil {
		t.Fatalf("expected session update to marshal, got %v", err)
	}

	var payload sessionUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("expected session update to round-trip, got %v", err)
	}

	if payload.Type != "session.update" {
		t.Fatalf("expected type session.update, got %q", payload.Type)
	}
	if payload.Session.Voice != "verse" {
		t.Fatalf("expected voice verse, got %q", payload.Session.Voice)
	}
	if payload.Session.InputAudioTranscription == nil || payload.Session.InputAudioTranscription.Language != "en" {
		t.Fatalf("expected input transcription language en, got %+v", payload.Session.InputAudioTranscription)
	}
	if !strings.Contains(payload.Session.Instructions, "Always reply in Spanish.") {
		t.Fatalf("expected reply-language steering in instructions, got %q", payload.Session.Instructions)
	}
	if !strings.HasPrefix(payload.Session.Instructions, "You are a patient.") {
		t.Fatalf("expected caller instructions to lead, got %q", payload.Session.Instructions)
	}
}
