package orchestration

import (
	"encoding/json"
	"fmt"
	"sync"
)

const (
	defaultVoice = "alloy"
	defaultModel = "gpt-4o-realtime-preview"
)

// VoiceSettings is a point-in-time view of the session's voice, language,
// and model selection.
type VoiceSettings struct {
	Voice         string
	InputLanguage string
	ReplyLanguage string
	Model         string
}

// voiceConfig holds voice/language/model selection and builds the outbound
// session-configuration payload sent over the data channel.
type voiceConfig struct {
	mu       sync.RWMutex
	settings VoiceSettings
}

func newVoiceConfig() *voiceConfig {
	return &voiceConfig{
		settings: VoiceSettings{Voice: defaultVoice, Model: defaultModel},
	}
}

func (c *voiceConfig) snapshot() VoiceSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

func (c *voiceConfig) setVoiceOverride(voice string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if voice == "" {
		c.settings.Voice = defaultVoice
		return
	}
	c.settings.Voice = voice
}

func (c *voiceConfig) setInputLanguage(language string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.InputLanguage = language
}

func (c *voiceConfig) setReplyLanguage(language string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.ReplyLanguage = language
}

func (c *voiceConfig) setModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if model == "" {
		c.settings.Model = defaultModel
		return
	}
	c.settings.Model = model
}

type sessionUpdateTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type sessionUpdateSession struct {
	Voice                   string                      `json:"voice"`
	Instructions            string                      `json:"instructions,omitempty"`
	InputAudioTranscription *sessionUpdateTranscription `json:"input_audio_transcription,omitempty"`
	Modalities              []string                    `json:"modalities"`
}

type sessionUpdatePayload struct {
	Type    string               `json:"type"`
	Session sessionUpdateSession `json:"session"`
}

// sessionUpdateMessage builds the session.update data-channel message for
// the current selection. Reply-language steering travels as an instruction
// suffix because the wire session object has no reply-language field.
func (c *voiceConfig) sessionUpdateMessage(instructions string) ([]byte, error) {
	settings := c.snapshot()

	if settings.ReplyLanguage != "" {
		suffix := fmt.Sprintf("Always reply in %s.", settings.ReplyLanguage)
		if instructions == "" {
			instructions = suffix
		} else {
			instructions = instructions + " " + suffix
		}
	}

	payload := sessionUpdatePayload{
		Type: "session.update",
		Session: sessionUpdateSession{
			Voice:        settings.Voice,
			Instructions: instructions,
			InputAudioTranscription: &sessionUpdateTranscription{
				Model:    "whisper-1",
				Language: settings.InputLanguage,
			},
			Modalities: []string{"audio", "text"},
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session update: %w", err)
	}
	return raw, nil
}
