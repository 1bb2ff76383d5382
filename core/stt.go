package orchestration

import (
	"context"
	"fmt"

	"github.com/danstonedev/emrsim-session/core/speechtotext"
)

type speechToTextCallbacks struct {
	onSpeechStarted        func()
	onSpeechEnded          func()
	onInterimTranscription func(transcript string)
	onTranscription        func(transcript string)
}

// speechToText is the facade over an optional local transcription source.
// Every method tolerates an unconfigured client so callers never branch on
// whether a source was wired.
type speechToText struct {
	// client stores the configured speech-to-text implementation.
	client SpeechToText
}

func (s *speechToText) set(client SpeechToText) {
	if s != nil {
		s.client = client
	}
}

func (s *speechToText) start(ctx context.Context, callbacks speechToTextCallbacks) error {
	if !s.isConfigured() {
		return nil
	}

	sttOptions := []speechtotext.TranscriptionOption{
		speechtotext.WithSpeechStartedCallback(callbacks.onSpeechStarted),
		speechtotext.WithSpeechEndedCallback(callbacks.onSpeechEnded),
		speechtotext.WithInterimTranscriptionCallback(callbacks.onInterimTranscription),
		speechtotext.WithTranscriptionCallback(callbacks.onTranscription),
	}

	if err := s.client.Transcribe(ctx, sttOptions...); err != nil {
		return fmt.Errorf("failed to start transcribing: %w", err)
	}

	return nil
}

func (s *speechToText) SendAudio(audio []byte) error {
	if !s.isConfigured() {
		return nil
	}

	return s.client.SendAudio(audio)
}

func (s *speechToText) Close(ctx context.Context) error {
	if !s.isConfigured() {
		return nil
	}

	if c, ok := s.client.(interface{ StopStream() error }); ok {
		if err := c.StopStream(); err != nil {
			return fmt.Errorf("failed to stop transcription stream: %w", err)
		}
	}

	switch c := s.client.(type) {
	case interface{ Close(context.Context) error }:
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("failed to close speech-to-text client: %w", err)
		}
	case interface{ Close(context.Context) }:
		c.Close(ctx)
	case interface{ Close() error }:
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close speech-to-text client: %w", err)
		}
	case interface{ Close() }:
		c.Close()
	}

	return nil
}

func (s *speechToText) isConfigured() bool {
	return s != nil && s.client != nil
}
