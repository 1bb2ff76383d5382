// Package speechtotext defines the capability contract for local speech
// transcription sources. A configured source provides the second,
// locally-produced transcript path alongside the data channel; its partials
// and finals enter the same reconciliation pipeline with no special-casing.
package speechtotext

type TranscriptionOptions struct {
	InterimTranscriptionCallback func(transcript string)
	TranscriptionCallback        func(transcript string)

	SpeechStartedCallback func()
	SpeechEndedCallback   func()

	// SampleRate and Encoding describe the PCM frames the caller will feed
	// through SendAudio.
	SampleRate int
	Encoding   string
}

type TranscriptionOption func(*TranscriptionOptions)

func WithTranscriptionCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.TranscriptionCallback = callback
	}
}

func WithInterimTranscriptionCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.InterimTranscriptionCallback = callback
	}
}

func WithSpeechStartedCallback(callback func()) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.SpeechStartedCallback = callback
	}
}

func WithSpeechEndedCallback(callback func()) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.SpeechEndedCallback = callback
	}
}

func WithEncoding(sampleRate int, encoding string) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.SampleRate = sampleRate
		o.Encoding = encoding
	}
}
