package events

import "time"

type Kind string

type Event interface {
	Kind() Kind
	Timestamp() time.Time
}

type Base struct {
	kind      Kind
	timestamp time.Time
}

func NewBase(kind Kind, opts ...BaseOption) Base {
	base := Base{kind: kind, timestamp: time.Now()}
	for _, opt := range opts {
		opt(&base)
	}
	return base
}

func (b Base) Kind() Kind {
	return b.kind
}

func (b Base) Timestamp() time.Time {
	return b.timestamp
}

type BaseOption func(*Base)

// WithTimestamp backdates an event to the moment the underlying activity
// began rather than the moment the event was constructed. Transcript
// producers use it to carry speech start time through the pipeline.
func WithTimestamp(timestamp time.Time) BaseOption {
	return func(b *Base) { b.timestamp = timestamp }
}
