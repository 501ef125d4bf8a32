package stt

import (
	"context"
	"errors"
)

// ErrUnsupportedPlatform is returned when no speech recognizer is available.
var ErrUnsupportedPlatform = errors.New("speech recognition is not supported")

// Recognizer defines the interface for continuous speech-to-text backends
type Recognizer interface {
	// Supported reports whether the recognizer can run in this environment.
	Supported() bool

	// StreamRecognize performs continuous recognition, sending each
	// recognized fragment to results in arrival order. It blocks until ctx
	// is cancelled (returning nil) or the stream fails.
	StreamRecognize(ctx context.Context, results chan<- string) error
}

// Hooks are invoked from the session's goroutine.
type Hooks struct {
	// OnUpdate receives the whole transcript after each appended fragment.
	OnUpdate func(text string)

	// OnFailure receives a recognizer error that ended the stream.
	OnFailure func(err error)
}
