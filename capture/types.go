package capture

import (
	"context"
	"errors"
	"time"

	"github.com/d1nch8g/voicetutor/audio"
	"github.com/d1nch8g/voicetutor/stt"
)

// State is the controller's lifecycle state.
type State int

const (
	Idle State = iota
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Session is the controller's single source of truth for held resources.
type Session struct {
	State     State
	StartedAt time.Time // zero while Idle
}

// Utterance is one finalized block of speech.
type Utterance struct {
	Text      string
	Timestamp time.Time
}

// Error taxonomy surfaced to the UI layer.
var (
	ErrPermissionDenied    = audio.ErrPermissionDenied
	ErrDeviceUnavailable   = audio.ErrDeviceUnavailable
	ErrTransientCapture    = audio.ErrTransientCapture
	ErrUnsupportedPlatform = stt.ErrUnsupportedPlatform

	ErrBusy   = errors.New("capture: stop in progress")
	ErrClosed = errors.New("capture: controller torn down")
)

// Transcriber is the continuous speech-to-text session the controller drives.
type Transcriber interface {
	Supported() bool
	Start(ctx context.Context, hooks stt.Hooks) error
	CurrentText() string
	Reset()
	Stop() error
}

// Renderer is the visualization loop.
type Renderer interface {
	Start(src audio.Handle) error
	Stop()
}

// Sink receives finalized utterances. Deliver must not block for long.
type Sink interface {
	Deliver(u Utterance)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Utterance)

func (f SinkFunc) Deliver(u Utterance) { f(u) }

// Observer receives UI updates. Calls are made outside the controller's
// lock, so an observer may call back into the controller.
type Observer interface {
	StateChanged(s Session)
	TranscriptUpdated(text string)
	CaptureFailed(err error)
}
