package audio

import (
	"context"
	"errors"
)

const (
	// WindowSize is the number of samples fed into each transform.
	WindowSize = 256

	// BinCount is the number of magnitude bins in a Snapshot.
	BinCount = WindowSize / 2
)

var (
	// ErrPermissionDenied is returned when the user or OS refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceUnavailable is returned when no usable input device exists.
	ErrDeviceUnavailable = errors.New("audio input device unavailable")

	// ErrTransientCapture covers I/O failures while a capture session is active.
	ErrTransientCapture = errors.New("transient capture failure")
)

// Snapshot holds one frequency-domain reading, one byte per bin.
// The slice returned by Handle.Sample is overwritten on the next call;
// copy it if it has to outlive the current frame.
type Snapshot []uint8

// Clone returns a copy that is safe to retain.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// Handle is a live analysis pipeline returned by Source.Open.
type Handle interface {
	// Sample returns the current magnitude bins. It must not allocate.
	Sample() Snapshot
}

// Source defines the interface for microphone signal sources
type Source interface {
	// Open acquires the microphone and builds the analysis pipeline.
	// Calling Open on an open source returns the existing handle.
	Open(ctx context.Context) (Handle, error)

	// Close releases the pipeline and stops every audio track. It is safe
	// to call repeatedly and after a failed Open.
	Close() error
}
