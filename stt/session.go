package stt

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Session accumulates a live transcript from a Recognizer.
type Session struct {
	recognizer Recognizer
	logger     *zap.Logger

	mu         sync.Mutex
	transcript strings.Builder
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewSession(recognizer Recognizer, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		recognizer: recognizer,
		logger:     logger.Named("transcription"),
	}
}

func (s *Session) Supported() bool {
	return s.recognizer != nil && s.recognizer.Supported()
}

// Start clears the transcript and begins continuous recognition. Calling
// Start on a running session is a no-op.
func (s *Session) Start(ctx context.Context, hooks Hooks) error {
	if !s.Supported() {
		return ErrUnsupportedPlatform
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return nil
	}
	s.transcript.Reset()

	// The stream outlives the Start call; only Stop ends it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	results := make(chan string, 16)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(results)
		err := s.recognizer.StreamRecognize(streamCtx, results)
		if err == nil || errors.Is(err, context.Canceled) || streamCtx.Err() != nil {
			return
		}
		s.logger.Warn("recognition stream failed", zap.Error(err))
		if hooks.OnFailure != nil {
			hooks.OnFailure(err)
		}
	}()

	go func() {
		defer close(done)
		for fragment := range results {
			text, ok := s.append(fragment)
			if ok && hooks.OnUpdate != nil {
				hooks.OnUpdate(text)
			}
		}
	}()

	s.logger.Debug("recognition started")
	return nil
}

// CurrentText returns the transcript accumulated so far.
func (s *Session) CurrentText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// Reset clears the transcript without touching the recognition stream.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.Reset()
}

// Stop ends recognition and waits until every fragment delivered before
// the stop has been appended. The transcript is kept until Reset or Start.
func (s *Session) Stop() error {
	if !s.Supported() {
		s.logger.Warn("stop ignored: speech recognition is not supported")
		return nil
	}

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Debug("recognition stopped")
	return nil
}

func (s *Session) append(fragment string) (string, bool) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript.Len() > 0 {
		s.transcript.WriteByte(' ')
	}
	s.transcript.WriteString(fragment)
	return s.transcript.String(), true
}
