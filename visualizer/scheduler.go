package visualizer

import (
	"sync"
	"time"
)

// FrameID identifies a pending frame request. Zero is never issued.
type FrameID uint64

// FrameScheduler runs one-shot callbacks on the next display frame.
type FrameScheduler interface {
	RequestFrame(fn func(now time.Time)) FrameID
	CancelFrame(id FrameID)
}

// TickerScheduler drives frame callbacks from a fixed-rate ticker. All
// callbacks run on the scheduler's single goroutine.
type TickerScheduler struct {
	mu      sync.Mutex
	nextID  FrameID
	pending map[FrameID]func(time.Time)

	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewTickerScheduler starts a scheduler at fps frames per second.
func NewTickerScheduler(fps int) *TickerScheduler {
	if fps <= 0 {
		fps = 60
	}
	s := &TickerScheduler{
		pending: make(map[FrameID]func(time.Time)),
		ticker:  time.NewTicker(time.Second / time.Duration(fps)),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *TickerScheduler) RequestFrame(fn func(time.Time)) FrameID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.pending[s.nextID] = fn
	return s.nextID
}

func (s *TickerScheduler) CancelFrame(id FrameID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Close stops the ticker and drops pending callbacks.
func (s *TickerScheduler) Close() {
	s.once.Do(func() {
		close(s.done)
		s.ticker.Stop()
	})
	s.wg.Wait()
}

func (s *TickerScheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case now := <-s.ticker.C:
			s.mu.Lock()
			due := s.pending
			s.pending = make(map[FrameID]func(time.Time))
			s.mu.Unlock()

			for _, fn := range due {
				fn(now)
			}
		}
	}
}
