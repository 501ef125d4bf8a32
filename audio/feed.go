package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// Feed fans captured audio out to subscribers as 16-bit little-endian PCM.
type Feed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan []byte
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan []byte)}
}

// Subscribe registers a consumer with the given channel buffer. The returned
// cancel func unregisters it and closes the channel; it is safe to call twice.
func (f *Feed) Subscribe(buffer int) (<-chan []byte, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan []byte, buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish converts samples in [-1, 1] to PCM and offers them to every
// subscriber. Chunks are dropped for subscribers whose buffer is full.
func (f *Feed) Publish(samples []float32) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.subs) == 0 {
		return
	}

	for _, ch := range f.subs {
		select {
		case ch <- encodePCM16(samples):
		default:
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func encodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}
