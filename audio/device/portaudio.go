// Package device provides the portaudio-backed microphone source.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/d1nch8g/voicetutor/audio"
)

type Config struct {
	SampleRate      float64
	FramesPerBuffer int
}

func GetDefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		FramesPerBuffer: 512,
	}
}

// Microphone captures mono audio from the default input device and feeds
// both the analyser and the PCM feed from the portaudio callback.
type Microphone struct {
	config Config
	logger *zap.Logger

	analyser *audio.Analyser
	feed     *audio.Feed

	mu          sync.Mutex
	stream      *portaudio.Stream
	initialized bool
}

var _ audio.Source = (*Microphone)(nil)

func NewMicrophone(config Config, logger *zap.Logger) *Microphone {
	if config.SampleRate == 0 {
		config.SampleRate = GetDefaultConfig().SampleRate
	}
	if config.FramesPerBuffer == 0 {
		config.FramesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Microphone{
		config:   config,
		logger:   logger.Named("microphone"),
		analyser: audio.NewAnalyser(),
		feed:     audio.NewFeed(),
	}
}

// Feed exposes the PCM stream for recognizers.
func (m *Microphone) Feed() *audio.Feed {
	return m.feed
}

func (m *Microphone) SampleRate() float64 {
	return m.config.SampleRate
}

func (m *Microphone) Open(ctx context.Context) (audio.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return m.analyser, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", classify(err))
	}
	m.initialized = true

	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		m.releaseLocked()
		return nil, fmt.Errorf("no default input device: %w", audio.ErrDeviceUnavailable)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Channels = 0
	params.SampleRate = m.config.SampleRate
	params.FramesPerBuffer = m.config.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, m.process)
	if err != nil {
		m.releaseLocked()
		return nil, fmt.Errorf("failed to open input stream on %q: %w", dev.Name, classify(err))
	}
	m.stream = stream

	if err := stream.Start(); err != nil {
		m.releaseLocked()
		return nil, fmt.Errorf("failed to start input stream: %w", classify(err))
	}

	// The permission prompt may have outlived the caller.
	if err := ctx.Err(); err != nil {
		m.releaseLocked()
		return nil, err
	}

	m.logger.Info("microphone opened",
		zap.String("device", dev.Name),
		zap.Float64("sample_rate", m.config.SampleRate),
		zap.Int("frames_per_buffer", m.config.FramesPerBuffer),
	)
	return m.analyser, nil
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil && !m.initialized {
		return nil
	}
	err := m.releaseLocked()
	if err != nil {
		m.logger.Warn("microphone close", zap.Error(err))
	} else {
		m.logger.Info("microphone closed")
	}
	return err
}

// releaseLocked undoes whatever part of Open succeeded.
func (m *Microphone) releaseLocked() error {
	var errs []error
	if m.stream != nil {
		if err := m.stream.Stop(); err != nil && !errors.Is(err, portaudio.StreamIsStopped) {
			errs = append(errs, fmt.Errorf("failed to stop stream: %w", err))
		}
		if err := m.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stream: %w", err))
		}
		m.stream = nil
	}
	if m.initialized {
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate portaudio: %w", err))
		}
		m.initialized = false
	}
	m.analyser.Reset()
	return errors.Join(errs...)
}

func (m *Microphone) process(in []float32) {
	m.analyser.Write(in)
	m.feed.Publish(in)
}

// classify maps portaudio failures onto the capture error taxonomy. Host
// APIs report a refused microphone as an unanticipated host error.
func classify(err error) error {
	var hostErr portaudio.UnanticipatedHostError
	if errors.As(err, &hostErr) {
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	var paErr portaudio.Error
	if errors.As(err, &paErr) && (paErr == portaudio.DeviceUnavailable || paErr == portaudio.InvalidDevice) {
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	return fmt.Errorf("%w: %v", audio.ErrTransientCapture, err)
}
