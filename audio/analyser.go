package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	defaultSmoothing   = 0.8
	defaultMinDecibels = -100.0
	defaultMaxDecibels = -30.0
)

// Analyser turns a rolling window of PCM samples into byte magnitudes,
// the same way a browser AnalyserNode does for getByteFrequencyData:
// Blackman window, FFT, temporal smoothing, decibel scaling.
type Analyser struct {
	mu sync.Mutex

	window   []float32 // ring of the latest WindowSize samples
	writePos int

	fft      *fourier.FFT
	blackman []float64
	frame    []float64
	coeffs   []complex128
	smoothed []float64
	bins     Snapshot

	smoothing float64
	minDB     float64
	maxDB     float64
}

// NewAnalyser creates an analyser with a WindowSize transform.
func NewAnalyser() *Analyser {
	a := &Analyser{
		window:    make([]float32, WindowSize),
		fft:       fourier.NewFFT(WindowSize),
		blackman:  make([]float64, WindowSize),
		frame:     make([]float64, WindowSize),
		coeffs:    make([]complex128, WindowSize/2+1),
		smoothed:  make([]float64, BinCount),
		bins:      make(Snapshot, BinCount),
		smoothing: defaultSmoothing,
		minDB:     defaultMinDecibels,
		maxDB:     defaultMaxDecibels,
	}

	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	for i := range a.blackman {
		x := float64(i) / float64(WindowSize)
		a.blackman[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return a
}

// Write appends samples to the analysis window.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range samples {
		a.window[a.writePos] = s
		a.writePos = (a.writePos + 1) % WindowSize
	}
}

// Sample computes the current bins into the analyser's own buffer.
func (a *Analyser) Sample() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Oldest sample first.
	for i := range a.frame {
		a.frame[i] = float64(a.window[(a.writePos+i)%WindowSize]) * a.blackman[i]
	}
	a.fft.Coefficients(a.coeffs, a.frame)

	scale := 255 / (a.maxDB - a.minDB)
	for k := 0; k < BinCount; k++ {
		mag := cmplxAbs(a.coeffs[k]) / WindowSize
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := 20 * math.Log10(a.smoothed[k])
		v := (db - a.minDB) * scale
		switch {
		case math.IsNaN(v) || v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		a.bins[k] = uint8(v)
	}
	return a.bins
}

// Reset clears the window and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	clear(a.window)
	clear(a.smoothed)
	clear(a.bins)
	a.writePos = 0
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
