package capture

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	// DefaultFFTSize is the analysis window length in samples.
	DefaultFFTSize = 256

	// DefaultSmoothing is the weight given to the previous spectrum when a new
	// one is computed.
	DefaultSmoothing = 0.8

	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyser estimates the loudness of the most recent input. It keeps the last
// fftSize samples in a ring, and on every [Analyser.Level] call computes a
// Blackman-windowed magnitude spectrum, smooths it against the previous one,
// maps each bin from [-100 dB, -30 dB] onto a byte and returns the mean byte
// value scaled to [0, 1].
//
// Write and Level may be called from different goroutines.
type Analyser struct {
	size      int
	smoothing float64

	fft   *fourier.FFT
	coeff []float64 // window coefficients

	mu       sync.Mutex
	ring     []float64
	pos      int
	seq      []float64
	spec     []complex128
	smoothed []float64
	bins     []byte
}

// NewAnalyser returns an analyser over fftSize samples. fftSize must be a
// power of two >= 32; other values fall back to [DefaultFFTSize]. smoothing
// outside [0, 1) falls back to [DefaultSmoothing].
func NewAnalyser(fftSize int, smoothing float64) *Analyser {
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		fftSize = DefaultFFTSize
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}

	coeff := make([]float64, fftSize)
	for i := range coeff {
		coeff[i] = 1
	}
	window.Blackman(coeff)

	return &Analyser{
		size:      fftSize,
		smoothing: smoothing,
		fft:       fourier.NewFFT(fftSize),
		coeff:     coeff,
		ring:      make([]float64, fftSize),
		seq:       make([]float64, fftSize),
		spec:      make([]complex128, fftSize/2+1),
		smoothed:  make([]float64, fftSize/2),
		bins:      make([]byte, fftSize/2),
	}
}

// Write appends samples to the analysis ring.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Only the tail can survive in the ring.
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.size
	}
}

// Level returns the mean of the byte-scaled spectrum divided by 255. Silence
// yields 0. Every call advances the smoothing state.
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	bins := a.computeLocked()
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins)) / 255
}

// Reset clears the sample ring and the smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// computeLocked must be called with a.mu held.
func (a *Analyser) computeLocked() []byte {
	// Unroll the ring oldest-first and window it.
	n := copy(a.seq, a.ring[a.pos:])
	copy(a.seq[n:], a.ring[:a.pos])
	for i := range a.seq {
		a.seq[i] *= a.coeff[i]
	}

	a.spec = a.fft.Coefficients(a.spec, a.seq)

	scale := 255 / (maxDecibels - minDecibels)
	for k := range a.smoothed {
		mag := cmplx.Abs(a.spec[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		if a.smoothed[k] <= 0 {
			a.bins[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - minDecibels))
		a.bins[k] = byte(max(0, min(255, v)))
	}
	return a.bins
}
