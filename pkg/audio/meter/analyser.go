// Package meter derives display levels from the live input and output audio.
//
// An [Analyser] sits on an audio path as a tap: it keeps a copy of the most
// recent samples and, on request, turns them into a byte-scaled magnitude
// spectrum. [Volume] collapses a spectrum into a single level, and a [Meter]
// samples both directions on a display cadence.
package meter

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// DefaultFFTSize is the analysis window length in samples.
	DefaultFFTSize = 2048

	// DefaultSmoothing is the time constant blending each spectrum with the
	// previous one.
	DefaultSmoothing = 0.8

	// DefaultMinDecibels maps to byte value 0.
	DefaultMinDecibels = -100.0

	// DefaultMaxDecibels maps to byte value 255.
	DefaultMaxDecibels = -30.0
)

// AnalyserOption configures an [Analyser].
type AnalyserOption func(*Analyser)

// WithFFTSize sets the analysis window. It must be a power of two of at least
// 32; other values are ignored.
func WithFFTSize(n int) AnalyserOption {
	return func(a *Analyser) {
		if n >= 32 && n&(n-1) == 0 {
			a.size = n
		}
	}
}

// WithSmoothing sets the smoothing time constant in [0, 1).
func WithSmoothing(tau float64) AnalyserOption {
	return func(a *Analyser) {
		if tau >= 0 && tau < 1 {
			a.smoothing = tau
		}
	}
}

// WithDecibelRange sets the dB range mapped onto 0..255.
func WithDecibelRange(minDB, maxDB float64) AnalyserOption {
	return func(a *Analyser) {
		if minDB < maxDB {
			a.minDB, a.maxDB = minDB, maxDB
		}
	}
}

// Analyser is a non-destructive spectrum tap. Write may be called from the
// audio path while another goroutine reads the spectrum.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	ring     []float64
	pos      int
	window   []float64
	smoothed []float64
	frame    []float64
	coeff    []complex128
	fft      *fourier.FFT
}

// NewAnalyser returns an Analyser with a 2048-sample Blackman window, 0.8
// smoothing and a [-100, -30] dB display range unless overridden.
func NewAnalyser(opts ...AnalyserOption) *Analyser {
	a := &Analyser{
		size:      DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
	}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]float64, a.size)
	a.frame = make([]float64, a.size)
	a.smoothed = make([]float64, a.size/2)
	a.window = blackman(a.size)
	a.fft = fourier.NewFFT(a.size)
	return a
}

// blackman returns the classic Blackman window (alpha 0.16).
func blackman(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = 0.42 - 0.5*math.Cos(2*math.Pi*x) + 0.08*math.Cos(4*math.Pi*x)
	}
	return w
}

// FrequencyBinCount is the number of values ByteFrequencyData produces.
func (a *Analyser) FrequencyBinCount() int { return a.size / 2 }

// Write copies samples into the analysis ring. The slice is not retained.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData computes the current spectrum into dst, reusing it when
// it has room for [Analyser.FrequencyBinCount] values. Each call advances the
// smoothing state.
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	bins := a.size / 2
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.frame {
		a.frame[i] = a.ring[(a.pos+i)%a.size] * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.frame)

	scale := 255 / (a.maxDB - a.minDB)
	n := float64(a.size)
	for k := range bins {
		mag := cmplxAbs(a.coeff[k]) / n
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := 20 * math.Log10(a.smoothed[k])
		v := (db - a.minDB) * scale
		switch {
		case math.IsNaN(v) || v <= 0:
			dst[k] = 0
		case v >= 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return dst
}

func cmplxAbs(c complex128) float64 { return math.Hypot(real(c), imag(c)) }

// Volume is the mean byte magnitude of a's spectrum divided by 128, so a
// typical speaking level lands near 1. A nil analyser reads as silence.
func Volume(a *Analyser) float64 {
	if a == nil {
		return 0
	}
	data := a.ByteFrequencyData(nil)
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	return float64(sum) / float64(len(data)) / 128
}
