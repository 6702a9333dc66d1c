package capture

import (
	"math"
	"math/cmplx"
	"sync"
)

const (
	FFTSize          = 256
	BinCount         = FFTSize / 2
	DefaultSmoothing = 0.8
	MinDecibels      = -100.0
	MaxDecibels      = -30.0
)

// Analyser keeps the latest FFTSize samples and reports a smoothed,
// byte-scaled magnitude spectrum the way a browser analyser node does:
// Blackman window, magnitude / N, exponential smoothing, then dB mapped
// linearly from [MinDecibels, MaxDecibels] onto [0, 255].
type Analyser struct {
	mu        sync.Mutex
	ring      [FFTSize]float32
	pos       int
	smoothing float64
	window    [FFTSize]float64
	prev      [BinCount]float64
	buf       [FFTSize]complex128
}

func NewAnalyser(smoothing float64) *Analyser {
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	a := &Analyser{smoothing: smoothing}
	const a0, a1, a2 = 0.42, 0.5, 0.08
	for n := range a.window {
		x := 2 * math.Pi * float64(n) / FFTSize
		a.window[n] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return a
}

// Write appends samples to the time-domain window.
func (a *Analyser) Write(block []float32) {
	a.mu.Lock()
	for _, s := range block {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % FFTSize
	}
	a.mu.Unlock()
}

func (a *Analyser) FrequencyBinCount() int { return BinCount }

// ByteFrequencyData fills dst with up to BinCount spectrum bytes and returns
// how many were written.
func (a *Analyser) ByteFrequencyData(dst []uint8) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < FFTSize; i++ {
		s := float64(a.ring[(a.pos+i)%FFTSize])
		a.buf[i] = complex(s*a.window[i], 0)
	}
	fft(a.buf[:])

	n := len(dst)
	if n > BinCount {
		n = BinCount
	}
	const scale = 255 / (MaxDecibels - MinDecibels)
	for k := 0; k < BinCount; k++ {
		mag := cmplx.Abs(a.buf[k]) / FFTSize
		v := a.smoothing*a.prev[k] + (1-a.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.prev[k] = v
		if k >= n {
			continue
		}
		db := MinDecibels
		if v > 0 {
			db = 20 * math.Log10(v)
		}
		b := math.Floor(scale * (db - MinDecibels))
		if b < 0 {
			b = 0
		} else if b > 255 {
			b = 255
		}
		dst[k] = uint8(b)
	}
	return n
}

// fft is an in-place iterative radix-2 transform; len(x) must be a power of two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				u := x[start+k]
				t := w * x[start+k+size/2]
				x[start+k] = u + t
				x[start+k+size/2] = u - t
				w *= step
			}
		}
	}
}
