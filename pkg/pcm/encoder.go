package pcm

import (
	"math"

	"github.com/harunnryd/bulbul/pkg/frames"
)

// Scale converts one float sample to int16. Input is clamped to [-1, 1];
// negative values scale by 32768 and non-negative by 32767 so both ends of
// the int16 range are reachable. NaN maps to silence.
func Scale(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 0x8000))
	}
	return int16(math.Round(v * 0x7FFF))
}

// Encoder accumulates float samples into fixed 320-sample PCM frames.
// A partial frame left when the stream ends is dropped, never emitted.
// Encoder is not safe for concurrent use; it belongs to one processing goroutine.
type Encoder struct {
	buf [frames.FrameSamples]int16
	n   int
	seq uint64
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Write converts samples and calls emit once per completed frame. It returns
// the number of frames emitted.
func (e *Encoder) Write(samples []float32, emit func(frames.PCMFrame)) int {
	emitted := 0
	for _, s := range samples {
		e.buf[e.n] = Scale(s)
		e.n++
		if e.n == frames.FrameSamples {
			f := frames.PCMFrame{Seq: e.seq, Samples: e.buf}
			e.seq++
			e.n = 0
			emitted++
			if emit != nil {
				emit(f)
			}
		}
	}
	return emitted
}
