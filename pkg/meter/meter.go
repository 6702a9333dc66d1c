// Package meter turns analyser spectra into a coarse level vector for display.
package meter

import (
	"context"
	"time"

	"github.com/harunnryd/bulbul/pkg/clock"
)

const (
	// Bands is the length of every level vector.
	Bands = 10
	// Reference is the byte value treated as full scale.
	Reference = 128.0
	// DefaultFPS is the sampling rate while capturing.
	DefaultFPS = 60
)

// Levels splits bins into Bands contiguous bands of floor(len/Bands) bins,
// averages each and scales by Reference, clamping to [0, 1]. Trailing bins
// past the last full band are ignored. Inputs shorter than Bands map each
// band onto at least one bin.
func Levels(bins []uint8) [Bands]float64 {
	var out [Bands]float64
	n := len(bins)
	if n == 0 {
		return out
	}
	width := n / Bands
	for i := 0; i < Bands; i++ {
		var start, end int
		if width > 0 {
			start, end = i*width, (i+1)*width
		} else {
			start = i * n / Bands
			end = start + 1
		}
		sum := 0.0
		for _, b := range bins[start:end] {
			sum += float64(b)
		}
		v := sum / float64(end-start) / Reference
		if v > 1 {
			v = 1
		} else if v < 0 {
			v = 0
		}
		out[i] = v
	}
	return out
}

// Spectrum is the analyser side of the meter.
type Spectrum interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []uint8) int
}

// Sink receives each new level vector; it replaces the previous one.
type Sink func(levels [Bands]float64)

// Run samples src fps times per second of clk until ctx is done. The bins
// buffer is allocated once and reused.
func Run(ctx context.Context, clk clock.Clock, src Spectrum, fps int, sink Sink) {
	if src == nil || sink == nil {
		return
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	bins := make([]uint8, src.FrequencyBinCount())
	ticker := clk.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sink([Bands]float64{})
			return
		case <-ticker.C():
			n := src.ByteFrequencyData(bins)
			sink(Levels(bins[:n]))
		}
	}
}

// Mean is the average of a level vector.
func Mean(levels [Bands]float64) float64 {
	sum := 0.0
	for _, v := range levels {
		sum += v
	}
	return sum / Bands
}
