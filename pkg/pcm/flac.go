package pcm

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

const (
	flacBlockSize = 4096
	// maxFixedOrder is the highest fixed predictor FLAC defines.
	maxFixedOrder = 4
	// maxRiceParam is the largest 4-bit Rice parameter; 15 is the escape code.
	maxRiceParam = 14
)

// EncodeFLAC renders mono int16 samples as a FLAC stream. Each block uses
// the fixed predictor with the smallest residual and one Rice partition.
func EncodeFLAC(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: 16,
	}
	out := &seekBuffer{}
	enc, err := flac.NewEncoder(out, info)
	if err != nil {
		return nil, fmt.Errorf("new flac encoder: %w", err)
	}
	for start := 0; start < len(samples); start += flacBlockSize {
		end := min(start+flacBlockSize, len(samples))
		block := make([]int32, end-start)
		for i, s := range samples[start:end] {
			block[i] = int32(s)
		}
		f := &frame.Frame{
			Header: frame.Header{
				HasFixedBlockSize: false,
				BlockSize:         uint16(len(block)),
				SampleRate:        uint32(sampleRate),
				Channels:          frame.ChannelsMono,
				BitsPerSample:     16,
				Num:               uint64(start),
			},
			Subframes: []*frame.Subframe{predictedSubframe(block)},
		}
		if err := enc.WriteFrame(f); err != nil {
			return nil, fmt.Errorf("write flac frame: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close flac: %w", err)
	}
	return out.Bytes(), nil
}

func predictedSubframe(x []int32) *frame.Subframe {
	sub := &frame.Subframe{
		SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
		Samples:   x,
		NSamples:  len(x),
	}
	if len(x) <= maxFixedOrder {
		return sub
	}
	order, meanAbs := bestFixedOrder(x)
	sub.SubHeader = frame.SubHeader{
		Pred:                 frame.PredFixed,
		Order:                order,
		ResidualCodingMethod: frame.ResidualCodingMethodRice1,
		RiceSubframe: &frame.RiceSubframe{
			PartOrder:  0,
			Partitions: []frame.RicePartition{{Param: riceParam(meanAbs)}},
		},
	}
	return sub
}

// bestFixedOrder scores predictor orders 0..4 over the same span and
// returns the winner with its mean absolute residual.
func bestFixedOrder(x []int32) (int, uint64) {
	var sums [maxFixedOrder + 1]uint64
	for i := maxFixedOrder; i < len(x); i++ {
		a, b, c, d, e := int64(x[i]), int64(x[i-1]), int64(x[i-2]), int64(x[i-3]), int64(x[i-4])
		sums[0] += abs64(a)
		sums[1] += abs64(a - b)
		sums[2] += abs64(a - 2*b + c)
		sums[3] += abs64(a - 3*b + 3*c - d)
		sums[4] += abs64(a - 4*b + 6*c - 4*d + e)
	}
	best := 0
	for order := 1; order <= maxFixedOrder; order++ {
		if sums[order] < sums[best] {
			best = order
		}
	}
	return best, sums[best] / uint64(len(x)-maxFixedOrder)
}

// riceParam picks k close to log2 of the folded residual magnitude.
func riceParam(meanAbs uint64) uint {
	k := uint(bits.Len64(meanAbs))
	if k > maxRiceParam {
		k = maxRiceParam
	}
	return k
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
