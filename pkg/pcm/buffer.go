package pcm

import (
	"sync"
	"time"
)

// Buffer keeps the captured signal of one session as int16 samples so an
// upload can be produced after a realtime path gave up. Writes past the
// limit are discarded and the buffer reports itself truncated.
type Buffer struct {
	mu        sync.Mutex
	samples   []int16
	max       int
	truncated bool
}

// NewBuffer returns a buffer holding at most maxSamples. Zero means unbounded.
func NewBuffer(maxSamples int) *Buffer {
	return &Buffer{max: maxSamples}
}

func (b *Buffer) Write(block []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range block {
		if b.max > 0 && len(b.samples) >= b.max {
			b.truncated = true
			return
		}
		b.samples = append(b.samples, Scale(s))
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Samples returns a copy of the buffered audio.
func (b *Buffer) Samples() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int16, len(b.samples))
	copy(out, b.samples)
	return out
}

func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Duration returns the buffered length at the given rate.
func (b *Buffer) Duration(rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(b.Len()) * time.Second / time.Duration(rate)
}
