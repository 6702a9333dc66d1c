package capture

import (
	"sync"
	"sync/atomic"

	"github.com/harunnryd/bulbul/pkg/frames"
)

// PushStream is the Stream used by every provider: the device side pushes
// pooled blocks, the analyser sees each block before it is queued.
type PushStream struct {
	rate     int
	samples  chan []float32
	analyser *Analyser
	closer   func() error

	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	err     error
	lost    error
	dropped atomic.Int64
}

// NewPushStream builds a stream. closer stops the device and runs once.
func NewPushStream(cfg Config, closer func() error) *PushStream {
	buffer := cfg.StreamBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &PushStream{
		rate:     cfg.SampleRate,
		samples:  make(chan []float32, buffer),
		analyser: NewAnalyser(cfg.Smoothing),
		closer:   closer,
	}
}

// Push hands block to the stream, which takes ownership of it. A full queue
// drops the block; the device callback never waits.
func (s *PushStream) Push(block []float32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		frames.ReleaseBlock(block)
		return false
	}
	s.analyser.Write(block)
	select {
	case s.samples <- block:
		return true
	default:
		s.dropped.Add(1)
		frames.ReleaseBlock(block)
		return false
	}
}

func (s *PushStream) Samples() <-chan []float32 { return s.samples }
func (s *PushStream) Analyser() *Analyser       { return s.analyser }
func (s *PushStream) SampleRate() int           { return s.rate }
func (s *PushStream) Dropped() int64            { return s.dropped.Load() }

func (s *PushStream) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *PushStream) Close() error {
	s.once.Do(func() {
		if s.closer != nil {
			s.err = s.closer()
		}
		s.mu.Lock()
		s.closed = true
		close(s.samples)
		s.mu.Unlock()
	})
	return s.err
}

// Fail ends the stream because the device stopped delivering audio. Err
// reports cause once Samples is closed.
func (s *PushStream) Fail(cause error) {
	s.mu.Lock()
	if !s.closed && s.lost == nil {
		s.lost = cause
	}
	s.mu.Unlock()
	s.Close()
}

// Err is the cause passed to Fail, or nil after a normal Close.
func (s *PushStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lost
}
