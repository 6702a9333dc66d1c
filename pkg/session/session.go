package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/bulbul/pkg/capture"
	"github.com/harunnryd/bulbul/pkg/clock"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/pcm"
	"github.com/harunnryd/bulbul/pkg/recorder"
	"github.com/harunnryd/bulbul/pkg/transport"
	"github.com/harunnryd/bulbul/pkg/worklet"
)

// sampleSink is where the pump sends captured blocks for the active strategy.
type sampleSink interface {
	Write(block []float32) bool
}

// Session is one recording attempt. It owns every device and network
// resource it opens; teardown releases all of them and is safe to repeat.
// Resources attached after teardown are released on the spot.
type Session struct {
	ID        string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	mu          sync.Mutex
	closed      bool
	strategy    Strategy
	stream      capture.Stream
	captureErr  error
	buffer      *pcm.Buffer
	sink        sampleSink
	node        *worklet.Node
	rec         *recorder.Recorder
	conn        *transport.Conn
	connErr     error
	uploadMime  string
	stopping    bool
	stopDone    chan struct{}
	stopErr     error
	meterCancel context.CancelFunc
	linger      clock.Timer
	// onLost runs when the device ends the stream on its own.
	onLost func(error)

	pumpDone    chan struct{}
	forwardDone chan struct{}

	sendDropped atomic.Int64
	framesSent  atomic.Int64
	chunksSent  atomic.Int64

	readyOnce    sync.Once
	teardownOnce sync.Once
}

func newSession(now time.Time, maxSamples int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		buffer:    pcm.NewBuffer(maxSamples),
	}
}

func (s *Session) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

func (s *Session) setStrategy(st Strategy) {
	s.mu.Lock()
	s.strategy = st
	s.mu.Unlock()
}

// Buffered returns the length of audio held in the local buffer.
func (s *Session) Buffered() time.Duration {
	return s.buffer.Duration(frames.SampleRate)
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) done() bool {
	return s.ctx.Err() != nil
}

func (s *Session) hasCapture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil && s.captureErr == nil
}

func (s *Session) currentSink() sampleSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *Session) setSink(sink sampleSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Session) attachStream(stream capture.Stream) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Close()
		return false
	}
	s.stream = stream
	s.pumpDone = make(chan struct{})
	s.mu.Unlock()
	go s.pump(stream)
	return true
}

func (s *Session) attachNode(node *worklet.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		node.Abort()
		return false
	}
	s.node = node
	s.forwardDone = make(chan struct{})
	return true
}

func (s *Session) attachRecorder(rec *recorder.Recorder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		rec.Stop()
		return false
	}
	s.rec = rec
	s.forwardDone = make(chan struct{})
	return true
}

func (s *Session) attachConn(conn *transport.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	s.mu.Unlock()
	return true
}

func (s *Session) transport() (*transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.connErr
}

// pump moves captured blocks into the local buffer and the active sink,
// in capture order, until the stream closes.
func (s *Session) pump(stream capture.Stream) {
	defer close(s.pumpDone)
	for block := range stream.Samples() {
		s.buffer.Write(block)
		if sink := s.currentSink(); sink != nil {
			sink.Write(block)
		}
		frames.ReleaseBlock(block)
	}
	err := stream.Err()
	if err == nil {
		return
	}
	s.mu.Lock()
	lost := s.onLost
	s.mu.Unlock()
	// Stopping waits for pumpDone.
	if lost != nil {
		go lost(err)
	}
}

// stopCapture releases the microphone and waits until every captured block
// has reached the buffer and the sink.
func (s *Session) stopCapture() {
	s.mu.Lock()
	stream := s.stream
	meterCancel := s.meterCancel
	s.meterCancel = nil
	pumpDone := s.pumpDone
	s.mu.Unlock()
	if meterCancel != nil {
		meterCancel()
	}
	if stream == nil {
		return
	}
	stream.Close()
	if pumpDone != nil {
		<-pumpDone
	}
}

// releaseConn closes the stream connection, if any.
func (s *Session) releaseConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// dropRealtime detaches and stops the streaming path; buffered audio is kept.
// The connection is closed on its own goroutine because this can run on the
// connection's reader.
func (s *Session) dropRealtime() {
	s.mu.Lock()
	node, rec, conn := s.node, s.rec, s.conn
	s.sink = nil
	s.node, s.rec, s.conn = nil, nil, nil
	s.mu.Unlock()
	if node != nil {
		node.Abort()
	}
	if rec != nil {
		rec.Stop()
	}
	if conn != nil {
		go conn.Close()
	}
}

// dropped sums blocks lost anywhere between the device and the wire.
func (s *Session) dropped() int64 {
	s.mu.Lock()
	stream, node, rec := s.stream, s.node, s.rec
	s.mu.Unlock()
	n := s.sendDropped.Load()
	if stream != nil {
		n += stream.Dropped()
	}
	if node != nil {
		n += node.Dropped()
	}
	if rec != nil {
		n += rec.Dropped()
	}
	return n
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
		s.markReady()
		s.mu.Lock()
		s.closed = true
		stream, node, rec, conn := s.stream, s.node, s.rec, s.conn
		linger, meterCancel := s.linger, s.meterCancel
		s.sink = nil
		s.node, s.rec, s.conn = nil, nil, nil
		s.linger, s.meterCancel = nil, nil
		s.mu.Unlock()

		if meterCancel != nil {
			meterCancel()
		}
		if linger != nil {
			linger.Stop()
		}
		if stream != nil {
			stream.Close()
		}
		if node != nil {
			node.Abort()
		}
		if rec != nil {
			rec.Stop()
		}
		if conn != nil {
			conn.Close()
		}
	})
}
