package worklet

import (
	"sync"
	"sync/atomic"

	"github.com/harunnryd/bulbul/pkg/frames"
)

// Options sizes the node's queues.
type Options struct {
	InputBuffer int
	PortBuffer  int
}

// Node runs one Processor on a dedicated goroutine. Blocks go in through
// Write, frames come out of Port in capture order.
type Node struct {
	name string
	proc Processor

	mu     sync.RWMutex
	closed bool
	in     chan []float32
	port   chan frames.PCMFrame
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	abortOnce sync.Once
	dropped   atomic.Int64
	emitted   atomic.Int64
}

func newNode(name string, proc Processor, opts Options) *Node {
	if opts.InputBuffer <= 0 {
		opts.InputBuffer = 64
	}
	if opts.PortBuffer <= 0 {
		opts.PortBuffer = 64
	}
	n := &Node{
		name: name,
		proc: proc,
		in:   make(chan []float32, opts.InputBuffer),
		port: make(chan frames.PCMFrame, opts.PortBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *Node) Name() string { return n.name }

// Write copies block into the node's queue. It never blocks; when the queue
// is full the block is dropped and counted.
func (n *Node) Write(block []float32) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	cp := frames.AcquireBlock(len(block))
	copy(cp, block)
	select {
	case n.in <- cp:
		return true
	default:
		frames.ReleaseBlock(cp)
		n.dropped.Add(1)
		return false
	}
}

// Port delivers encoded frames. It is closed once the node has stopped.
func (n *Node) Port() <-chan frames.PCMFrame { return n.port }

// Done is closed when the processing goroutine has exited.
func (n *Node) Done() <-chan struct{} { return n.done }

func (n *Node) Dropped() int64 { return n.dropped.Load() }
func (n *Node) Emitted() int64 { return n.emitted.Load() }

// Close stops intake. Queued blocks are still processed; the pending tail
// of the last frame is dropped. Safe to call more than once.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.in)
		n.mu.Unlock()
	})
}

// Abort stops the node without delivering queued work.
func (n *Node) Abort() {
	n.Close()
	n.abortOnce.Do(func() { close(n.quit) })
}

func (n *Node) loop() {
	defer close(n.done)
	defer close(n.port)
	emit := func(f frames.PCMFrame) {
		select {
		case n.port <- f:
			n.emitted.Add(1)
		case <-n.quit:
		}
	}
	for {
		select {
		case <-n.quit:
			n.discard()
			return
		case block, ok := <-n.in:
			if !ok {
				return
			}
			n.proc.Process(block, emit)
			frames.ReleaseBlock(block)
		}
	}
}

func (n *Node) discard() {
	for block := range n.in {
		frames.ReleaseBlock(block)
	}
}
