package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
)

var (
	ErrClosed       = errors.New("stream connection closed")
	ErrBackpressure = errors.New("stream send buffer full")
)

// closeReason is sent with the normal close frame.
const closeReason = "Finished streaming"

type outbound struct {
	data []byte
	ack  chan error
}

// Conn is one open audio stream. A single writer goroutine keeps outbound
// messages in send order; a reader goroutine decodes inbound events.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	sendCh chan outbound

	events     chan Event
	abort      chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}

	closeOnce sync.Once
	endSent   atomic.Bool
}

func newConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:         ws,
		cfg:        cfg,
		logger:     logger,
		sendCh:     make(chan outbound, cfg.SendBuffer),
		events:     make(chan Event, cfg.EventBuffer),
		abort:      make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Events delivers inbound events in arrival order. It is closed after the
// final EventClosed.
func (c *Conn) Events() <-chan Event { return c.events }

// SendPCM queues one PCM frame as a pcm_chunk message.
func (c *Conn) SendPCM(f frames.PCMFrame) error {
	b, err := encodePCM(f, c.cfg.SampleRate)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{data: b})
}

// SendChunk queues one recorder chunk as an audio_chunk message.
func (c *Conn) SendChunk(ch frames.Chunk) error {
	b, err := encodeChunk(ch, c.cfg.SampleRate)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{data: b})
}

// EndStream writes the end_stream marker after everything already queued
// and waits until it is on the wire. Only the first call sends.
func (c *Conn) EndStream() error {
	if !c.endSent.CompareAndSwap(false, true) {
		return nil
	}
	b, err := encodeEnd(c.cfg.SampleRate)
	if err != nil {
		return err
	}
	ack := make(chan error, 1)
	if err := c.enqueueWait(outbound{data: b, ack: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-c.writerDone:
		return ErrClosed
	}
}

// EndSent reports whether end_stream has been issued on this connection.
func (c *Conn) EndSent() bool { return c.endSent.Load() }

// Close sends a normal close frame, waits briefly for the server to answer
// and releases the socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.sendCh)
		c.mu.Unlock()
	})
	<-c.writerDone
	return nil
}

func (c *Conn) enqueue(msg outbound) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return errorsx.Wrap(ErrBackpressure, errorsx.ReasonStreamError)
	}
}

// enqueueWait blocks for queue space; used for control messages that must not be dropped.
func (c *Conn) enqueueWait(msg outbound) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.writerDone:
		return ErrClosed
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	var failed error
	for msg := range c.sendCh {
		if failed != nil {
			if msg.ack != nil {
				msg.ack <- failed
			}
			continue
		}
		c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		err := c.ws.WriteMessage(websocket.TextMessage, msg.data)
		if err != nil {
			failed = errorsx.Wrap(fmt.Errorf("write stream: %w", err), errorsx.ReasonStreamError)
			c.logger.Warn("transport_write_failed", slog.String("error", err.Error()))
		}
		if msg.ack != nil {
			msg.ack <- failed
		}
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason), deadline); err != nil {
		c.logger.Debug("transport_close_frame_failed", slog.String("error", err.Error()))
	}
	select {
	case <-c.readerDone:
	case <-time.After(c.cfg.CloseGrace):
	}
	close(c.abort)
	c.ws.Close()
	<-c.readerDone
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			ev := Event{Kind: EventClosed}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				ev.Err = errorsx.Wrap(fmt.Errorf("read stream: %w", err), errorsx.ReasonStreamError)
			}
			select {
			case c.events <- ev:
			case <-c.abort:
			}
			return
		}
		ev, ok, err := decodeEvent(data, c.cfg.DefaultLanguage, time.Now())
		if err != nil {
			c.logger.Warn("transport_decode_failed", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			c.logger.Debug("transport_message_ignored", slog.Int("bytes", len(data)))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.abort:
			return
		}
	}
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
