package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/metrics"
	"github.com/harunnryd/bulbul/pkg/pcm"
	"github.com/harunnryd/bulbul/pkg/recorder"
	"github.com/harunnryd/bulbul/pkg/transport"
)

// Tier is one delivery strategy. Attempt wires the session for the strategy
// and returns nil when it was selected; an error moves on to the next tier.
type Tier interface {
	Strategy() Strategy
	// NeedsCapture is false only for tiers that record on the backend.
	NeedsCapture() bool
	Attempt(ctx context.Context, s *Session) error
}

func (c *Controller) defaultTiers() []Tier {
	return []Tier{
		workletTier{c: c},
		recorderTier{c: c},
		uploadTier{c: c},
		directTier{c: c},
	}
}

type workletTier struct{ c *Controller }

func (workletTier) Strategy() Strategy { return StrategyRealtimeWorklet }
func (workletTier) NeedsCapture() bool { return true }

func (t workletTier) Attempt(ctx context.Context, s *Session) error {
	conn, err := t.c.openTransport(ctx, s)
	if err != nil {
		return err
	}
	if t.c.registry == nil {
		return errorsx.New(errorsx.ReasonModuleLoad, "no processing modules registered")
	}
	node, err := t.c.registry.Load(t.c.cfg.WorkletModule, t.c.cfg.Worklet)
	if err != nil {
		return err
	}
	if !s.attachNode(node) {
		return ErrSessionReset
	}
	go t.c.forwardFrames(s, conn, node.Port())
	s.setSink(node)
	return nil
}

type recorderTier struct{ c *Controller }

func (recorderTier) Strategy() Strategy { return StrategyRealtimeRecorder }
func (recorderTier) NeedsCapture() bool { return true }

func (t recorderTier) Attempt(ctx context.Context, s *Session) error {
	conn, err := t.c.openTransport(ctx, s)
	if err != nil {
		return err
	}
	cfg := t.c.cfg.Recorder
	if cfg.Clock == nil {
		cfg.Clock = t.c.clock
	}
	rec, err := recorder.New(cfg)
	if err != nil {
		return err
	}
	if !s.attachRecorder(rec) {
		return ErrSessionReset
	}
	rec.Start()
	go t.c.forwardChunks(s, conn, rec.Data())
	s.setSink(rec)
	return nil
}

type uploadTier struct{ c *Controller }

func (uploadTier) Strategy() Strategy { return StrategyFileUpload }
func (uploadTier) NeedsCapture() bool { return true }

func (t uploadTier) Attempt(_ context.Context, s *Session) error {
	if t.c.backend == nil {
		return errorsx.New(errorsx.ReasonBackendUnavailable, "no transcription backend")
	}
	mime, err := recorder.PickMimeType(t.c.cfg.UploadMimeTypes)
	if err != nil {
		return err
	}
	s.releaseConn()
	s.mu.Lock()
	s.uploadMime = mime
	s.mu.Unlock()
	return nil
}

type directTier struct{ c *Controller }

func (directTier) Strategy() Strategy { return StrategyDirectCapture }
func (directTier) NeedsCapture() bool { return false }

func (t directTier) Attempt(_ context.Context, s *Session) error {
	if t.c.backend == nil {
		return errorsx.New(errorsx.ReasonBackendUnavailable, "no transcription backend")
	}
	// The backend owns the microphone for this strategy.
	s.stopCapture()
	s.releaseConn()
	if !t.c.transition(s, PhaseProcessing, ReasonSelected, nil) {
		return ErrSessionReset
	}
	go t.c.runDirect(s)
	return nil
}

// openTransport returns the session's connection, opening it on first use.
// A failed open is remembered so later tiers do not dial again.
func (c *Controller) openTransport(ctx context.Context, s *Session) (*transport.Conn, error) {
	if conn, err := s.transport(); conn != nil || err != nil {
		return conn, err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.connErr = err
		s.mu.Unlock()
		return nil, err
	}
	if !s.attachConn(conn) {
		return nil, ErrSessionReset
	}
	go c.watch(s, conn)
	return conn, nil
}

func (c *Controller) dial(ctx context.Context) (*transport.Conn, error) {
	if c.opener == nil {
		return nil, errorsx.New(errorsx.ReasonConnectionRefused, "streaming disabled")
	}
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, errorsx.New(errorsx.ReasonCircuitOpen, "stream circuit open")
	}
	conn, err := c.opener.Open(ctx)
	if err != nil {
		if c.breaker != nil {
			c.breaker.OnError(err)
		}
		return nil, err
	}
	if c.breaker != nil {
		c.breaker.OnSuccess()
	}
	return conn, nil
}

func (c *Controller) forwardFrames(s *Session, conn *transport.Conn, port <-chan frames.PCMFrame) {
	defer close(s.forwardDone)
	for f := range port {
		err := conn.SendPCM(f)
		if err == nil {
			s.framesSent.Add(1)
			continue
		}
		if errors.Is(err, transport.ErrBackpressure) {
			s.sendDropped.Add(1)
			continue
		}
		c.onStreamFailure(s, conn, err)
		for range port {
		}
		return
	}
}

func (c *Controller) forwardChunks(s *Session, conn *transport.Conn, data <-chan frames.Chunk) {
	defer close(s.forwardDone)
	for ch := range data {
		err := conn.SendChunk(ch)
		if err == nil {
			s.chunksSent.Add(1)
			continue
		}
		if errors.Is(err, transport.ErrBackpressure) {
			s.sendDropped.Add(1)
			continue
		}
		c.onStreamFailure(s, conn, err)
		for range data {
		}
		return
	}
}

// watch feeds inbound events to the aggregator until the connection closes.
func (c *Controller) watch(s *Session, conn *transport.Conn) {
	for ev := range conn.Events() {
		switch ev.Kind {
		case transport.EventTranscription:
			if s.done() {
				continue
			}
			metrics.Record(c.obs, metrics.EventFragmentReceived, 1, map[string]string{
				"language": string(ev.Fragment.Language),
			})
			c.agg.OnFragment(ev.Fragment)
		case transport.EventUtteranceEnd:
			if !s.done() {
				c.agg.EndOfUtterance()
			}
		case transport.EventError:
			c.onStreamFailure(s, conn, errorsx.New(errorsx.ReasonStreamError, "backend: "+ev.Message))
		case transport.EventClosed:
			if conn.EndSent() {
				continue
			}
			err := ev.Err
			if err == nil {
				err = errorsx.Wrap(transport.ErrClosed, errorsx.ReasonStreamError)
			}
			c.onStreamFailure(s, conn, err)
		}
	}
}

// onStreamFailure moves a capturing realtime session onto the file-upload
// path. Audio captured so far is already in the local buffer.
func (c *Controller) onStreamFailure(s *Session, conn *transport.Conn, cause error) {
	c.mu.Lock()
	if c.cur != s || c.phase != PhaseCapturing {
		c.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.stopping || s.conn != conn || !s.strategy.Realtime() {
		s.mu.Unlock()
		c.mu.Unlock()
		return
	}
	from := s.strategy
	s.strategy = StrategyFileUpload
	s.uploadMime = c.uploadMime()
	s.mu.Unlock()
	c.mu.Unlock()

	s.dropRealtime()
	if c.breaker != nil {
		c.breaker.OnError(cause)
	}
	c.fellBack(s, from, StrategyFileUpload, PhaseCapturing, cause)
}

func (c *Controller) uploadMime() string {
	mime, err := recorder.PickMimeType(c.cfg.UploadMimeTypes)
	if err != nil {
		return recorder.MimeWAV
	}
	return mime
}

// fellBack records a strategy change that does not move the phase.
func (c *Controller) fellBack(s *Session, from, to Strategy, phase Phase, cause error) {
	attrs := []any{
		slog.String("session_id", s.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("reason", string(errorsx.Reason(cause))), slog.String("error", cause.Error()))
	}
	c.logger.Info("strategy_fallback", attrs...)
	metrics.Record(c.obs, metrics.EventFallback, 1, map[string]string{
		"from":   string(from),
		"to":     string(to),
		"reason": string(errorsx.Reason(cause)),
	})
	c.emit(StateChange{
		SessionID: s.ID,
		From:      phase,
		To:        phase,
		Strategy:  to,
		Reason:    ReasonFallback,
		Err:       cause,
		Timestamp: c.clock.Now(),
	})
}

// encodeUpload renders the buffered capture in the negotiated upload type.
func encodeUpload(samples []int16, mime string, rate int) ([]byte, string, error) {
	base, _, _ := strings.Cut(mime, ";")
	switch strings.TrimSpace(base) {
	case recorder.MimeFLAC, "audio/x-flac":
		b, err := pcm.EncodeFLAC(samples, rate)
		return b, "recording.flac", err
	case recorder.MimePCM:
		return pcm.EncodeRaw(samples), "recording.pcm", nil
	case recorder.MimeWAV, "audio/x-wav", "":
		b, err := pcm.EncodeWAV(samples, rate)
		return b, "recording.wav", err
	default:
		return nil, "", fmt.Errorf("upload type %q: %w", mime, recorder.ErrEncodingUnsupported)
	}
}
