// Package session owns the recording lifecycle: it acquires the microphone,
// picks a delivery strategy, falls back when a path fails and tears every
// resource down on each exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/bulbul/pkg/aggregator"
	"github.com/harunnryd/bulbul/pkg/backend"
	"github.com/harunnryd/bulbul/pkg/capture"
	"github.com/harunnryd/bulbul/pkg/clock"
	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/logging"
	"github.com/harunnryd/bulbul/pkg/meter"
	"github.com/harunnryd/bulbul/pkg/metrics"
	"github.com/harunnryd/bulbul/pkg/recorder"
	"github.com/harunnryd/bulbul/pkg/resilience"
	"github.com/harunnryd/bulbul/pkg/transport"
	"github.com/harunnryd/bulbul/pkg/worklet"
)

// Opener opens the audio stream to the backend.
type Opener interface {
	Open(ctx context.Context) (*transport.Conn, error)
}

// Backend is the HTTP side used by the upload and direct-capture strategies.
type Backend interface {
	TranscribeFile(ctx context.Context, audio []byte, filename, mimeType string) (backend.Transcription, error)
	RecordAndTranscribe(ctx context.Context, duration time.Duration) (backend.Transcription, error)
}

// BusyPolicy decides what Start does while a session is active.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyReset  BusyPolicy = "reset"
)

type Config struct {
	Capture       capture.Config
	WorkletModule string
	Worklet       worklet.Options
	Recorder      recorder.Config
	// UploadMimeTypes is the preference list for the file-upload body.
	UploadMimeTypes       []string
	DirectCaptureDuration time.Duration
	// Grace is how long complete and failed are shown before idle.
	Grace time.Duration
	// EndStreamLinger keeps the connection open after end_stream so late
	// fragments still arrive.
	EndStreamLinger  time.Duration
	OnBusy           BusyPolicy
	MaxBufferSamples int
	MeterFPS         int
	DefaultLanguage  frames.Language
	Clock            clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Capture.SampleRate == 0 {
		c.Capture = capture.DefaultConfig()
	}
	if c.WorkletModule == "" {
		c.WorkletModule = worklet.PCMModule
	}
	if len(c.Recorder.MimeTypes) == 0 {
		c.Recorder.MimeTypes = recorder.DefaultMimeTypes
	}
	if c.Recorder.Timeslice <= 0 {
		c.Recorder.Timeslice = time.Second
	}
	if len(c.UploadMimeTypes) == 0 {
		c.UploadMimeTypes = []string{recorder.MimeWAV}
	}
	if c.DirectCaptureDuration <= 0 {
		c.DirectCaptureDuration = 3 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.EndStreamLinger <= 0 {
		c.EndStreamLinger = 2 * time.Second
	}
	if c.OnBusy == "" {
		c.OnBusy = BusyReject
	}
	if c.MaxBufferSamples <= 0 {
		c.MaxBufferSamples = 5 * 60 * frames.SampleRate
	}
	if c.MeterFPS <= 0 {
		c.MeterFPS = meter.DefaultFPS
	}
	if !c.DefaultLanguage.Valid() {
		c.DefaultLanguage = frames.Arabic
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return c
}

// Deps are the collaborators the controller drives. Source and Opener may
// be nil; the tiers that need them are then skipped.
type Deps struct {
	Source     capture.Source
	Opener     Opener
	Backend    Backend
	Registry   *worklet.Registry
	Aggregator *aggregator.Aggregator
	Breaker    *resilience.CircuitBreaker
	Meter      meter.Sink
	Observer   metrics.Observer
	Logger     *slog.Logger
}

// Controller is the single owner of the recording phase.
type Controller struct {
	cfg      Config
	source   capture.Source
	opener   Opener
	backend  Backend
	registry *worklet.Registry
	agg      *aggregator.Aggregator
	breaker  *resilience.CircuitBreaker
	meter    meter.Sink
	obs      metrics.Observer
	logger   *slog.Logger
	clock    clock.Clock
	tiers    []Tier

	mu        sync.Mutex
	phase     Phase
	cur       *Session
	prev      *Session
	lastErr   error
	grace     clock.Timer
	graceGen  uint64
	listeners []StateListener
}

func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Aggregator == nil {
		return nil, errors.New("session controller requires an aggregator")
	}
	if deps.Source == nil && deps.Backend == nil {
		return nil, errors.New("session controller requires a capture source or a backend")
	}
	cfg = cfg.withDefaults()
	obs := deps.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	c := &Controller{
		cfg:      cfg,
		source:   deps.Source,
		opener:   deps.Opener,
		backend:  deps.Backend,
		registry: deps.Registry,
		agg:      deps.Aggregator,
		breaker:  deps.Breaker,
		meter:    deps.Meter,
		obs:      obs,
		logger:   logging.NewComponentLogger(deps.Logger, "session"),
		clock:    cfg.Clock,
	}
	c.tiers = c.defaultTiers()
	return c, nil
}

// Strategies lists the delivery strategies in the order they are tried.
func (c *Controller) Strategies() []Strategy {
	out := make([]Strategy, len(c.tiers))
	for i, t := range c.tiers {
		out[i] = t.Strategy()
	}
	return out
}

func (c *Controller) AddListener(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Start begins a recording. While another session is capturing or
// processing it returns ErrSessionActive, or resets that session first when
// the busy policy is BusyReset. The returned error is non-nil only when the
// session ended in failed or was reset during start-up.
func (c *Controller) Start(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	var (
		events []StateChange
		stale  []*Session
	)
	switch c.phase {
	case PhaseCapturing, PhaseProcessing:
		if c.cfg.OnBusy != BusyReset {
			c.mu.Unlock()
			c.logger.Warn("session_start_rejected", slog.String("phase", c.phase.String()))
			return nil, ErrSessionActive
		}
		events, stale = c.resetLocked(ReasonBusyReset)
	case PhaseComplete, PhaseFailed:
		events = append(events, c.toIdleLocked(ReasonNextRecording))
	}
	if c.cur != nil {
		stale = append(stale, c.cur)
	}
	if c.prev != nil {
		stale = append(stale, c.prev)
	}
	s := newSession(c.clock.Now(), c.cfg.MaxBufferSamples)
	c.cur, c.prev = s, nil
	c.lastErr = nil
	ev, _ := c.transitionLocked(s, PhaseCapturing, ReasonStarted, nil)
	events = append(events, ev)
	c.mu.Unlock()

	for _, old := range stale {
		old.teardown()
	}
	c.agg.Clear()
	c.emit(events...)
	c.logger.Info("session_started", slog.String("session_id", s.ID))
	metrics.Record(c.obs, metrics.EventSessionStarted, 1, nil)

	err := c.setup(ctx, s)
	s.markReady()
	return s, err
}

func (c *Controller) setup(ctx context.Context, s *Session) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	// The stream lives as long as the session, not the caller's context.
	c.acquire(s.ctx, s)
	s.mu.Lock()
	captureErr := s.captureErr
	s.mu.Unlock()
	if captureErr != nil && errorsx.Terminal(captureErr) {
		c.finish(s, PhaseFailed, ReasonFailed, captureErr)
		return captureErr
	}

	var lastErr error
	for _, t := range c.tiers {
		if s.done() {
			return ErrSessionReset
		}
		if t.NeedsCapture() && !s.hasCapture() {
			continue
		}
		s.setStrategy(t.Strategy())
		err := t.Attempt(actx, s)
		if err == nil {
			c.logger.Info("strategy_selected",
				slog.String("session_id", s.ID),
				slog.String("strategy", string(t.Strategy())),
			)
			metrics.Record(c.obs, metrics.EventStrategySelected, 1, map[string]string{"strategy": string(t.Strategy())})
			return nil
		}
		if s.done() || errors.Is(err, ErrSessionReset) {
			return ErrSessionReset
		}
		if errorsx.Terminal(err) {
			c.finish(s, PhaseFailed, ReasonFailed, err)
			return err
		}
		if next := c.nextTier(t, s); next != StrategyNone {
			c.fellBack(s, t.Strategy(), next, PhaseCapturing, err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = captureErr
	}
	err := ErrNoStrategy
	if lastErr != nil {
		err = fmt.Errorf("%w: %w", ErrNoStrategy, lastErr)
	}
	s.setStrategy(StrategyNone)
	c.finish(s, PhaseFailed, ReasonStrategiesDone, err)
	return err
}

// acquire opens the microphone. Non-terminal failures leave the session
// without capture so only backend-side recording remains.
func (c *Controller) acquire(ctx context.Context, s *Session) {
	if c.source == nil {
		s.mu.Lock()
		s.captureErr = capture.ErrCaptureUnavailable
		s.mu.Unlock()
		return
	}
	stream, err := c.source.Acquire(ctx, c.cfg.Capture)
	if err != nil {
		c.logger.Warn("capture_acquire_failed",
			slog.String("session_id", s.ID),
			slog.String("source", c.source.Name()),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()),
		)
		s.mu.Lock()
		s.captureErr = err
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.onLost = func(err error) { c.captureLost(s, err) }
	s.mu.Unlock()
	if !s.attachStream(stream) {
		return
	}
	if c.meter != nil {
		mctx, cancel := context.WithCancel(s.ctx)
		s.mu.Lock()
		s.meterCancel = cancel
		s.mu.Unlock()
		go meter.Run(mctx, c.clock, stream.Analyser(), c.cfg.MeterFPS, c.meter)
	}
}

func (c *Controller) nextTier(after Tier, s *Session) Strategy {
	seen := false
	haveCapture := s.hasCapture()
	for _, t := range c.tiers {
		if seen && (haveCapture || !t.NeedsCapture()) {
			return t.Strategy()
		}
		if t == after {
			seen = true
		}
	}
	return StrategyNone
}

// Stop ends capture. Realtime strategies send end_stream and complete;
// upload strategies move to processing and complete or fail once the
// backend answers. Stop waits for that outcome or for ctx. Calling it when
// nothing is capturing is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.cur
	phase := c.phase
	c.mu.Unlock()
	if s == nil || phase != PhaseCapturing {
		return nil
	}
	return c.stop(ctx, s, nil)
}

// captureLost stops s after its microphone failed. What was captured is
// delivered as on Stop; with nothing captured the backend records instead.
func (c *Controller) captureLost(s *Session, err error) {
	c.logger.Warn("capture_lost",
		slog.String("session_id", s.ID),
		slog.String("strategy", string(s.Strategy())),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()),
	)
	c.stop(context.Background(), s, err)
}

func (c *Controller) stop(ctx context.Context, s *Session, lost error) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	capturing := c.cur == s && c.phase == PhaseCapturing
	c.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if !s.stopping {
		if !capturing {
			s.mu.Unlock()
			return nil
		}
		s.stopping = true
		s.stopDone = make(chan struct{})
		go c.stopSession(s, s.strategy, lost)
	}
	done := s.stopDone
	s.mu.Unlock()

	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel is Stop under the name the UI uses for its cancel action.
func (c *Controller) Cancel(ctx context.Context) error {
	return c.Stop(ctx)
}

func (c *Controller) stopSession(s *Session, strategy Strategy, lost error) {
	var err error
	defer func() {
		s.mu.Lock()
		s.stopErr = err
		s.mu.Unlock()
		close(s.stopDone)
	}()
	if lost != nil && s.buffer.Len() == 0 && c.backend != nil {
		err = c.recordInstead(s, strategy, lost)
		return
	}
	if strategy.Realtime() {
		endErr := c.endRealtime(s)
		if endErr == nil {
			c.completeRealtime(s)
			return
		}
		if s.done() {
			return
		}
		s.dropRealtime()
		s.mu.Lock()
		s.strategy = StrategyFileUpload
		s.uploadMime = c.uploadMime()
		s.mu.Unlock()
		c.fellBack(s, strategy, StrategyFileUpload, PhaseCapturing, endErr)
	}
	err = c.finishUpload(s)
}

// endRealtime drains capture through the encoder to the wire and writes
// end_stream after the last frame.
func (c *Controller) endRealtime(s *Session) error {
	s.stopCapture()
	s.mu.Lock()
	node, rec, conn, fwd := s.node, s.rec, s.conn, s.forwardDone
	s.sink = nil
	s.mu.Unlock()
	if conn == nil {
		return errorsx.Wrap(transport.ErrClosed, errorsx.ReasonStreamError)
	}
	if node != nil {
		node.Close()
	}
	if rec != nil {
		rec.Stop()
	}
	if fwd != nil {
		<-fwd
	}
	if err := conn.EndStream(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStreamError)
	}
	return nil
}

func (c *Controller) completeRealtime(s *Session) {
	metrics.Record(c.obs, metrics.EventFramesSent, float64(s.framesSent.Load()), map[string]string{"strategy": string(s.Strategy())})
	metrics.Record(c.obs, metrics.EventChunksSent, float64(s.chunksSent.Load()), map[string]string{"strategy": string(s.Strategy())})
	if !c.finish(s, PhaseComplete, ReasonStreamEnded, nil) {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.linger = c.clock.AfterFunc(c.cfg.EndStreamLinger, s.teardown)
	}
	s.mu.Unlock()
}

func (c *Controller) finishUpload(s *Session) error {
	s.stopCapture()
	if !c.transition(s, PhaseProcessing, ReasonStopped, nil) {
		return ErrSessionReset
	}
	samples := s.buffer.Samples()
	if len(samples) == 0 {
		c.finish(s, PhaseComplete, ReasonNoAudio, nil)
		return nil
	}
	s.mu.Lock()
	mime := s.uploadMime
	s.mu.Unlock()

	res, err := c.upload(s, samples, mime)
	if err != nil {
		if s.done() {
			return ErrSessionReset
		}
		c.logger.Warn("upload_failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		s.setStrategy(StrategyDirectCapture)
		c.fellBack(s, StrategyFileUpload, StrategyDirectCapture, PhaseProcessing, err)
		res, err = c.backend.RecordAndTranscribe(s.ctx, c.cfg.DirectCaptureDuration)
		if err != nil {
			if !s.done() {
				c.finish(s, PhaseFailed, ReasonFailed, err)
			}
			return err
		}
	}
	c.deliver(s, res)
	return nil
}

func (c *Controller) upload(s *Session, samples []int16, mime string) (backend.Transcription, error) {
	body, filename, err := encodeUpload(samples, mime, c.cfg.Capture.SampleRate)
	if err != nil {
		return backend.Transcription{}, err
	}
	c.logger.Info("upload_started",
		slog.String("session_id", s.ID),
		slog.String("mime_type", mime),
		slog.Int("bytes", len(body)),
		slog.Duration("audio", s.Buffered()),
		slog.Bool("truncated", s.buffer.Truncated()),
	)
	return c.backend.TranscribeFile(s.ctx, body, filename, mime)
}

// recordInstead hands a session whose microphone died before any audio
// arrived to backend-side recording.
func (c *Controller) recordInstead(s *Session, from Strategy, lost error) error {
	s.dropRealtime()
	s.stopCapture()
	s.setStrategy(StrategyDirectCapture)
	c.fellBack(s, from, StrategyDirectCapture, PhaseCapturing, lost)
	if !c.transition(s, PhaseProcessing, ReasonCaptureLost, lost) {
		return ErrSessionReset
	}
	return c.runDirect(s)
}

func (c *Controller) runDirect(s *Session) error {
	res, err := c.backend.RecordAndTranscribe(s.ctx, c.cfg.DirectCaptureDuration)
	if s.done() {
		return ErrSessionReset
	}
	if err != nil {
		c.finish(s, PhaseFailed, ReasonFailed, err)
		return err
	}
	c.deliver(s, res)
	return nil
}

// deliver hands a single-shot transcription to the aggregator. An empty
// result completes the session without dispatching anything.
func (c *Controller) deliver(s *Session, res backend.Transcription) {
	frag := res.Fragment(c.cfg.DefaultLanguage, c.clock.Now())
	if c.agg.Finalize(frag) {
		c.finish(s, PhaseComplete, ReasonTranscribed, nil)
		return
	}
	c.logger.Info("nothing_said", slog.String("session_id", s.ID))
	c.finish(s, PhaseComplete, ReasonNothingSaid, nil)
}

// Reset tears down whatever is running, clears the transcript and returns
// to idle. Safe to call in any phase.
func (c *Controller) Reset() {
	c.mu.Lock()
	events, stale := c.resetLocked(ReasonReset)
	c.mu.Unlock()
	for _, s := range stale {
		s.teardown()
	}
	c.agg.Clear()
	c.emit(events...)
	if len(events) > 0 {
		c.logger.Info("session_reset")
	}
}

func (c *Controller) resetLocked(reason string) ([]StateChange, []*Session) {
	var stale []*Session
	for _, s := range []*Session{c.cur, c.prev} {
		if s != nil {
			stale = append(stale, s)
		}
	}
	c.cur, c.prev = nil, nil
	c.stopGraceLocked()
	c.lastErr = nil
	from := c.phase
	c.phase = PhaseIdle
	if from == PhaseIdle {
		return nil, stale
	}
	now := c.clock.Now()
	id := ""
	if len(stale) > 0 {
		id = stale[0].ID
	}
	return []StateChange{
		{SessionID: id, From: from, To: PhaseResetting, Reason: reason, Timestamp: now},
		{SessionID: id, From: PhaseResetting, To: PhaseIdle, Reason: reason, Timestamp: now},
	}, stale
}

// toIdleLocked leaves complete or failed. The finished session moves to
// prev; a realtime one may still be lingering for late fragments.
func (c *Controller) toIdleLocked(reason string) StateChange {
	c.stopGraceLocked()
	ev := StateChange{From: c.phase, To: PhaseIdle, Reason: reason, Timestamp: c.clock.Now()}
	if c.cur != nil {
		ev.SessionID = c.cur.ID
		ev.Strategy = c.cur.Strategy()
		if c.prev != nil && c.prev != c.cur {
			go c.prev.teardown()
		}
		c.prev = c.cur
		c.cur = nil
	}
	c.phase = PhaseIdle
	return ev
}

func (c *Controller) stopGraceLocked() {
	c.graceGen++
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

func (c *Controller) graceElapsed(gen uint64) {
	c.mu.Lock()
	if gen != c.graceGen || !c.phase.Terminal() {
		c.mu.Unlock()
		return
	}
	ev := c.toIdleLocked(ReasonGraceElapsed)
	c.mu.Unlock()
	c.emit(ev)
}

// transition moves s's phase if s is still the current session.
func (c *Controller) transition(s *Session, to Phase, reason string, cause error) bool {
	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		return false
	}
	ev, err := c.transitionLocked(s, to, reason, cause)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("session_transition_rejected", slog.String("error", err.Error()))
		return false
	}
	c.emit(ev)
	return true
}

func (c *Controller) transitionLocked(s *Session, to Phase, reason string, cause error) (StateChange, error) {
	if !transitionValid(c.phase, to) {
		return StateChange{}, &InvalidTransitionError{From: c.phase, To: to}
	}
	ev := StateChange{
		SessionID: s.ID,
		From:      c.phase,
		To:        to,
		Strategy:  s.Strategy(),
		Reason:    reason,
		Err:       cause,
		Timestamp: c.clock.Now(),
	}
	c.phase = to
	return ev, nil
}

// finish moves s to complete or failed, arms the grace timer and records the
// outcome. Sessions that have nothing left to deliver are torn down here.
func (c *Controller) finish(s *Session, to Phase, reason string, cause error) bool {
	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		return false
	}
	ev, err := c.transitionLocked(s, to, reason, cause)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("session_transition_rejected", slog.String("error", err.Error()))
		return false
	}
	c.lastErr = cause
	c.stopGraceLocked()
	gen := c.graceGen
	c.grace = c.clock.AfterFunc(c.cfg.Grace, func() { c.graceElapsed(gen) })
	c.mu.Unlock()

	strategy := s.Strategy()
	if to == PhaseFailed || !strategy.Realtime() {
		s.teardown()
	}

	c.emit(ev)
	outcome := "complete"
	attrs := []any{
		slog.String("session_id", s.ID),
		slog.String("strategy", string(strategy)),
		slog.String("reason", reason),
		slog.Duration("elapsed", c.clock.Now().Sub(s.StartedAt)),
	}
	if to == PhaseFailed {
		outcome = "failed"
		if cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}
		c.logger.Error("session_failed", attrs...)
	} else {
		c.logger.Info("session_finished", attrs...)
	}
	if n := s.dropped(); n > 0 {
		metrics.Record(c.obs, metrics.EventFramesDropped, float64(n), map[string]string{"strategy": string(strategy)})
	}
	metrics.Record(c.obs, metrics.EventSessionFinished, c.clock.Now().Sub(s.StartedAt).Seconds(), map[string]string{
		"strategy": string(strategy),
		"outcome":  outcome,
	})
	return true
}

func (c *Controller) emit(events ...StateChange) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, ev := range events {
		c.logger.Debug("session_state_changed",
			slog.String("session_id", ev.SessionID),
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
			slog.String("reason", ev.Reason),
		)
		for _, l := range listeners {
			l.OnStateChange(ev)
		}
	}
}
