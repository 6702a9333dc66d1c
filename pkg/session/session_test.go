package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/bulbul/pkg/aggregator"
	"github.com/harunnryd/bulbul/pkg/backend"
	"github.com/harunnryd/bulbul/pkg/capture"
	"github.com/harunnryd/bulbul/pkg/clock"
	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/logging"
	"github.com/harunnryd/bulbul/pkg/pcm"
	"github.com/harunnryd/bulbul/pkg/recorder"
	"github.com/harunnryd/bulbul/pkg/resilience"
	"github.com/harunnryd/bulbul/pkg/transport"
	"github.com/harunnryd/bulbul/pkg/worklet"
)

type fakeSource struct {
	mu      sync.Mutex
	err     error
	streams []*capture.PushStream
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Acquire(_ context.Context, cfg capture.Config) (capture.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := capture.NewPushStream(cfg, nil)
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) last() *capture.PushStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

// push feeds n full frames of a constant signal.
func (f *fakeSource) push(t *testing.T, n int) {
	t.Helper()
	s := f.last()
	for i := 0; i < n; i++ {
		block := frames.AcquireBlock(frames.FrameSamples)
		for j := range block {
			block[j] = 0.25
		}
		if !s.Push(block) {
			t.Fatalf("push %d rejected", i)
		}
	}
}

type uploadCall struct {
	audio    []byte
	filename string
	mime     string
}

type fakeBackend struct {
	mu        sync.Mutex
	uploads   []uploadCall
	direct    []time.Duration
	uploadRes backend.Transcription
	uploadErr error
	directRes backend.Transcription
	directErr error
}

func (f *fakeBackend) TranscribeFile(_ context.Context, audio []byte, filename, mimeType string) (backend.Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, uploadCall{audio: audio, filename: filename, mime: mimeType})
	return f.uploadRes, f.uploadErr
}

func (f *fakeBackend) RecordAndTranscribe(_ context.Context, d time.Duration) (backend.Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, d)
	return f.directRes, f.directErr
}

func (f *fakeBackend) calls() ([]uploadCall, []time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.uploads...), append([]time.Duration(nil), f.direct...)
}

type wireMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
	MimeType   string `json:"mime_type"`
}

type streamServer struct {
	mu          sync.Mutex
	connections int
	received    []wireMessage
	onMessage   func(ws *websocket.Conn, msg wireMessage)
}

func (s *streamServer) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(transport.DefaultStreamPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		s.mu.Lock()
		s.connections++
		s.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg wireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("unmarshal: %v", err)
				return
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()
			if s.onMessage != nil {
				s.onMessage(ws, msg)
			}
		}
	})
	return mux
}

func (s *streamServer) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.received {
		if m.Type == kind {
			n++
		}
	}
	return n
}

func (s *streamServer) mimeTypes(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.received {
		if m.Type == kind {
			out = append(out, m.MimeType)
		}
	}
	return out
}

func (s *streamServer) conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

type failingOpener struct {
	mu    sync.Mutex
	calls int
}

func (f *failingOpener) Open(context.Context) (*transport.Conn, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, errorsx.New(errorsx.ReasonConnectionRefused, "connection refused")
}

func (f *failingOpener) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorded struct {
	mu     sync.Mutex
	events []StateChange
}

func (r *recorded) OnStateChange(ev StateChange) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorded) fallbacks() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StateChange
	for _, ev := range r.events {
		if ev.Reason == ReasonFallback {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorded) has(from, to Phase, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.From == from && ev.To == to && ev.Reason == reason {
			return true
		}
	}
	return false
}

type utterances struct {
	mu  sync.Mutex
	got []aggregator.Utterance
}

func (u *utterances) handle(ut aggregator.Utterance) {
	u.mu.Lock()
	u.got = append(u.got, ut)
	u.mu.Unlock()
}

func (u *utterances) all() []aggregator.Utterance {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]aggregator.Utterance(nil), u.got...)
}

type harness struct {
	ctrl   *Controller
	src    *fakeSource
	be     *fakeBackend
	clock  *clock.Fake
	events *recorded
	said   *utterances
}

type harnessOpts struct {
	opener   Opener
	source   *fakeSource
	registry *worklet.Registry
	onBusy   BusyPolicy
	breaker  *resilience.CircuitBreaker
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	fc := clock.NewFake(time.Unix(1000, 0))
	said := &utterances{}
	agg := aggregator.New(aggregator.Config{Clock: fc}, said.handle, logging.Discard())
	src := o.source
	if src == nil {
		src = &fakeSource{}
	}
	registry := o.registry
	if registry == nil {
		registry = worklet.DefaultRegistry()
	}
	be := &fakeBackend{}
	ctrl, err := NewController(Config{Clock: fc, OnBusy: o.onBusy}, Deps{
		Source:     src,
		Opener:     o.opener,
		Backend:    be,
		Registry:   registry,
		Aggregator: agg,
		Breaker:    o.breaker,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h := &harness{ctrl: ctrl, src: src, be: be, clock: fc, events: &recorded{}, said: said}
	ctrl.AddListener(h.events)
	t.Cleanup(ctrl.Reset)
	return h
}

func streamOpener(t *testing.T, srv *httptest.Server) Opener {
	t.Helper()
	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return transport.NewClient(transport.Config{URL: transport.StreamURL(base, "")}, nil, logging.Discard())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSecondStartRejectedWhileCapturing(t *testing.T) {
	ss := &streamServer{}
	srv := httptest.NewServer(ss.handler(t))
	t.Cleanup(srv.Close)
	h := newHarness(t, harnessOpts{opener: streamOpener(t, srv)})

	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Strategy() != StrategyRealtimeWorklet {
		t.Fatalf("expected realtime-worklet, got %q", s.Strategy())
	}
	if _, err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if !errorsx.HasReason(ErrSessionActive, errorsx.ReasonSessionActive) {
		t.Fatalf("expected session_active reason")
	}
	waitFor(t, "connection", func() bool { return ss.conns() == 1 })
	if ss.conns() != 1 {
		t.Fatalf("expected one connection, got %d", ss.conns())
	}
	st := h.ctrl.Status()
	if !st.IsRecording || st.IsProcessing {
		t.Fatalf("expected recording status, got %+v", st)
	}
	if st.ProcessingModeText != "Real-time streaming" {
		t.Fatalf("expected realtime mode text, got %q", st.ProcessingModeText)
	}
}

func TestBusyResetReplacesSession(t *testing.T) {
	h := newHarness(t, harnessOpts{onBusy: BusyReset})

	first, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	firstStream := h.src.last()
	second, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected a new session")
	}
	if !firstStream.Closed() {
		t.Fatalf("expected first capture released")
	}
	if !h.events.has(PhaseCapturing, PhaseResetting, ReasonBusyReset) {
		t.Fatalf("expected busy reset transition")
	}
	if h.ctrl.Phase() != PhaseCapturing {
		t.Fatalf("expected capturing, got %s", h.ctrl.Phase())
	}
}

func TestDoubleStopSendsOneEndStream(t *testing.T) {
	ss := &streamServer{}
	srv := httptest.NewServer(ss.handler(t))
	t.Cleanup(srv.Close)
	h := newHarness(t, harnessOpts{opener: streamOpener(t, srv)})

	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.src.push(t, 3)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	waitFor(t, "end_stream", func() bool { return ss.count(transport.TypeEndStream) == 1 })
	if n := ss.count(transport.TypePCMChunk); n != 3 {
		t.Fatalf("expected 3 pcm_chunk messages, got %d", n)
	}
	if n := ss.count(transport.TypeEndStream); n != 1 {
		t.Fatalf("expected one end_stream, got %d", n)
	}
	if st := h.ctrl.Status(); st.FramesSent != 3 || st.ChunksSent != 0 {
		t.Fatalf("expected 3 frames and no chunks sent, got %d and %d", st.FramesSent, st.ChunksSent)
	}
	if h.ctrl.Phase() != PhaseComplete {
		t.Fatalf("expected complete, got %s", h.ctrl.Phase())
	}
	h.clock.Advance(2 * time.Second)
	if h.ctrl.Phase() != PhaseIdle {
		t.Fatalf("expected idle after grace, got %s", h.ctrl.Phase())
	}
}

func TestModuleLoadFailureFallsBackToRecorder(t *testing.T) {
	ss := &streamServer{}
	srv := httptest.NewServer(ss.handler(t))
	t.Cleanup(srv.Close)
	h := newHarness(t, harnessOpts{opener: streamOpener(t, srv), registry: worklet.NewRegistry()})

	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Strategy() != StrategyRealtimeRecorder {
		t.Fatalf("expected realtime-recorder, got %q", s.Strategy())
	}
	fb := h.events.fallbacks()
	if len(fb) != 1 || fb[0].Strategy != StrategyRealtimeRecorder || fb[0].From != PhaseCapturing || fb[0].To != PhaseCapturing {
		t.Fatalf("unexpected fallback events %+v", fb)
	}
	if !errorsx.HasReason(fb[0].Err, errorsx.ReasonModuleLoad) {
		t.Fatalf("expected module_load reason, got %v", fb[0].Err)
	}

	h.src.push(t, 2)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "end_stream", func() bool { return ss.count(transport.TypeEndStream) == 1 })
	if ss.count(transport.TypeAudioChunk) < 1 {
		t.Fatalf("expected at least one audio_chunk")
	}
	for _, mt := range ss.mimeTypes(transport.TypeAudioChunk) {
		if mt != recorder.MimeFLAC {
			t.Fatalf("expected flac chunks, got %q", mt)
		}
	}
	if ss.conns() != 1 {
		t.Fatalf("expected the connection to be reused, got %d", ss.conns())
	}
}

func TestTransportFailureFallsBackToUpload(t *testing.T) {
	op := &failingOpener{}
	h := newHarness(t, harnessOpts{opener: op})
	h.be.uploadRes = backend.Transcription{Text: "مرحبا", Language: "ar"}

	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Strategy() != StrategyFileUpload {
		t.Fatalf("expected file-upload, got %q", s.Strategy())
	}
	if op.opens() != 1 {
		t.Fatalf("expected a single dial attempt, got %d", op.opens())
	}
	if n := len(h.events.fallbacks()); n != 2 {
		t.Fatalf("expected two fallbacks, got %d", n)
	}

	h.src.push(t, 2)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	uploads, _ := h.be.calls()
	if len(uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(uploads))
	}
	if uploads[0].filename != "recording.wav" || uploads[0].mime != "audio/wav" {
		t.Fatalf("unexpected upload %q %q", uploads[0].filename, uploads[0].mime)
	}
	samples, rate, err := pcm.DecodeWAV(bytes.NewReader(uploads[0].audio))
	if err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if rate != frames.SampleRate || len(samples) != 2*frames.FrameSamples {
		t.Fatalf("expected %d samples at 16k, got %d at %d", 2*frames.FrameSamples, len(samples), rate)
	}
	if h.ctrl.Phase() != PhaseComplete {
		t.Fatalf("expected complete, got %s", h.ctrl.Phase())
	}
	if !h.events.has(PhaseCapturing, PhaseProcessing, ReasonStopped) {
		t.Fatalf("expected capturing -> processing")
	}
	said := h.said.all()
	if len(said) != 1 || said[0].Text != "مرحبا" || said[0].Language != frames.Arabic {
		t.Fatalf("unexpected utterances %+v", said)
	}
}

func TestServerErrorMidStreamKeepsBufferedAudio(t *testing.T) {
	ss := &streamServer{}
	var once sync.Once
	ss.onMessage = func(ws *websocket.Conn, msg wireMessage) {
		if msg.Type != transport.TypePCMChunk {
			return
		}
		once.Do(func() {
			ws.WriteJSON(map[string]string{"type": "error", "message": "decoder crashed"})
		})
	}
	srv := httptest.NewServer(ss.handler(t))
	t.Cleanup(srv.Close)
	h := newHarness(t, harnessOpts{opener: streamOpener(t, srv)})
	h.be.uploadRes = backend.Transcription{Text: "hello there", Language: "en"}

	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.src.push(t, 1)
	waitFor(t, "fallback to upload", func() bool { return h.ctrl.Status().Strategy == StrategyFileUpload })
	h.src.push(t, 1)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	uploads, _ := h.be.calls()
	if len(uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(uploads))
	}
	samples, _, err := pcm.DecodeWAV(bytes.NewReader(uploads[0].audio))
	if err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if len(samples) != 2*frames.FrameSamples {
		t.Fatalf("expected audio from before and after the error, got %d samples", len(samples))
	}
	if ss.count(transport.TypeEndStream) != 0 {
		t.Fatalf("expected no end_stream on the failed connection")
	}
}

func TestCaptureUnavailableUsesDirectCapture(t *testing.T) {
	src := &fakeSource{err: capture.ErrCaptureUnavailable}
	h := newHarness(t, harnessOpts{source: src, opener: &failingOpener{}})
	h.be.directRes = backend.Transcription{Text: "صباح الخير", Language: "arabic"}

	s, err := h.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Strategy() != StrategyDirectCapture {
		t.Fatalf("expected direct-capture, got %q", s.Strategy())
	}
	waitFor(t, "complete", func() bool { return h.ctrl.Phase() == PhaseComplete })
	_, direct := h.be.calls()
	if len(direct) != 1 || direct[0] != 3*time.Second {
		t.Fatalf("expected one 3s direct capture, got %v", direct)
	}
	if said := h.said.all(); len(said) != 1 || said[0].Text != "صباح الخير" {
		t.Fatalf("unexpected utterances %+v", said)
	}
}

func TestDeviceErrorFailsThenReturnsToIdle(t *testing.T) {
	src := &fakeSource{err: capture.ErrPermissionDenied}
	h := newHarness(t, harnessOpts{source: src})

	_, err := h.ctrl.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	st := h.ctrl.Status()
	if st.Phase != PhaseFailed || !errors.Is(st.Err, capture.ErrPermissionDenied) {
		t.Fatalf("unexpected status %+v", st)
	}
	uploads, direct := h.be.calls()
	if len(uploads)+len(direct) != 0 {
		t.Fatalf("expected no backend calls after a device error")
	}
	h.clock.Advance(time.Second)
	if h.ctrl.Phase() != PhaseFailed {
		t.Fatalf("expected failed before grace elapses")
	}
	h.clock.Advance(time.Second)
	if h.ctrl.Phase() != PhaseIdle {
		t.Fatalf("expected idle after grace, got %s", h.ctrl.Phase())
	}
	if !h.events.has(PhaseFailed, PhaseIdle, ReasonGraceElapsed) {
		t.Fatalf("expected grace transition")
	}
}

func TestStopWithoutAudioCompletesWithoutUpload(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	uploads, _ := h.be.calls()
	if len(uploads) != 0 {
		t.Fatalf("expected no upload, got %d", len(uploads))
	}
	if !h.events.has(PhaseProcessing, PhaseComplete, ReasonNoAudio) {
		t.Fatalf("expected no_audio completion")
	}
}

func TestEmptyTranscriptionIsNothingSaid(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.be.uploadRes = backend.Transcription{Text: "   "}
	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.src.push(t, 1)
	if err := h.ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !h.events.has(PhaseProcessing, PhaseComplete, ReasonNothingSaid) {
		t.Fatalf("expected nothing_said completion")
	}
	if n := len(h.said.all()); n != 0 {
		t.Fatalf("expected no dispatch, got %d", n)
	}
}

func TestUploadFailureFallsBackToDirectCapture(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.be.uploadErr = errorsx.New(errorsx.ReasonUpload, "upload rejected")
	h.be.directErr = errorsx.New(errorsx.ReasonBackendUnavailable, "backend down")
	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.src.push(t, 1)
	if err := h.ctrl.Stop(context.Background()); err == nil {
		t.Fatalf("expected stop to report the failure")
	}
	_, direct := h.be.calls()
	if len(direct) != 1 {
		t.Fatalf("expected direct capture attempt, got %d", len(direct))
	}
	st := h.ctrl.Status()
	if st.Phase != PhaseFailed || st.Strategy != StrategyDirectCapture {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.ctrl.Reset()
	if n := len(h.events.events); n != 0 {
		t.Fatalf("expected no events for idle reset, got %d", n)
	}
	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := h.src.last()
	h.ctrl.Reset()
	h.ctrl.Reset()
	if !stream.Closed() {
		t.Fatalf("expected capture released")
	}
	if h.ctrl.Phase() != PhaseIdle {
		t.Fatalf("expected idle, got %s", h.ctrl.Phase())
	}
	if !h.events.has(PhaseResetting, PhaseIdle, ReasonReset) {
		t.Fatalf("expected resetting -> idle")
	}
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop after reset: %v", err)
	}
}

func TestStrategyOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	want := []Strategy{StrategyRealtimeWorklet, StrategyRealtimeRecorder, StrategyFileUpload, StrategyDirectCapture}
	got := h.ctrl.Strategies()
	if len(got) != len(want) {
		t.Fatalf("expected %d strategies, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %s at %d, got %s", want[i], i, got[i])
		}
	}
}

func TestTransitionTable(t *testing.T) {
	if !transitionValid(PhaseIdle, PhaseCapturing) {
		t.Fatalf("expected idle -> capturing")
	}
	if transitionValid(PhaseIdle, PhaseProcessing) {
		t.Fatalf("expected idle -> processing rejected")
	}
	if transitionValid(PhaseComplete, PhaseCapturing) {
		t.Fatalf("expected complete -> capturing rejected")
	}
	err := &InvalidTransitionError{From: PhaseIdle, To: PhaseComplete}
	if err.Error() != "invalid phase transition from idle to complete" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestOpenBreakerSkipsDialing(t *testing.T) {
	op := &failingOpener{}
	h := newHarness(t, harnessOpts{opener: op, breaker: resilience.NewCircuitBreaker(2, time.Hour)})

	want := []int{1, 2, 2, 2}
	for i, opens := range want {
		s, err := h.ctrl.Start(context.Background())
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if s.Strategy() != StrategyFileUpload {
			t.Fatalf("start %d: expected file-upload, got %q", i, s.Strategy())
		}
		if op.opens() != opens {
			t.Fatalf("start %d: expected %d dials, got %d", i, opens, op.opens())
		}
		h.ctrl.Reset()
	}
	fb := h.events.fallbacks()
	last := fb[len(fb)-2]
	if !errorsx.HasReason(last.Err, errorsx.ReasonCircuitOpen) {
		t.Fatalf("expected circuit_open on the last streaming fallback, got %v", last.Err)
	}
}

func TestCaptureLostAfterAudioUploads(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.be.uploadRes = backend.Transcription{Text: "hello", Language: "en"}
	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.src.push(t, 1)
	h.src.last().Fail(capture.ErrDeviceBusy)

	waitFor(t, "complete", func() bool { return h.ctrl.Phase() == PhaseComplete })
	uploads, direct := h.be.calls()
	if len(uploads) != 1 || len(direct) != 0 {
		t.Fatalf("expected one upload and no direct capture, got %d and %d", len(uploads), len(direct))
	}
	samples, _, err := pcm.DecodeWAV(bytes.NewReader(uploads[0].audio))
	if err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if len(samples) != frames.FrameSamples {
		t.Fatalf("expected %d samples, got %d", frames.FrameSamples, len(samples))
	}
	if !h.events.has(PhaseCapturing, PhaseProcessing, ReasonStopped) {
		t.Fatalf("expected capturing -> processing")
	}
}

func TestCaptureLostBeforeAudioRecordsOnBackend(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.be.directRes = backend.Transcription{Text: "marhaba", Language: "ar"}
	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.src.last().Fail(capture.ErrDeviceBusy)

	waitFor(t, "complete", func() bool { return h.ctrl.Phase() == PhaseComplete })
	uploads, direct := h.be.calls()
	if len(uploads) != 0 || len(direct) != 1 {
		t.Fatalf("expected direct capture only, got %d uploads and %d direct", len(uploads), len(direct))
	}
	if !h.events.has(PhaseCapturing, PhaseProcessing, ReasonCaptureLost) {
		t.Fatalf("expected capture_lost transition")
	}
	fb := h.events.fallbacks()
	last := fb[len(fb)-1]
	if last.Strategy != StrategyDirectCapture || !errors.Is(last.Err, capture.ErrDeviceBusy) {
		t.Fatalf("unexpected fallback %+v", last)
	}
	if st := h.ctrl.Status(); st.Strategy != StrategyDirectCapture {
		t.Fatalf("expected direct-capture strategy, got %q", st.Strategy)
	}
	if said := h.said.all(); len(said) != 1 || said[0].Text != "marhaba" {
		t.Fatalf("unexpected utterances %+v", said)
	}
}
