package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/logging"
)

type fakeBackend struct {
	mu       sync.Mutex
	received []outboundMessage
	gotEnd   chan struct{}
	reply    func(ws *websocket.Conn, msg outboundMessage)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{gotEnd: make(chan struct{}, 4)}
}

func (f *fakeBackend) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/audio-stream", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg outboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("unmarshal: %v", err)
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			if msg.Type == TypeEndStream {
				f.gotEnd <- struct{}{}
			}
			if f.reply != nil {
				f.reply(ws, msg)
			}
		}
	})
	return mux
}

func (f *fakeBackend) messages() []outboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outboundMessage(nil), f.received...)
}

type healthStub struct{ err error }

func (h healthStub) Health(context.Context) error { return h.err }

func dial(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	base, _ := url.Parse(srv.URL)
	c := NewClient(Config{URL: StreamURL(base, "")}, healthStub{}, logging.Discard())
	conn, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return conn
}

func TestStreamURL(t *testing.T) {
	base, _ := url.Parse("https://tutor.example.com/api")
	if got := StreamURL(base, ""); got != "wss://tutor.example.com/api/ws/audio-stream" {
		t.Fatalf("unexpected url %s", got)
	}
	base, _ = url.Parse("http://localhost:8000")
	if got := StreamURL(base, "/ws/x"); got != "ws://localhost:8000/ws/x" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestSendOrderAndSingleEndStream(t *testing.T) {
	fb := newFakeBackend()
	srv := httptest.NewServer(fb.handler(t))
	defer srv.Close()
	conn := dial(t, srv)

	for i := 0; i < 5; i++ {
		var f frames.PCMFrame
		f.Seq = uint64(i)
		f.Samples[0] = int16(i)
		if err := conn.SendPCM(f); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := conn.EndStream(); err != nil {
		t.Fatalf("end stream: %v", err)
	}
	if err := conn.EndStream(); err != nil {
		t.Fatalf("second end stream: %v", err)
	}
	select {
	case <-fb.gotEnd:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for end_stream")
	}
	conn.Close()
	conn.Close()

	msgs := fb.messages()
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	for i := 0; i < 5; i++ {
		if msgs[i].Type != TypePCMChunk || msgs[i].SampleRate != frames.SampleRate {
			t.Fatalf("unexpected message %d: %+v", i, msgs[i])
		}
		raw, err := base64.StdEncoding.DecodeString(msgs[i].Data)
		if err != nil || len(raw) != frames.FrameBytes {
			t.Fatalf("expected %d bytes payload, got %d (%v)", frames.FrameBytes, len(raw), err)
		}
		if raw[0] != byte(i) {
			t.Fatalf("expected frame %d in order, got first byte %d", i, raw[0])
		}
	}
	if msgs[5].Type != TypeEndStream {
		t.Fatalf("expected end_stream last, got %s", msgs[5].Type)
	}
}

func TestEventsFromBackend(t *testing.T) {
	fb := newFakeBackend()
	fb.reply = func(ws *websocket.Conn, msg outboundMessage) {
		switch msg.Type {
		case TypeAudioChunk:
			ws.WriteJSON(map[string]any{"type": "transcription", "transcription": " Hello ", "language": "en", "confidence": 0.8})
			ws.WriteJSON(map[string]any{"type": "transcription", "text": "world", "language": "english"})
			ws.WriteJSON(map[string]any{"type": "pong"})
			ws.WriteJSON(map[string]any{"type": "error", "message": "decoder crashed"})
		}
	}
	srv := httptest.NewServer(fb.handler(t))
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.SendChunk(frames.Chunk{Data: []byte{1, 2}, MimeType: "audio/pcm"}); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-conn.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out, got %d events", len(got))
		}
	}
	if got[0].Kind != EventTranscription || got[0].Fragment.Text != "Hello" || got[0].Fragment.Language != frames.English {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if got[1].Fragment.Text != "world" {
		t.Fatalf("expected text field accepted, got %+v", got[1])
	}
	if got[2].Kind != EventError || got[2].Message != "decoder crashed" {
		t.Fatalf("expected error event, got %+v", got[2])
	}
	msgs := fb.messages()
	if len(msgs) != 1 || msgs[0].Type != TypeAudioChunk || msgs[0].MimeType != "audio/pcm" {
		t.Fatalf("expected audio_chunk tagged audio/pcm, got %+v", msgs)
	}
}

func TestOpenFailsWhenBackendUnhealthy(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/ws/audio-stream"}, healthStub{err: errors.New("down")}, logging.Discard())
	_, err := c.Open(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonBackendUnavailable) {
		t.Fatalf("expected backend_unavailable, got %v", err)
	}
}

func TestOpenConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	c := NewClient(Config{URL: strings.Replace(addr, "http", "ws", 1) + DefaultStreamPath, HandshakeTimeout: time.Second}, nil, logging.Discard())
	_, err := c.Open(context.Background())
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if r := errorsx.Reason(err); r != errorsx.ReasonConnectionRefused && r != errorsx.ReasonTimeout {
		t.Fatalf("expected connection_refused or timeout, got %s", r)
	}
}

func TestSendAfterClose(t *testing.T) {
	fb := newFakeBackend()
	srv := httptest.NewServer(fb.handler(t))
	defer srv.Close()
	conn := dial(t, srv)
	conn.Close()
	if err := conn.SendPCM(frames.PCMFrame{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := conn.EndStream(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for end stream, got %v", err)
	}
	for range conn.Events() {
	}
}

func TestRemoteCloseSurfacesEvent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.WriteJSON(map[string]any{"type": "transcription", "transcription": "last words"})
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		ws.Close()
	}))
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()

	var kinds []EventKind
	for ev := range conn.Events() {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventClosed && ev.Err != nil {
			t.Fatalf("expected clean close, got %v", ev.Err)
		}
	}
	if len(kinds) != 2 || kinds[0] != EventTranscription || kinds[1] != EventClosed {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestAbruptCloseEventNotDroppedWhenQueueFull(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, text := range []string{"one", "two", "three"} {
			ws.WriteJSON(map[string]any{"type": "transcription", "transcription": text})
		}
		// No close frame.
		ws.UnderlyingConn().Close()
	}))
	defer srv.Close()
	base, _ := url.Parse(srv.URL)
	c := NewClient(Config{URL: StreamURL(base, ""), EventBuffer: 1}, nil, logging.Discard())
	conn, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	// Let the reader hit the dead socket while the queue is full.
	time.Sleep(100 * time.Millisecond)
	var texts []string
	var closed *Event
	timeout := time.After(2 * time.Second)
	for closed == nil {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				t.Fatalf("events closed without EventClosed, got %v", texts)
			}
			if ev.Kind == EventClosed {
				closed = &ev
				continue
			}
			texts = append(texts, ev.Fragment.Text)
		case <-timeout:
			t.Fatalf("timed out waiting for EventClosed, got %v", texts)
		}
	}
	if len(texts) != 3 {
		t.Fatalf("expected 3 transcriptions, got %v", texts)
	}
	if closed.Err == nil || !errorsx.HasReason(closed.Err, errorsx.ReasonStreamError) {
		t.Fatalf("expected stream error on abrupt close, got %v", closed.Err)
	}
}
