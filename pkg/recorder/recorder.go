// Package recorder buffers captured audio and hands it out as encoded
// chunks, one per timeslice, for links that cannot take raw PCM frames.
package recorder

import (
	"fmt"
	"mime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/bulbul/pkg/clock"
	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/pcm"
)

const (
	MimeFLAC = "audio/flac"
	MimePCM  = "audio/pcm"
	MimeWAV  = "audio/wav"
)

// DefaultMimeTypes prefers the compressed type.
var DefaultMimeTypes = []string{MimeFLAC, MimePCM, MimeWAV}

var ErrEncodingUnsupported = errorsx.New(errorsx.ReasonEncodingUnsupported, "no supported recording format")

var encoders = map[string]func(samples []int16, rate int) ([]byte, error){
	MimeFLAC:      pcm.EncodeFLAC,
	"audio/x-flac": pcm.EncodeFLAC,
	MimePCM:       encodeRaw,
	MimeWAV:       pcm.EncodeWAV,
	"audio/x-wav": pcm.EncodeWAV,
}

func encodeRaw(s []int16, _ int) ([]byte, error) { return pcm.EncodeRaw(s), nil }

func baseType(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}

// IsTypeSupported reports whether chunks can be produced in the given type.
// Parameters such as ";rate=16000" are ignored.
func IsTypeSupported(mimeType string) bool {
	_, ok := encoders[baseType(mimeType)]
	return ok
}

// PickMimeType returns the first supported type from preferred.
func PickMimeType(preferred []string) (string, error) {
	for _, m := range preferred {
		if IsTypeSupported(m) {
			return m, nil
		}
	}
	return "", fmt.Errorf("tried %s: %w", strings.Join(preferred, ", "), ErrEncodingUnsupported)
}

type Config struct {
	MimeTypes []string
	// Timeslice is the chunk period. Zero produces a single chunk on Stop.
	Timeslice   time.Duration
	SampleRate  int
	ChunkBuffer int
	// Clock drives the timeslice; nil uses the wall clock.
	Clock clock.Clock
}

type Recorder struct {
	cfg    Config
	mime   string
	encode func([]int16, int) ([]byte, error)

	mu      sync.Mutex
	pending []int16
	seq     uint64
	stopped bool

	data     chan frames.Chunk
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Int64
	failures atomic.Int64
}

// New negotiates the chunk type and returns an idle recorder.
func New(cfg Config) (*Recorder, error) {
	if len(cfg.MimeTypes) == 0 {
		cfg.MimeTypes = DefaultMimeTypes
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = frames.SampleRate
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = 16
	}
	mt, err := PickMimeType(cfg.MimeTypes)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		cfg:    cfg,
		mime:   mt,
		encode: encoders[baseType(mt)],
		data:   make(chan frames.Chunk, cfg.ChunkBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (r *Recorder) MimeType() string { return r.mime }

// Data delivers chunks in order; closed after Stop.
func (r *Recorder) Data() <-chan frames.Chunk { return r.data }

func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Start begins timeslice flushing. Calling it twice is a no-op.
func (r *Recorder) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	var ticker clock.Ticker
	if r.cfg.Timeslice > 0 {
		ticker = r.cfg.Clock.NewTicker(r.cfg.Timeslice)
	}
	go r.loop(ticker)
}

// Write appends captured samples.
func (r *Recorder) Write(block []float32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	for _, s := range block {
		r.pending = append(r.pending, pcm.Scale(s))
	}
	return true
}

// Stop flushes what is left as a final chunk and closes Data. Nothing is
// sent when no audio arrived since the last chunk. Idempotent.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.started.Load() {
			<-r.done
		}
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		r.flush(true)
		close(r.data)
	})
}

func (r *Recorder) loop(ticker clock.Ticker) {
	defer close(r.done)
	if ticker == nil {
		<-r.quit
		return
	}
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C():
			r.flush(false)
		}
	}
}

func (r *Recorder) flush(final bool) {
	r.mu.Lock()
	samples := r.pending
	r.pending = nil
	seq := r.seq
	if len(samples) > 0 {
		r.seq++
	}
	r.mu.Unlock()

	if len(samples) == 0 {
		return
	}
	payload, err := r.encode(samples, r.cfg.SampleRate)
	if err != nil {
		r.failures.Add(1)
		return
	}
	chunk := frames.Chunk{
		Seq:        seq,
		Data:       payload,
		MimeType:   r.mime,
		SampleRate: r.cfg.SampleRate,
		Final:      final,
	}
	if final {
		select {
		case r.data <- chunk:
		default:
			r.dropped.Add(1)
		}
		return
	}
	select {
	case r.data <- chunk:
	case <-r.quit:
		r.dropped.Add(1)
	}
}
