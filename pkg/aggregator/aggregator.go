// Package aggregator joins transcript fragments into one utterance and
// decides, by silence, when the utterance is finished.
package aggregator

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/bulbul/pkg/clock"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/redact"
)

// DefaultSilenceTimeout is how long without a fragment ends an utterance.
const DefaultSilenceTimeout = 10 * time.Second

// Utterance is a completed, non-empty transcript.
type Utterance struct {
	Text        string
	Language    frames.Language
	Fragments   int
	StartedAt   time.Time
	CompletedAt time.Time
}

// Handler receives completed utterances. It is called outside the
// aggregator lock, on the timer goroutine or the caller's goroutine.
type Handler func(Utterance)

type Config struct {
	SilenceTimeout  time.Duration
	MaxHistory      int
	DefaultLanguage frames.Language
	Clock           clock.Clock
}

type Aggregator struct {
	mu         sync.Mutex
	cfg        Config
	clock      clock.Clock
	logger     *slog.Logger
	onComplete Handler

	parts     []string
	lang      frames.Language
	fragments int
	startedAt time.Time

	timer      clock.Timer
	gen        uint64
	dispatched bool
	history    []Utterance
}

func New(cfg Config, onComplete Handler, logger *slog.Logger) *Aggregator {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 20
	}
	if !cfg.DefaultLanguage.Valid() {
		cfg.DefaultLanguage = frames.Arabic
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logger,
		onComplete: onComplete,
		lang:       cfg.DefaultLanguage,
	}
}

// OnFragment appends a fragment and restarts the silence timer. Blank
// fragments are ignored so a silent stream still times out.
func (a *Aggregator) OnFragment(f frames.Fragment) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	a.mu.Lock()
	a.appendLocked(text, f)
	// Stop before re-arming; there is never more than one pending timer.
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = a.clock.AfterFunc(a.cfg.SilenceTimeout, func() { a.complete(gen) })
	a.mu.Unlock()

	a.logger.Debug("transcript_fragment",
		slog.String("text", redact.Preview(text, 80)),
		slog.String("language", string(f.Language)),
	)
}

// Finalize appends f and completes the utterance immediately. It reports
// whether an utterance was handed to the handler; false means there was
// nothing to say.
func (a *Aggregator) Finalize(f frames.Fragment) bool {
	text := strings.TrimSpace(f.Text)
	a.mu.Lock()
	if text != "" {
		a.appendLocked(text, f)
	}
	a.gen++
	gen := a.gen
	a.mu.Unlock()
	return a.complete(gen)
}

// EndOfUtterance completes the current buffer without waiting for silence.
func (a *Aggregator) EndOfUtterance() bool {
	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.mu.Unlock()
	return a.complete(gen)
}

// Clear drops the buffer, cancels the timer and re-arms dispatch.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.parts = nil
	a.fragments = 0
	a.lang = a.cfg.DefaultLanguage
	a.startedAt = time.Time{}
	a.dispatched = false
}

// Text is the current buffer.
func (a *Aggregator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.parts, " ")
}

// Language is the language of the most recent fragment.
func (a *Aggregator) Language() frames.Language {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lang
}

// Receiving is true while a silence timer is pending.
func (a *Aggregator) Receiving() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// History returns completed utterances, oldest first.
func (a *Aggregator) History() []Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Utterance, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Aggregator) appendLocked(text string, f frames.Fragment) {
	now := f.ReceivedAt
	if now.IsZero() {
		now = a.clock.Now()
	}
	if len(a.parts) == 0 {
		a.startedAt = now
	}
	a.parts = append(a.parts, text)
	a.fragments++
	if f.Language.Valid() {
		a.lang = f.Language
	}
	a.dispatched = false
}

func (a *Aggregator) complete(gen uint64) bool {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	text := strings.TrimSpace(strings.Join(a.parts, " "))
	if text == "" || a.dispatched {
		a.mu.Unlock()
		return false
	}
	a.dispatched = true
	u := Utterance{
		Text:        text,
		Language:    a.lang,
		Fragments:   a.fragments,
		StartedAt:   a.startedAt,
		CompletedAt: a.clock.Now(),
	}
	a.history = append(a.history, u)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
	h := a.onComplete
	a.mu.Unlock()

	a.logger.Info("utterance_completed",
		slog.String("text", redact.Preview(u.Text, 80)),
		slog.String("language", string(u.Language)),
		slog.Int("fragments", u.Fragments),
	)
	if h != nil {
		h(u)
	}
	return true
}
