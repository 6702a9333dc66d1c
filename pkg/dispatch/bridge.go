// Package dispatch forwards finished utterances to the chat endpoint.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/bulbul/pkg/aggregator"
	"github.com/harunnryd/bulbul/pkg/backend"
	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/metrics"
	"github.com/harunnryd/bulbul/pkg/redact"
)

// Chatter is the chat half of the backend client.
type Chatter interface {
	Chat(ctx context.Context, message string, language frames.Language) (backend.Reply, error)
}

// Reply pairs an utterance with the assistant's answer.
type Reply struct {
	Utterance aggregator.Utterance
	Text      string
	Language  frames.Language
	Latency   time.Duration
}

type (
	ReplyHandler func(Reply)
	ErrorHandler func(aggregator.Utterance, error)
)

type Config struct {
	Timeout time.Duration
}

// Bridge sends utterances without blocking the caller. Failures are logged
// and reported to the error handler; nothing is retried.
type Bridge struct {
	chat    Chatter
	cfg     Config
	obs     metrics.Observer
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	onReply ReplyHandler
	onError ErrorHandler
}

func New(chat Chatter, cfg Config, obs metrics.Observer, logger *slog.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{chat: chat, cfg: cfg, obs: obs, logger: logger, ctx: ctx, cancel: cancel}
}

func (b *Bridge) OnReply(h ReplyHandler) {
	b.mu.Lock()
	b.onReply = h
	b.mu.Unlock()
}

func (b *Bridge) OnError(h ErrorHandler) {
	b.mu.Lock()
	b.onError = h
	b.mu.Unlock()
}

// Send dispatches u on its own goroutine. It matches aggregator.Handler.
func (b *Bridge) Send(u aggregator.Utterance) {
	if b.ctx.Err() != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		reply, err := b.Do(b.ctx, u)
		b.mu.RLock()
		onReply, onError := b.onReply, b.onError
		b.mu.RUnlock()
		if err != nil {
			if onError != nil {
				onError(u, err)
			}
			return
		}
		if onReply != nil {
			onReply(reply)
		}
	}()
}

// Do sends u and waits for the reply.
func (b *Bridge) Do(ctx context.Context, u aggregator.Utterance) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := b.chat.Chat(ctx, u.Text, u.Language)
	elapsed := time.Since(start)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonDispatch)
		b.logger.Warn("dispatch_failed",
			slog.String("text", redact.Preview(u.Text, 80)),
			slog.String("language", string(u.Language)),
			slog.String("error", err.Error()),
		)
		metrics.Record(b.obs, metrics.EventDispatchFailed, 1, map[string]string{"reason": string(errorsx.Reason(err))})
		return Reply{}, err
	}
	reply := Reply{
		Utterance: u,
		Text:      resp.Text,
		Language:  frames.ParseLanguage(resp.Language, u.Language),
		Latency:   elapsed,
	}
	b.logger.Info("dispatch_succeeded",
		slog.String("language", string(reply.Language)),
		slog.Duration("latency", elapsed),
	)
	metrics.Record(b.obs, metrics.EventDispatchSucceeded, elapsed.Seconds(), map[string]string{"language": string(u.Language)})
	return reply, nil
}

// Wait blocks until in-flight dispatches finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Close cancels in-flight dispatches and waits for them.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}
