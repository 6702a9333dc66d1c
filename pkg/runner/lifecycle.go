package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

type Options struct {
	Title        string
	DrainTimeout time.Duration
	Logger       *slog.Logger
	// Quiet skips the banner.
	Quiet bool
}

type LifecycleRunner struct {
	state    int32
	cancel   atomic.Pointer[context.CancelFunc]
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	opts     Options
	logger   *slog.Logger
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, opts Options) *LifecycleRunner {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.Title == "" {
		opts.Title = "BULBUL"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleRunner{
		state:   int32(StateNew),
		hooks:   hooks,
		drainer: drainer,
		opts:    opts,
		logger:  logger.With(slog.String("component", "runner")),
	}
}

// Run starts the hooks and blocks until ctx is done or Stop is called, then
// drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	if !r.opts.Quiet {
		PrintBanner(nil, r.opts.Title)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel.Store(&cancel)
	defer cancel()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			r.logger.Error("runner_start_failed", slog.String("error", err.Error()))
			r.stop()
			return err
		}
	}
	r.setState(StateRunning)
	r.logger.Info("runner_started")
	<-ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	if cancel := r.cancel.Load(); cancel != nil {
		(*cancel)()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain() }()
			select {
			case err := <-done:
				if err != nil {
					r.logger.Warn("runner_drain_failed", slog.String("error", err.Error()))
				}
			case <-time.After(r.opts.DrainTimeout):
				r.stopErr = ErrDrainTimeout
				r.logger.Warn("runner_drain_timeout", slog.Duration("timeout", r.opts.DrainTimeout))
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		r.logger.Info("runner_stopped")
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
