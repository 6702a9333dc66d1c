package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/bulbul/pkg/configutil"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/pcm"
)

// WAVSettings configure the file replay source.
type WAVSettings struct {
	Path string `mapstructure:"path"`
	// Realtime paces blocks at the capture rate. Off in tests.
	Realtime *bool `mapstructure:"realtime"`
	// Loop restarts the file instead of padding with silence.
	Loop      bool `mapstructure:"loop"`
	BlockSize *int `mapstructure:"block_size"`
}

var wavSchema = configutil.Schema{
	Required: []string{"path"},
	Optional: []string{"realtime", "loop", "block_size"},
}

// WAVSource replays a WAV file as if it were a microphone. After the file
// ends it keeps producing silence (or loops) until the stream is closed.
type WAVSource struct {
	settings WAVSettings
	logger   *slog.Logger
}

func NewWAVSource(settings WAVSettings, logger *slog.Logger) *WAVSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &WAVSource{settings: settings, logger: logger}
}

func (w *WAVSource) Name() string { return "wav" }

func (w *WAVSource) Acquire(ctx context.Context, cfg Config) (Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(w.settings.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", w.settings.Path, ErrDeviceNotFound)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("open %s: %w", w.settings.Path, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("open %s: %w", w.settings.Path, err)
	}
	samples, rate, err := pcm.DecodeWAV(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", w.settings.Path, err)
	}
	if rate != cfg.SampleRate {
		return nil, fmt.Errorf("%s is %d Hz, capture needs %d Hz", w.settings.Path, rate, cfg.SampleRate)
	}

	block := configutil.IntValue(w.settings.BlockSize, frames.BlockSize)
	realtime := configutil.BoolValue(w.settings.Realtime, true)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	var stopOnce sync.Once
	stream := NewPushStream(cfg, func() error {
		stopOnce.Do(func() { close(quit) })
		wg.Wait()
		return nil
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.replay(ctx, stream, samples, block, cfg.SampleRate, realtime, quit)
	}()
	w.logger.Info("wav_capture_started", slog.String("path", w.settings.Path), slog.Int("samples", len(samples)))
	return stream, nil
}

func (w *WAVSource) replay(ctx context.Context, stream *PushStream, samples []float32, block, rate int, realtime bool, quit <-chan struct{}) {
	var tick <-chan time.Time
	if realtime {
		ticker := time.NewTicker(time.Duration(block) * time.Second / time.Duration(rate))
		defer ticker.Stop()
		tick = ticker.C
	}
	pos := 0
	for {
		if tick != nil {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			default:
			}
			if pos >= len(samples) && !w.settings.Loop {
				// Without pacing, stop once the file is exhausted.
				<-quit
				return
			}
		}
		b := frames.AcquireBlock(block)
		for i := range b {
			if pos >= len(samples) && w.settings.Loop && len(samples) > 0 {
				pos = 0
			}
			if pos < len(samples) {
				b[i] = samples[pos]
				pos++
			} else {
				b[i] = 0
			}
		}
		stream.Push(b)
	}
}
