//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/harunnryd/bulbul/pkg/configutil"
	"github.com/harunnryd/bulbul/pkg/frames"
)

// MicrophoneSettings configure the portaudio source.
type MicrophoneSettings struct {
	FramesPerBuffer *int `mapstructure:"frames_per_buffer"`
}

var microphoneSchema = configutil.Schema{Optional: []string{"frames_per_buffer"}}

// MicrophoneSource reads the default input device through portaudio.
// portaudio applies no echo cancellation, noise suppression or gain control.
type MicrophoneSource struct {
	settings MicrophoneSettings
	logger   *slog.Logger
}

func NewMicrophoneSource(settings MicrophoneSettings, logger *slog.Logger) *MicrophoneSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MicrophoneSource{settings: settings, logger: logger}
}

func (m *MicrophoneSource) Name() string { return "portaudio" }

func (m *MicrophoneSource) Acquire(ctx context.Context, cfg Config) (Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio: %w", errors.Join(ErrCaptureUnavailable, err))
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("default input device: %w", errors.Join(ErrDeviceNotFound, err))
	}

	size := configutil.IntValue(m.settings.FramesPerBuffer, frames.BlockSize)
	buffer := make([]float32, size)
	pa, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), len(buffer), buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("opening stream: %w", classifyPortaudio(err))
	}
	if err := pa.Start(); err != nil {
		pa.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("starting stream: %w", classifyPortaudio(err))
	}

	quit := make(chan struct{})
	var wg sync.WaitGroup
	var stopOnce sync.Once
	stream := NewPushStream(cfg, func() error {
		var err error
		stopOnce.Do(func() {
			close(quit)
			if stopErr := pa.Stop(); stopErr != nil {
				err = stopErr
			}
			wg.Wait()
			if closeErr := pa.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
			portaudio.Terminate()
		})
		return err
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := pa.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					continue
				}
				m.logger.Warn("portaudio_read_failed", slog.String("error", err.Error()))
				// The closer waits for this goroutine.
				go stream.Fail(fmt.Errorf("reading microphone: %w", classifyPortaudio(err)))
				return
			}
			b := frames.AcquireBlock(len(buffer))
			copy(b, buffer)
			stream.Push(b)
		}
	}()
	m.logger.Info("microphone_started", slog.Int("sample_rate", cfg.SampleRate), slog.Int("frames_per_buffer", size))
	return stream, nil
}

func classifyPortaudio(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable):
		return errors.Join(ErrDeviceBusy, err)
	case errors.Is(err, portaudio.InvalidDevice):
		return errors.Join(ErrDeviceNotFound, err)
	case strings.Contains(strings.ToLower(err.Error()), "permission"):
		return errors.Join(ErrPermissionDenied, err)
	default:
		return errors.Join(ErrCaptureUnavailable, err)
	}
}
