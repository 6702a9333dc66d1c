package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
)

var (
	ErrPermissionDenied = errorsx.New(errorsx.ReasonPermissionDenied, "microphone permission denied")
	ErrDeviceNotFound   = errorsx.New(errorsx.ReasonDeviceNotFound, "no microphone found")
	ErrDeviceBusy       = errorsx.New(errorsx.ReasonDeviceBusy, "microphone is in use")
	// ErrCaptureUnavailable means local capture cannot run at all; the
	// backend can still record on the user's behalf.
	ErrCaptureUnavailable = errorsx.New(errorsx.ReasonCaptureUnavailable, "audio capture not available")
)

// Config describes the requested capture. The signal must reach the
// encoder raw, so the three processing switches must stay off.
type Config struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	// StreamBuffer is the number of blocks queued for the samples tap.
	StreamBuffer int
	// Smoothing is the analyser time constant.
	Smoothing float64
}

// DefaultConfig is 16 kHz mono with all processing disabled.
func DefaultConfig() Config {
	return Config{
		SampleRate:   frames.SampleRate,
		Channels:     1,
		StreamBuffer: 256,
		Smoothing:    DefaultSmoothing,
	}
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return errors.New("capture sample rate must be positive")
	}
	if c.Channels != 1 {
		return fmt.Errorf("capture supports mono only, got %d channels", c.Channels)
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		return errors.New("capture must not apply echo cancellation, noise suppression or gain control")
	}
	return nil
}

// Source acquires the microphone.
type Source interface {
	Name() string
	Acquire(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is a live capture. Samples is the encoding tap; Analyser is the
// level-meter tap. Blocks received from Samples belong to the receiver and
// may be handed back with frames.ReleaseBlock. Close releases the device
// and is idempotent. Err is non-nil when Samples closed because the device
// failed rather than because Close was called.
type Stream interface {
	Samples() <-chan []float32
	Analyser() *Analyser
	SampleRate() int
	Dropped() int64
	Err() error
	Close() error
}
