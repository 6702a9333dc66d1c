//go:build !portaudio

package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/bulbul/pkg/configutil"
)

// MicrophoneSettings configure the portaudio source.
type MicrophoneSettings struct {
	FramesPerBuffer *int `mapstructure:"frames_per_buffer"`
}

var microphoneSchema = configutil.Schema{Optional: []string{"frames_per_buffer"}}

// MicrophoneSource stub when portaudio is not compiled in.
type MicrophoneSource struct {
	logger *slog.Logger
}

func NewMicrophoneSource(_ MicrophoneSettings, logger *slog.Logger) *MicrophoneSource {
	return &MicrophoneSource{logger: logger}
}

func (m *MicrophoneSource) Name() string { return "portaudio" }

func (m *MicrophoneSource) Acquire(_ context.Context, _ Config) (Stream, error) {
	return nil, fmt.Errorf("microphone source not available, rebuild with -tags portaudio: %w", ErrCaptureUnavailable)
}
