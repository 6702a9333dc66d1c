package capture

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/bulbul/pkg/configutil"
)

// New builds the capture source named by provider from its free-form settings.
func New(provider string, settings map[string]any, logger *slog.Logger) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "portaudio", "microphone", "":
		var s MicrophoneSettings
		if err := configutil.DecodeSettings(settings, microphoneSchema, &s); err != nil {
			return nil, fmt.Errorf("capture.settings for portaudio: %w", err)
		}
		return NewMicrophoneSource(s, logger), nil
	case "wav":
		var s WAVSettings
		if err := configutil.DecodeSettings(settings, wavSchema, &s); err != nil {
			return nil, fmt.Errorf("capture.settings for wav: %w", err)
		}
		return NewWAVSource(s, logger), nil
	default:
		return nil, fmt.Errorf("unknown capture provider %q", provider)
	}
}
