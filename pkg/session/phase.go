package session

import (
	"errors"
	"time"

	"github.com/harunnryd/bulbul/pkg/errorsx"
)

// Phase is the lifecycle position of the recording controller.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhaseProcessing
	PhaseComplete
	PhaseFailed
	// PhaseResetting is only ever reported in a StateChange; the controller
	// passes through it on the way back to idle.
	PhaseResetting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCapturing:
		return "capturing"
	case PhaseProcessing:
		return "processing"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	case PhaseResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase auto-returns to idle after the grace delay.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Strategy is the audio delivery path chosen for a session.
type Strategy string

const (
	StrategyNone             Strategy = ""
	StrategyRealtimeWorklet  Strategy = "realtime-worklet"
	StrategyRealtimeRecorder Strategy = "realtime-recorder"
	StrategyFileUpload       Strategy = "file-upload"
	StrategyDirectCapture    Strategy = "direct-capture"
)

// Realtime reports whether audio flows over the stream while capturing.
func (s Strategy) Realtime() bool {
	return s == StrategyRealtimeWorklet || s == StrategyRealtimeRecorder
}

// ModeText is the short label shown next to the recording indicator.
func (s Strategy) ModeText() string {
	switch s {
	case StrategyRealtimeWorklet, StrategyRealtimeRecorder:
		return "Real-time streaming"
	case StrategyFileUpload:
		return "File upload"
	case StrategyDirectCapture:
		return "Direct capture"
	default:
		return ""
	}
}

var validTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseCapturing},
	PhaseCapturing:  {PhaseProcessing, PhaseComplete, PhaseFailed},
	PhaseProcessing: {PhaseComplete, PhaseFailed},
	PhaseComplete:   {PhaseIdle},
	PhaseFailed:     {PhaseIdle},
}

func transitionValid(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a phase change is not in the table.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid phase transition from " + e.From.String() + " to " + e.To.String()
}

// StateChange is emitted for every phase change and for strategy fallbacks
// within a phase (From == To).
type StateChange struct {
	SessionID string
	From      Phase
	To        Phase
	Strategy  Strategy
	Reason    string
	Err       error
	Timestamp time.Time
}

// StateListener observes controller state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

// Reasons carried by StateChange.
const (
	ReasonStarted        = "started"
	ReasonSelected       = "strategy_selected"
	ReasonFallback       = "strategy_fallback"
	ReasonStopped        = "stopped"
	ReasonStreamEnded    = "stream_ended"
	ReasonTranscribed    = "transcribed"
	ReasonNothingSaid    = "nothing_said"
	ReasonNoAudio        = "no_audio"
	ReasonFailed         = "failed"
	ReasonGraceElapsed   = "grace_elapsed"
	ReasonReset          = "reset"
	ReasonBusyReset      = "busy_reset"
	ReasonNextRecording  = "next_recording"
	ReasonStrategiesDone = "strategies_exhausted"
	ReasonCaptureLost    = "capture_lost"
)

var (
	ErrSessionActive = errorsx.New(errorsx.ReasonSessionActive, "a recording session is already active")
	ErrNoStrategy    = errors.New("no delivery strategy available")
	ErrSessionReset  = errors.New("recording session was reset")
)
