package metrics

import "time"

// Event names recorded by the voice pipeline.
const (
	EventSessionStarted     = "session_started"
	EventStrategySelected   = "strategy_selected"
	EventFallback           = "strategy_fallback"
	EventSessionFinished    = "session_finished"
	EventFramesSent         = "pcm_frames_sent"
	EventChunksSent         = "audio_chunks_sent"
	EventFramesDropped      = "audio_blocks_dropped"
	EventFragmentReceived   = "transcript_fragment"
	EventUtteranceCompleted = "utterance_completed"
	EventDispatchSucceeded  = "dispatch_succeeded"
	EventDispatchFailed     = "dispatch_failed"
	EventLevelSample        = "level_sample"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record stamps and forwards an event. A nil observer is ignored.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
