package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver folds pipeline events into Prometheus collectors.
type PrometheusObserver struct {
	Events          *prometheus.CounterVec
	Sessions        *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	FramesSent      prometheus.Counter
	ChunksSent      prometheus.Counter
	BlocksDropped   prometheus.Counter
	Fragments       prometheus.Counter
	Dispatches      *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	DispatchLatency prometheus.Histogram
	InputLevel      prometheus.Gauge
}

// NewPrometheusObserver registers the collectors on reg. A nil reg uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulbul_events_total",
			Help: "Pipeline events by name",
		}, []string{"name"}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulbul_sessions_total",
			Help: "Recording sessions by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulbul_strategy_fallbacks_total",
			Help: "Strategy fallbacks by source tier and reason",
		}, []string{"from", "reason"}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "bulbul_pcm_frames_sent_total",
			Help: "PCM frames written to the stream",
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "bulbul_audio_chunks_sent_total",
			Help: "Recorder chunks written to the stream",
		}),
		BlocksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "bulbul_audio_blocks_dropped_total",
			Help: "Capture blocks dropped because a consumer lagged",
		}),
		Fragments: f.NewCounter(prometheus.CounterOpts{
			Name: "bulbul_transcript_fragments_total",
			Help: "Transcript fragments received",
		}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulbul_dispatches_total",
			Help: "Utterances sent to the chat endpoint",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulbul_session_duration_seconds",
			Help:    "Recording session duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"strategy"}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bulbul_dispatch_latency_seconds",
			Help:    "Chat round-trip latency",
			Buckets: prometheus.DefBuckets,
		}),
		InputLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "bulbul_input_level",
			Help: "Mean of the latest level vector",
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	p.Events.WithLabelValues(ev.Name).Inc()
	switch ev.Name {
	case EventSessionFinished:
		strategy := ev.Tags["strategy"]
		p.Sessions.WithLabelValues(strategy, ev.Tags["outcome"]).Inc()
		p.SessionDuration.WithLabelValues(strategy).Observe(ev.Value)
	case EventFallback:
		p.Fallbacks.WithLabelValues(ev.Tags["from"], ev.Tags["reason"]).Inc()
	case EventFramesSent:
		p.FramesSent.Add(ev.Value)
	case EventChunksSent:
		p.ChunksSent.Add(ev.Value)
	case EventFramesDropped:
		p.BlocksDropped.Add(ev.Value)
	case EventFragmentReceived:
		p.Fragments.Inc()
	case EventDispatchSucceeded:
		p.Dispatches.WithLabelValues("ok").Inc()
		p.DispatchLatency.Observe(ev.Value)
	case EventDispatchFailed:
		p.Dispatches.WithLabelValues("error").Inc()
	case EventLevelSample:
		p.InputLevel.Set(ev.Value)
	}
}
