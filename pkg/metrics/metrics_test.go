package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSamplingObserverOnlySamplesNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.1, EventLevelSample)
	for i := 0; i < 100; i++ {
		s.RecordEvent(MetricsEvent{Name: EventLevelSample})
	}
	s.RecordEvent(MetricsEvent{Name: EventSessionStarted})
	if got := len(mem.Named(EventLevelSample)); got != 10 {
		t.Fatalf("expected 10 sampled level events, got %d", got)
	}
	if got := len(mem.Named(EventSessionStarted)); got != 1 {
		t.Fatalf("expected unsampled event to pass, got %d", got)
	}
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 5; i++ {
		Record(a, EventFragmentReceived, 1, nil)
	}
	a.Close()
	if got := len(mem.Events()); got != 5 {
		t.Fatalf("expected 5 events after close, got %d", got)
	}
	a.RecordEvent(MetricsEvent{Name: "late"})
	a.Close()
}

func TestJSONLObserverWritesTags(t *testing.T) {
	var buf bytes.Buffer
	obs := NewJSONLObserver(&buf)
	Record(obs, EventStrategySelected, 1, map[string]string{"strategy": "file-upload"})
	if !strings.Contains(buf.String(), `"strategy":"file-upload"`) {
		t.Fatalf("expected strategy tag, got %s", buf.String())
	}
}

func TestPrometheusObserverCountsSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusObserver(reg)
	p.RecordEvent(MetricsEvent{Name: EventSessionFinished, Value: 3, Tags: map[string]string{"strategy": "realtime-worklet", "outcome": "complete"}})
	p.RecordEvent(MetricsEvent{Name: EventFramesSent, Value: 150})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				found[mf.GetName()] += c.GetValue()
			}
		}
	}
	if found["bulbul_sessions_total"] != 1 {
		t.Fatalf("expected one session, got %v", found["bulbul_sessions_total"])
	}
	if found["bulbul_pcm_frames_sent_total"] != 150 {
		t.Fatalf("expected 150 frames, got %v", found["bulbul_pcm_frames_sent_total"])
	}
}
