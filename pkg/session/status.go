package session

import "time"

// Status is a read-only projection of the controller for display. The
// boolean flags are derived from Phase and never stored separately.
type Status struct {
	Phase     Phase
	Strategy  Strategy
	SessionID string
	Err       error
	Buffered  time.Duration

	// FramesSent and ChunksSent count what reached the stream connection.
	FramesSent int64
	ChunksSent int64

	IsRecording              bool
	IsProcessing             bool
	IsReceivingTranscription bool
	// ProcessingModeText labels the active strategy while a session runs.
	ProcessingModeText string
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{Phase: c.phase, Err: c.lastErr}
	s := c.cur
	c.mu.Unlock()

	if s != nil {
		st.SessionID = s.ID
		st.Strategy = s.Strategy()
		st.Buffered = s.Buffered()
		st.FramesSent = s.framesSent.Load()
		st.ChunksSent = s.chunksSent.Load()
	}
	st.IsRecording = st.Phase == PhaseCapturing
	st.IsProcessing = st.Phase == PhaseProcessing
	st.IsReceivingTranscription = c.agg.Receiving()
	if st.IsRecording || st.IsProcessing {
		st.ProcessingModeText = st.Strategy.ModeText()
	}
	return st
}
