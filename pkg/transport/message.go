package transport

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/harunnryd/bulbul/pkg/frames"
)

// Outbound message types.
const (
	TypePCMChunk   = "pcm_chunk"
	TypeAudioChunk = "audio_chunk"
	TypeEndStream  = "end_stream"
)

// Inbound message types.
const (
	TypeTranscription = "transcription"
	TypeError         = "error"
	TypeUtteranceEnd  = "utterance_end"
)

type outboundMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate"`
	MimeType   string `json:"mime_type,omitempty"`
}

type inboundMessage struct {
	Type          string   `json:"type"`
	Transcription string   `json:"transcription"`
	Text          string   `json:"text"`
	Language      string   `json:"language"`
	Confidence    *float64 `json:"confidence"`
	Message       string   `json:"message"`
}

func encodePCM(f frames.PCMFrame, rate int) ([]byte, error) {
	return json.Marshal(outboundMessage{
		Type:       TypePCMChunk,
		Data:       base64.StdEncoding.EncodeToString(f.Bytes()),
		SampleRate: rate,
	})
}

func encodeChunk(c frames.Chunk, rate int) ([]byte, error) {
	if c.SampleRate > 0 {
		rate = c.SampleRate
	}
	return json.Marshal(outboundMessage{
		Type:       TypeAudioChunk,
		Data:       base64.StdEncoding.EncodeToString(c.Data),
		SampleRate: rate,
		MimeType:   c.MimeType,
	})
}

func encodeEnd(rate int) ([]byte, error) {
	return json.Marshal(outboundMessage{Type: TypeEndStream, SampleRate: rate})
}

// EventKind classifies inbound traffic.
type EventKind int

const (
	EventTranscription EventKind = iota
	EventError
	EventUtteranceEnd
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventTranscription:
		return "transcription"
	case EventError:
		return "error"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one decoded inbound message or the end of the connection.
type Event struct {
	Kind     EventKind
	Fragment frames.Fragment
	Message  string
	// Err is set on EventClosed when the connection ended abnormally.
	Err error
}

// decodeEvent parses one text frame. ok is false for message types the
// client does not understand.
func decodeEvent(data []byte, fallback frames.Language, now time.Time) (Event, bool, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false, err
	}
	switch msg.Type {
	case TypeTranscription:
		text := msg.Transcription
		if text == "" {
			text = msg.Text
		}
		f := frames.Fragment{
			Text:       strings.TrimSpace(text),
			Language:   frames.ParseLanguage(msg.Language, fallback),
			ReceivedAt: now,
		}
		if msg.Confidence != nil {
			f.Confidence = *msg.Confidence
		}
		return Event{Kind: EventTranscription, Fragment: f}, true, nil
	case TypeError:
		return Event{Kind: EventError, Message: msg.Message}, true, nil
	case TypeUtteranceEnd:
		return Event{Kind: EventUtteranceEnd}, true, nil
	default:
		return Event{}, false, nil
	}
}
