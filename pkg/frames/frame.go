package frames

import (
	"encoding/binary"
	"strings"
	"time"
)

const (
	// SampleRate is the capture and streaming rate in Hz.
	SampleRate = 16000
	// FrameSamples is the PCM frame length: 20 ms at 16 kHz.
	FrameSamples = 320
	// FrameBytes is the encoded size of one PCM frame.
	FrameBytes = FrameSamples * 2
)

// PCMFrame is one fixed-size block of signed 16-bit samples in capture order.
// It is a value type; once emitted nobody can mutate the sender's copy.
type PCMFrame struct {
	Seq     uint64
	Samples [FrameSamples]int16
}

// Bytes renders the frame little-endian.
func (f PCMFrame) Bytes() []byte {
	out := make([]byte, FrameBytes)
	f.AppendBytes(out[:0])
	return out
}

// AppendBytes appends the little-endian encoding of the frame to dst.
func (f PCMFrame) AppendBytes(dst []byte) []byte {
	for _, s := range f.Samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Chunk is one slice of encoded audio produced by the buffering recorder.
type Chunk struct {
	Seq        uint64
	Data       []byte
	MimeType   string
	SampleRate int
	Final      bool
}

// Language of a transcript fragment.
type Language string

const (
	Arabic  Language = "arabic"
	English Language = "english"
)

// ParseLanguage maps backend language labels ("ar", "arabic", "en", ...) to a
// Language. Unknown labels return fallback.
func ParseLanguage(v string, fallback Language) Language {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "ar", "ara", "arabic", "ar-sa", "ar-ae", "ar-eg":
		return Arabic
	case "en", "eng", "english", "en-us", "en-gb":
		return English
	default:
		return fallback
	}
}

func (l Language) Valid() bool {
	return l == Arabic || l == English
}

// Fragment is a partial transcript delivered by the backend.
type Fragment struct {
	Text       string
	Language   Language
	Confidence float64
	ReceivedAt time.Time
}
