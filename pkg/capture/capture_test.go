package capture

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/pcm"
)

func TestConfigRejectsSignalProcessing(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config valid, got %v", err)
	}
	cfg.EchoCancellation = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected echo cancellation to be rejected")
	}
}

func TestPushStreamCloseIdempotent(t *testing.T) {
	closes := 0
	s := NewPushStream(DefaultConfig(), func() error { closes++; return nil })
	if !s.Push(frames.AcquireBlock(4)) {
		t.Fatalf("expected push accepted")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if closes != 1 {
		t.Fatalf("expected closer called once, got %d", closes)
	}
	if s.Push(frames.AcquireBlock(4)) {
		t.Fatalf("expected push after close rejected")
	}
	n := 0
	for range s.Samples() {
		n++
	}
	if n != 1 {
		t.Fatalf("expected 1 queued block, got %d", n)
	}
}

func TestPushStreamFailClosesWithCause(t *testing.T) {
	closes := 0
	s := NewPushStream(DefaultConfig(), func() error { closes++; return nil })
	s.Push(frames.AcquireBlock(4))
	if s.Err() != nil {
		t.Fatalf("expected no error on a live stream")
	}
	s.Fail(ErrDeviceBusy)
	n := 0
	for range s.Samples() {
		n++
	}
	if n != 1 {
		t.Fatalf("expected queued block delivered before close, got %d", n)
	}
	if !errors.Is(s.Err(), ErrDeviceBusy) || closes != 1 {
		t.Fatalf("expected device busy after one close, got %v (%d closes)", s.Err(), closes)
	}
	s.Fail(ErrPermissionDenied)
	if !errors.Is(s.Err(), ErrDeviceBusy) {
		t.Fatalf("expected first cause kept, got %v", s.Err())
	}
}

func TestPushStreamCloseHasNoCause(t *testing.T) {
	s := NewPushStream(DefaultConfig(), nil)
	s.Close()
	s.Fail(ErrDeviceBusy)
	if s.Err() != nil {
		t.Fatalf("expected no cause after a normal close, got %v", s.Err())
	}
}

func TestPushStreamDropsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StreamBuffer = 1
	s := NewPushStream(cfg, nil)
	s.Push(frames.AcquireBlock(4))
	s.Push(frames.AcquireBlock(4))
	if s.Dropped() != 1 {
		t.Fatalf("expected 1 dropped block, got %d", s.Dropped())
	}
}

func TestAnalyserSilenceIsZero(t *testing.T) {
	a := NewAnalyser(DefaultSmoothing)
	a.Write(make([]float32, FFTSize))
	bins := make([]uint8, BinCount)
	if n := a.ByteFrequencyData(bins); n != BinCount {
		t.Fatalf("expected %d bins, got %d", BinCount, n)
	}
	for i, b := range bins {
		if b != 0 {
			t.Fatalf("expected silent bin %d to be 0, got %d", i, b)
		}
	}
}

func TestAnalyserPeaksAtToneBin(t *testing.T) {
	a := NewAnalyser(0)
	const bin = 16
	tone := make([]float32, FFTSize)
	for i := range tone {
		tone[i] = float32(0.001 * math.Sin(2*math.Pi*bin*float64(i)/FFTSize))
	}
	a.Write(tone)
	bins := make([]uint8, BinCount)
	a.ByteFrequencyData(bins)
	peak := 0
	for i := range bins {
		if bins[i] > bins[peak] {
			peak = i
		}
	}
	if peak != bin {
		t.Fatalf("expected peak at bin %d, got %d", bin, peak)
	}
	if bins[peak] == 0 {
		t.Fatalf("expected non-zero peak")
	}
}

func TestStubOrMicrophoneName(t *testing.T) {
	src, err := New("portaudio", nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if src.Name() != "portaudio" {
		t.Fatalf("expected portaudio, got %s", src.Name())
	}
}

func TestWAVSourceReplaysFile(t *testing.T) {
	samples := make([]int16, 1000)
	for i := range samples {
		samples[i] = 16384
	}
	data, err := pcm.EncodeWAV(samples, frames.SampleRate)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "hello.wav")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := New("wav", map[string]any{"path": path, "realtime": false}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stream, err := src.Acquire(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer stream.Close()

	got := 0
	timeout := time.After(2 * time.Second)
	for got < len(samples) {
		select {
		case b := <-stream.Samples():
			for _, s := range b {
				if got < len(samples) && s != 0.5 {
					t.Fatalf("expected sample 0.5 at %d, got %v", got, s)
				}
				got++
			}
			frames.ReleaseBlock(b)
		case <-timeout:
			t.Fatalf("timed out after %d samples", got)
		}
	}
}

func TestWAVSourceMissingFile(t *testing.T) {
	src := NewWAVSource(WAVSettings{Path: filepath.Join(t.TempDir(), "missing.wav")}, nil)
	_, err := src.Acquire(context.Background(), DefaultConfig())
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected device not found, got %v", err)
	}
	if !errorsx.Terminal(err) {
		t.Fatalf("expected terminal error")
	}
}
