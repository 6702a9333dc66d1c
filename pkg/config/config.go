// Package config loads the client configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/bulbul/pkg/aggregator"
	"github.com/harunnryd/bulbul/pkg/backend"
	"github.com/harunnryd/bulbul/pkg/capture"
	"github.com/harunnryd/bulbul/pkg/clock"
	"github.com/harunnryd/bulbul/pkg/dispatch"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/recorder"
	"github.com/harunnryd/bulbul/pkg/session"
	"github.com/harunnryd/bulbul/pkg/transport"
	"github.com/harunnryd/bulbul/pkg/worklet"
)

type Config struct {
	Backend     BackendConfig    `mapstructure:"backend"`
	Capture     CaptureConfig    `mapstructure:"capture"`
	Streaming   StreamingConfig  `mapstructure:"streaming"`
	Worklet     WorkletConfig    `mapstructure:"worklet"`
	Recorder    RecorderConfig   `mapstructure:"recorder"`
	Session     SessionConfig    `mapstructure:"session"`
	Aggregator  AggregatorConfig `mapstructure:"aggregator"`
	Meter       MeterConfig      `mapstructure:"meter"`
	Dispatch    DispatchConfig   `mapstructure:"dispatch"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Privacy     PrivacyConfig    `mapstructure:"privacy"`
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	LogFormat   string           `mapstructure:"log_format"`
}

type BackendConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	TimeoutMS       int    `mapstructure:"timeout_ms"`
	UploadRetries   int    `mapstructure:"upload_retries"`
	RetryBackoffMS  int    `mapstructure:"retry_backoff_ms"`
	DefaultLanguage string `mapstructure:"default_language"`
}

type CaptureConfig struct {
	Provider     string         `mapstructure:"provider"`
	SampleRate   int            `mapstructure:"sample_rate"`
	StreamBuffer int            `mapstructure:"stream_buffer"`
	Smoothing    float64        `mapstructure:"smoothing"`
	Settings     map[string]any `mapstructure:"settings"`
}

type StreamingConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Path               string `mapstructure:"path"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
	WriteTimeoutMS     int    `mapstructure:"write_timeout_ms"`
	SendBuffer         int    `mapstructure:"send_buffer"`
	EventBuffer        int    `mapstructure:"event_buffer"`
	CloseGraceMS       int    `mapstructure:"close_grace_ms"`
	BreakerThreshold   int    `mapstructure:"breaker_threshold"`
	BreakerCooldownMS  int    `mapstructure:"breaker_cooldown_ms"`
}

type WorkletConfig struct {
	Module      string `mapstructure:"module"`
	InputBuffer int    `mapstructure:"input_buffer"`
	PortBuffer  int    `mapstructure:"port_buffer"`
}

type RecorderConfig struct {
	MimeTypes   []string `mapstructure:"mime_types"`
	TimesliceMS int      `mapstructure:"timeslice_ms"`
	ChunkBuffer int      `mapstructure:"chunk_buffer"`
}

type SessionConfig struct {
	OnBusy               string   `mapstructure:"on_busy"`
	GraceMS              int      `mapstructure:"grace_ms"`
	EndStreamLingerMS    int      `mapstructure:"end_stream_linger_ms"`
	DirectCaptureSeconds int      `mapstructure:"direct_capture_seconds"`
	MaxBufferSeconds     int      `mapstructure:"max_buffer_seconds"`
	UploadMimeTypes      []string `mapstructure:"upload_mime_types"`
}

type AggregatorConfig struct {
	SilenceMS  int `mapstructure:"silence_ms"`
	MaxHistory int `mapstructure:"max_history"`
}

type MeterConfig struct {
	Enabled bool `mapstructure:"enabled"`
	FPS     int  `mapstructure:"fps"`
}

type DispatchConfig struct {
	TimeoutMS int `mapstructure:"timeout_ms"`
}

type MetricsConfig struct {
	Addr            string  `mapstructure:"addr"`
	JSONLPath       string  `mapstructure:"jsonl_path"`
	LevelSampleRate float64 `mapstructure:"level_sample_rate"`
	AsyncBuffer     int     `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout_ms", 30000)
	v.SetDefault("backend.upload_retries", 1)
	v.SetDefault("backend.retry_backoff_ms", 250)
	v.SetDefault("backend.default_language", string(frames.Arabic))
	v.SetDefault("capture.provider", "portaudio")
	v.SetDefault("capture.sample_rate", frames.SampleRate)
	v.SetDefault("capture.stream_buffer", 256)
	v.SetDefault("capture.smoothing", capture.DefaultSmoothing)
	v.SetDefault("streaming.enabled", true)
	v.SetDefault("streaming.path", transport.DefaultStreamPath)
	v.SetDefault("streaming.handshake_timeout_ms", 5000)
	v.SetDefault("streaming.write_timeout_ms", 5000)
	v.SetDefault("streaming.send_buffer", 256)
	v.SetDefault("streaming.event_buffer", 64)
	v.SetDefault("streaming.close_grace_ms", 300)
	v.SetDefault("streaming.breaker_threshold", 3)
	v.SetDefault("streaming.breaker_cooldown_ms", 30000)
	v.SetDefault("worklet.module", worklet.PCMModule)
	v.SetDefault("worklet.input_buffer", 64)
	v.SetDefault("worklet.port_buffer", 64)
	v.SetDefault("recorder.mime_types", recorder.DefaultMimeTypes)
	v.SetDefault("recorder.timeslice_ms", 1000)
	v.SetDefault("recorder.chunk_buffer", 16)
	v.SetDefault("session.on_busy", string(session.BusyReject))
	v.SetDefault("session.grace_ms", 2000)
	v.SetDefault("session.end_stream_linger_ms", 2000)
	v.SetDefault("session.direct_capture_seconds", 3)
	v.SetDefault("session.max_buffer_seconds", 300)
	v.SetDefault("session.upload_mime_types", []string{recorder.MimeWAV})
	v.SetDefault("aggregator.silence_ms", 10000)
	v.SetDefault("aggregator.max_history", 20)
	v.SetDefault("meter.enabled", true)
	v.SetDefault("meter.fps", 60)
	v.SetDefault("dispatch.timeout_ms", 30000)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.level_sample_rate", 0.1)
	v.SetDefault("metrics.async_buffer", 1024)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Default returns the configuration used when no file is given.
func Default() (Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	v.SetEnvPrefix("BULBUL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(strings.TrimSpace(c.Backend.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url must be an http(s) url, got %q", c.Backend.BaseURL))
	}
	if lang := frames.Language(strings.ToLower(c.Backend.DefaultLanguage)); !lang.Valid() {
		errs = append(errs, fmt.Errorf("backend.default_language must be arabic or english, got %q", c.Backend.DefaultLanguage))
	}
	if strings.TrimSpace(c.Capture.Provider) == "" {
		errs = append(errs, errors.New("capture.provider is required"))
	}
	if c.Capture.SampleRate != frames.SampleRate {
		errs = append(errs, fmt.Errorf("capture.sample_rate must be %d", frames.SampleRate))
	}
	switch session.BusyPolicy(c.Session.OnBusy) {
	case session.BusyReject, session.BusyReset:
	default:
		errs = append(errs, fmt.Errorf("session.on_busy must be reject or reset, got %q", c.Session.OnBusy))
	}
	if c.Aggregator.SilenceMS <= 0 {
		errs = append(errs, errors.New("aggregator.silence_ms must be positive"))
	}
	if c.Metrics.LevelSampleRate < 0 || c.Metrics.LevelSampleRate > 1 {
		errs = append(errs, errors.New("metrics.level_sample_rate must be within [0,1]"))
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c Config) Language() frames.Language {
	return frames.ParseLanguage(c.Backend.DefaultLanguage, frames.Arabic)
}

func (c Config) BackendClient() backend.Config {
	return backend.Config{
		BaseURL:         c.Backend.BaseURL,
		Timeout:         ms(c.Backend.TimeoutMS),
		UploadRetries:   c.Backend.UploadRetries,
		RetryBackoff:    ms(c.Backend.RetryBackoffMS),
		DefaultLanguage: c.Language(),
	}
}

// Transport builds the stream client config against the backend base URL.
func (c Config) Transport(base *url.URL) transport.Config {
	return transport.Config{
		URL:              transport.StreamURL(base, c.Streaming.Path),
		SampleRate:       c.Capture.SampleRate,
		HandshakeTimeout: ms(c.Streaming.HandshakeTimeoutMS),
		WriteTimeout:     ms(c.Streaming.WriteTimeoutMS),
		SendBuffer:       c.Streaming.SendBuffer,
		EventBuffer:      c.Streaming.EventBuffer,
		CloseGrace:       ms(c.Streaming.CloseGraceMS),
		DefaultLanguage:  c.Language(),
	}
}

func (c Config) CaptureSettings() capture.Config {
	cfg := capture.DefaultConfig()
	cfg.SampleRate = c.Capture.SampleRate
	cfg.StreamBuffer = c.Capture.StreamBuffer
	cfg.Smoothing = c.Capture.Smoothing
	return cfg
}

func (c Config) SessionSettings(clk clock.Clock) session.Config {
	return session.Config{
		Capture:       c.CaptureSettings(),
		WorkletModule: c.Worklet.Module,
		Worklet: worklet.Options{
			InputBuffer: c.Worklet.InputBuffer,
			PortBuffer:  c.Worklet.PortBuffer,
		},
		Recorder: recorder.Config{
			MimeTypes:   c.Recorder.MimeTypes,
			Timeslice:   ms(c.Recorder.TimesliceMS),
			SampleRate:  c.Capture.SampleRate,
			ChunkBuffer: c.Recorder.ChunkBuffer,
			Clock:       clk,
		},
		UploadMimeTypes:       c.Session.UploadMimeTypes,
		DirectCaptureDuration: time.Duration(c.Session.DirectCaptureSeconds) * time.Second,
		Grace:                 ms(c.Session.GraceMS),
		EndStreamLinger:       ms(c.Session.EndStreamLingerMS),
		OnBusy:                session.BusyPolicy(c.Session.OnBusy),
		MaxBufferSamples:      c.Session.MaxBufferSeconds * c.Capture.SampleRate,
		MeterFPS:              c.Meter.FPS,
		DefaultLanguage:       c.Language(),
		Clock:                 clk,
	}
}

func (c Config) AggregatorSettings(clk clock.Clock) aggregator.Config {
	return aggregator.Config{
		SilenceTimeout:  ms(c.Aggregator.SilenceMS),
		MaxHistory:      c.Aggregator.MaxHistory,
		DefaultLanguage: c.Language(),
		Clock:           clk,
	}
}

func (c Config) DispatchSettings() dispatch.Config {
	return dispatch.Config{Timeout: ms(c.Dispatch.TimeoutMS)}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Capture.Settings = expandSettings(cfg.Capture.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
