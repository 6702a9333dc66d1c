// Package backend talks HTTP to the tutoring backend: readiness check,
// file transcription, server-side capture and chat.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/resilience"
)

const (
	pathHealth          = "/health"
	pathTranscribeVoice = "/api/transcribe-voice"
	pathRecordAndTrans  = "/api/record-and-transcribe"
	pathChat            = "/api/chat"

	uploadField = "audio_file"
)

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	UploadRetries   int
	RetryBackoff    time.Duration
	DefaultLanguage frames.Language
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.Code, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Transcription is the body returned by both transcription endpoints.
type Transcription struct {
	Text       string   `json:"transcription"`
	Language   string   `json:"language"`
	Confidence *float64 `json:"confidence,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Fragment converts the response to a transcript fragment.
func (t Transcription) Fragment(fallback frames.Language, now time.Time) frames.Fragment {
	f := frames.Fragment{
		Text:       strings.TrimSpace(t.Text),
		Language:   frames.ParseLanguage(t.Language, fallback),
		ReceivedAt: now,
	}
	if t.Confidence != nil {
		f.Confidence = *t.Confidence
	}
	return f
}

type chatRequest struct {
	Message  string `json:"message"`
	Language string `json:"language"`
}

// Reply is the assistant's answer to a dispatched utterance.
type Reply struct {
	Text      string `json:"response"`
	Language  string `json:"language,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type Client struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
	retry      resilience.RetryPolicy
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if !cfg.DefaultLanguage.Valid() {
		cfg.DefaultLanguage = frames.Arabic
	}
	if logger == nil {
		logger = slog.Default()
	}
	retry := resilience.NewRetryPolicy(cfg.UploadRetries, cfg.RetryBackoff)
	retry.Retryable = isRetryable
	return &Client{
		cfg:        cfg,
		base:       base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      retry,
		logger:     logger,
	}, nil
}

// BaseURL returns the parsed backend root.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Health calls the readiness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pathHealth, nil), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonBackendUnavailable, "health check")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return errorsx.Wrap(&StatusError{Endpoint: pathHealth, Code: resp.StatusCode}, errorsx.ReasonBackendUnavailable)
	}
	return nil
}

// TranscribeFile uploads one recorded clip. Transient failures are retried.
func (c *Client) TranscribeFile(ctx context.Context, audio []byte, filename, mimeType string) (Transcription, error) {
	var result Transcription
	err := c.retry.Do(ctx, func() error {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreatePart(fileHeader(filename, mimeType))
		if err != nil {
			return fmt.Errorf("creating form file: %w", err)
		}
		if _, err := part.Write(audio); err != nil {
			return fmt.Errorf("writing audio: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("closing writer: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathTranscribeVoice, nil), body)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		result = Transcription{}
		return c.doJSON(req, pathTranscribeVoice, &result)
	})
	if err != nil {
		return Transcription{}, errorsx.Wrapf(err, errorsx.ReasonUpload, "transcribe voice")
	}
	if result.Error != "" {
		return Transcription{}, errorsx.Wrap(fmt.Errorf("transcribe voice: %s", result.Error), errorsx.ReasonUpload)
	}
	return result, nil
}

// RecordAndTranscribe asks the backend to capture from its own microphone.
func (c *Client) RecordAndTranscribe(ctx context.Context, duration time.Duration) (Transcription, error) {
	secs := int(duration.Round(time.Second) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	q := url.Values{"duration": []string{strconv.Itoa(secs)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathRecordAndTrans, q), nil)
	if err != nil {
		return Transcription{}, fmt.Errorf("creating request: %w", err)
	}
	var result Transcription
	if err := c.doJSON(req, pathRecordAndTrans, &result); err != nil {
		return Transcription{}, errorsx.Wrapf(err, errorsx.ReasonBackendUnavailable, "record and transcribe")
	}
	if result.Error != "" {
		return Transcription{}, errorsx.Wrap(fmt.Errorf("record and transcribe: %s", result.Error), errorsx.ReasonBackendUnavailable)
	}
	return result, nil
}

// Chat sends a finished utterance and returns the assistant reply. Not retried.
func (c *Client) Chat(ctx context.Context, message string, language frames.Language) (Reply, error) {
	if !language.Valid() {
		language = c.cfg.DefaultLanguage
	}
	payload, err := json.Marshal(chatRequest{Message: message, Language: string(language)})
	if err != nil {
		return Reply{}, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathChat, nil), bytes.NewReader(payload))
	if err != nil {
		return Reply{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var reply Reply
	if err := c.doJSON(req, pathChat, &reply); err != nil {
		return Reply{}, errorsx.Wrapf(err, errorsx.ReasonDispatch, "chat")
	}
	return reply, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	id := uuid.NewString()
	req.Header.Set("X-Request-ID", id)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("backend_request_failed",
			slog.String("path", req.URL.Path),
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("sending request: %w", err)
	}
	c.logger.Debug("backend_request",
		slog.String("path", req.URL.Path),
		slog.String("request_id", id),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

func (c *Client) doJSON(req *http.Request, endpoint string, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

func fileHeader(filename, mimeType string) textproto.MIMEHeader {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename=%q`, uploadField, filename)},
		"Content-Type":        {mimeType},
	}
}
