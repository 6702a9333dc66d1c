// Package transport streams encoded audio to the backend over a websocket
// and surfaces transcript fragments coming back.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
)

// DefaultStreamPath is the backend's audio stream route.
const DefaultStreamPath = "/ws/audio-stream"

type Config struct {
	URL              string
	SampleRate       int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	EventBuffer      int
	// CloseGrace bounds the wait for the server's close reply.
	CloseGrace      time.Duration
	DefaultLanguage frames.Language
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = frames.SampleRate
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 300 * time.Millisecond
	}
	if !c.DefaultLanguage.Valid() {
		c.DefaultLanguage = frames.Arabic
	}
	return c
}

// HealthChecker reports backend readiness before a stream is opened.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StreamURL derives the websocket URL from the backend's HTTP root.
func StreamURL(base *url.URL, path string) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if path == "" {
		path = DefaultStreamPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String()
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	health HealthChecker
	logger *slog.Logger
}

// NewClient builds a stream client. health may be nil to skip the readiness check.
func NewClient(cfg Config, health HealthChecker, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		health: health,
		logger: logger,
	}
}

// Open checks backend health and dials the audio stream.
func (c *Client) Open(ctx context.Context) (*Conn, error) {
	if c.health != nil {
		if err := c.health.Health(ctx); err != nil {
			c.logger.Info("transport_health_failed", slog.String("error", err.Error()))
			return nil, errorsx.Wrapf(err, errorsx.ReasonBackendUnavailable, "readiness check")
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	ws, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		reason := classifyDialError(err)
		c.logger.Info("transport_open_failed",
			slog.String("url", c.cfg.URL),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		return nil, errorsx.Wrapf(err, reason, "dial %s", c.cfg.URL)
	}
	c.logger.Debug("transport_opened", slog.String("url", c.cfg.URL))
	return newConn(ws, c.cfg, c.logger), nil
}

func classifyDialError(err error) errorsx.ReasonCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return errorsx.ReasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errorsx.ReasonTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return errorsx.ReasonConnectionRefused
	}
	return errorsx.ReasonConnectionRefused
}
