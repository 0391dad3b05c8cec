package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ex-hibiki/internal/rest"
)

const (
	// TypeWebsocket is the driver type token of the live gateway source.
	TypeWebsocket = "websocket"
	// TypeReplay is the driver type token of the capture replay source.
	TypeReplay = "replay"
)

type websocketConfig struct {
	URL            string `json:"url"`
	Token          string `json:"token"`
	Bot            *bool  `json:"bot"`
	RESTBaseURL    string `json:"rest_base_url"`
	RequestTimeout string `json:"request_timeout"`
	DialTimeout    string `json:"dial_timeout"`
	ConnectTimeout string `json:"connect_timeout"`
	ReadLimit      int64  `json:"read_limit"`
	UserAgent      string `json:"user_agent"`
}

type replayConfig struct {
	Path        string `json:"path"`
	MaxLine     int    `json:"max_line"`
	Token       string `json:"token"`
	Bot         *bool  `json:"bot"`
	RESTBaseURL string `json:"rest_base_url"`
	UserAgent   string `json:"user_agent"`
}

// BuildWebsocketRuntime builds the live gateway source and its REST transport
// from one driver config payload.
func BuildWebsocketRuntime(name string, logger *slog.Logger, raw []byte) (*WebsocketSource, *HTTPTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var cfg websocketConfig
	if err := unmarshalConfig(raw, &cfg); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cfg.RESTBaseURL) == "" {
		return nil, nil, fmt.Errorf("rest_base_url is required")
	}

	requestTimeout, err := parseOptionalDuration("request_timeout", cfg.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return nil, nil, err
	}
	dialTimeout, err := parseOptionalDuration("dial_timeout", cfg.DialTimeout, defaultDialTimeout)
	if err != nil {
		return nil, nil, err
	}
	connectTimeout, err := parseOptionalDuration("connect_timeout", cfg.ConnectTimeout, defaultConnectTimeout)
	if err != nil {
		return nil, nil, err
	}

	token := strings.TrimSpace(cfg.Token)
	source, err := NewWebsocketSource(name, strings.TrimSpace(cfg.URL), token,
		WithWebsocketLogger(logger.With("source", name)),
		WithDialTimeout(dialTimeout),
		WithConnectTimeout(connectTimeout),
		WithReadLimit(cfg.ReadLimit),
	)
	if err != nil {
		return nil, nil, err
	}

	transport, err := newConfiguredTransport(cfg.RESTBaseURL, token, cfg.Bot, cfg.UserAgent, requestTimeout)
	if err != nil {
		return nil, nil, err
	}

	return source, transport, nil
}

// BuildReplayRuntime builds a capture replay source. Without rest_base_url
// the transport is offline.
func BuildReplayRuntime(name string, logger *slog.Logger, raw []byte) (*ReplaySource, rest.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var cfg replayConfig
	if err := unmarshalConfig(raw, &cfg); err != nil {
		return nil, nil, err
	}

	source, err := NewReplaySource(name, strings.TrimSpace(cfg.Path),
		WithReplayLogger(logger.With("source", name)),
		WithMaxLine(cfg.MaxLine),
	)
	if err != nil {
		return nil, nil, err
	}

	if strings.TrimSpace(cfg.RESTBaseURL) == "" {
		return source, OfflineTransport{}, nil
	}
	transport, err := newConfiguredTransport(cfg.RESTBaseURL, strings.TrimSpace(cfg.Token), cfg.Bot, cfg.UserAgent, defaultRequestTimeout)
	if err != nil {
		return nil, nil, err
	}

	return source, transport, nil
}

func newConfiguredTransport(baseURL, token string, bot *bool, userAgent string, timeout time.Duration) (*HTTPTransport, error) {
	return NewHTTPTransport(baseURL, authorizationHeader(token, bot),
		WithUserAgent(strings.TrimSpace(userAgent)),
		WithHTTPClient(newHTTPClient(timeout)),
	)
}

// authorizationHeader prefixes bot tokens. Bot defaults to true.
func authorizationHeader(token string, bot *bool) string {
	if token == "" {
		return ""
	}
	if bot == nil || *bot {
		return "Bot " + token
	}

	return token
}

func unmarshalConfig(raw []byte, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing config")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	return nil
}

func parseOptionalDuration(field string, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}
