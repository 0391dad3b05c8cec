package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/internal/dispatch"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultConnectTimeout = time.Minute
	defaultReadLimit      = 32 << 20
)

// ErrNotConnected is returned by RequestMembers before the socket is up.
var ErrNotConnected = errors.New("gateway: not connected")

// WebsocketSource streams dispatch frames from a gateway websocket.
//
// The source identifies once after connecting and does not resume: a dropped
// connection ends Run with an error so the session can be rebuilt from a
// fresh READY.
type WebsocketSource struct {
	name           string
	url            string
	token          string
	header         http.Header
	dialTimeout    time.Duration
	connectTimeout time.Duration
	readLimit      int64
	logger         *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// WebsocketOption mutates websocket source construction.
type WebsocketOption func(*WebsocketSource)

// WithWebsocketLogger sets the source logger.
func WithWebsocketLogger(logger *slog.Logger) WebsocketOption {
	return func(s *WebsocketSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDialTimeout bounds one dial attempt.
func WithDialTimeout(timeout time.Duration) WebsocketOption {
	return func(s *WebsocketSource) {
		if timeout > 0 {
			s.dialTimeout = timeout
		}
	}
}

// WithConnectTimeout bounds the total time spent retrying the initial dial.
func WithConnectTimeout(timeout time.Duration) WebsocketOption {
	return func(s *WebsocketSource) {
		if timeout > 0 {
			s.connectTimeout = timeout
		}
	}
}

// WithReadLimit bounds the size of one inbound message.
func WithReadLimit(limit int64) WebsocketOption {
	return func(s *WebsocketSource) {
		if limit > 0 {
			s.readLimit = limit
		}
	}
}

// WithHeader adds an HTTP header to the upgrade request.
func WithHeader(key, value string) WebsocketOption {
	return func(s *WebsocketSource) {
		s.header.Add(key, value)
	}
}

// NewWebsocketSource creates a source for the gateway at url.
func NewWebsocketSource(name string, url string, token string, options ...WebsocketOption) (*WebsocketSource, error) {
	if url == "" {
		return nil, fmt.Errorf("new websocket source %s: empty url", name)
	}
	if token == "" {
		return nil, fmt.Errorf("new websocket source %s: empty token", name)
	}

	source := &WebsocketSource{
		name:           name,
		url:            url,
		token:          token,
		header:         make(http.Header),
		dialTimeout:    defaultDialTimeout,
		connectTimeout: defaultConnectTimeout,
		readLimit:      defaultReadLimit,
		logger:         slog.Default(),
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// Name returns the configured source name.
func (s *WebsocketSource) Name() string {
	return s.name
}

// Run connects, identifies and forwards dispatch frames until ctx ends or the
// connection drops.
func (s *WebsocketSource) Run(ctx context.Context, records chan<- dispatch.Record) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("websocket source %s: %w", s.name, err)
	}
	s.setConn(conn)
	defer s.setConn(nil)

	if err := s.identify(ctx, conn); err != nil {
		_ = conn.CloseNow()
		return fmt.Errorf("websocket source %s: %w", s.name, err)
	}

	err = s.consume(ctx, conn, records)
	if ctx.Err() != nil {
		_ = conn.CloseNow()
		return ctx.Err()
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.logger.InfoContext(ctx, "hibiki gateway closed by peer", "source", s.name)
		return nil
	}
	_ = conn.CloseNow()

	return fmt.Errorf("websocket source %s: %w", s.name, err)
}

// RequestMembers asks the gateway for every member of guildID. Members
// arrive later as GUILD_MEMBERS_CHUNK records.
func (s *WebsocketSource) RequestMembers(ctx context.Context, guildID snowflake.ID) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	request := outboundFrame{
		Op:   opRequestMembers,
		Data: requestMembersData{GuildID: guildID.String()},
	}
	if err := wsjson.Write(ctx, conn, request); err != nil {
		return fmt.Errorf("request members of %s: %w", guildID, err)
	}

	return nil
}

// Shutdown closes a connection that is still open.
func (s *WebsocketSource) Shutdown(context.Context) error {
	conn := s.currentConn()
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "shutdown"); err != nil && websocket.CloseStatus(err) == -1 {
		return fmt.Errorf("close websocket source %s: %w", s.name, err)
	}

	return nil
}

// connect dials with exponential backoff until the connect timeout elapses.
func (s *WebsocketSource) connect(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.connectTimeout

	attempt := 0
	dial := func() (*websocket.Conn, error) {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
		defer cancel()

		conn, resp, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{HTTPHeader: s.header.Clone()})
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(fmt.Errorf("dial %s: status %d: %w", s.url, resp.StatusCode, err))
			}
			return nil, fmt.Errorf("dial %s: %w", s.url, err)
		}

		return conn, nil
	}
	notify := func(err error, delay time.Duration) {
		s.logger.WarnContext(ctx, "hibiki gateway dial failed",
			"source", s.name,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
	}

	conn, err := backoff.RetryNotifyWithData(dial, backoff.WithContext(policy, ctx), notify)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(s.readLimit)
	s.logger.InfoContext(ctx, "hibiki gateway connected", "source", s.name, "attempts", attempt)

	return conn, nil
}

func (s *WebsocketSource) identify(ctx context.Context, conn *websocket.Conn) error {
	identify := outboundFrame{
		Op: opIdentify,
		Data: identifyData{
			Token: s.token,
			Properties: identifyProperties{
				OS:      runtime.GOOS,
				Browser: "hibiki",
				Device:  "hibiki",
			},
		},
	}
	if err := wsjson.Write(ctx, conn, identify); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	return nil
}

func (s *WebsocketSource) consume(ctx context.Context, conn *websocket.Conn, records chan<- dispatch.Record) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		decoded, err := decodeFrame(raw)
		if err != nil {
			s.logger.WarnContext(ctx, "hibiki gateway frame skipped", "source", s.name, "error", err)
			continue
		}
		switch decoded.Op {
		case opDispatch:
		case opHello, opHeartbeatAck:
			continue
		default:
			s.logger.DebugContext(ctx, "hibiki gateway opcode ignored", "source", s.name, "op", decoded.Op)
			continue
		}

		record, err := decoded.record()
		if err != nil {
			s.logger.WarnContext(ctx, "hibiki gateway frame skipped", "source", s.name, "error", err)
			continue
		}

		select {
		case records <- record:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *WebsocketSource) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *WebsocketSource) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}
