package gateway

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"ex-hibiki/internal/dispatch"
)

const defaultMaxReplayLine = 32 << 20

// ChannelSource forwards records from an owned channel.
type ChannelSource struct {
	// SourceName is reported by Name.
	SourceName string
	// Records is the input stream; closing it ends the source.
	Records <-chan dispatch.Record
}

// Name returns the configured source name.
func (s ChannelSource) Name() string {
	return s.SourceName
}

// Run forwards channel records until closure or cancellation.
func (s ChannelSource) Run(ctx context.Context, records chan<- dispatch.Record) error {
	if s.Records == nil {
		return fmt.Errorf("channel source %s: nil input", s.SourceName)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-s.Records:
			if !ok {
				return nil
			}
			select {
			case records <- record:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Shutdown is a no-op; the channel owner closes the input.
func (ChannelSource) Shutdown(context.Context) error {
	return nil
}

// ReplaySource reads gateway frames from a JSON-lines capture, one frame per
// line, and stops at end of file.
type ReplaySource struct {
	name    string
	path    string
	maxLine int
	logger  *slog.Logger
}

// ReplayOption mutates replay source construction.
type ReplayOption func(*ReplaySource)

// WithReplayLogger sets the replay source logger.
func WithReplayLogger(logger *slog.Logger) ReplayOption {
	return func(s *ReplaySource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxLine bounds the size of one captured frame.
func WithMaxLine(size int) ReplayOption {
	return func(s *ReplaySource) {
		if size > 0 {
			s.maxLine = size
		}
	}
}

// NewReplaySource creates a source replaying the capture at path.
func NewReplaySource(name string, path string, options ...ReplayOption) (*ReplaySource, error) {
	if path == "" {
		return nil, fmt.Errorf("new replay source %s: empty path", name)
	}

	source := &ReplaySource{
		name:    name,
		path:    path,
		maxLine: defaultMaxReplayLine,
		logger:  slog.Default(),
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// Name returns the configured source name.
func (s *ReplaySource) Name() string {
	return s.name
}

// Run sends every dispatch frame of the capture in file order. Blank lines
// and non-dispatch frames are skipped; malformed lines are logged and skipped.
func (s *ReplaySource) Run(ctx context.Context, records chan<- dispatch.Record) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("replay %s: %w", s.name, err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), s.maxLine)

	line := 0
	sent := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		decoded, err := decodeFrame(raw)
		if err != nil {
			s.logger.WarnContext(ctx, "hibiki replay line skipped", "source", s.name, "line", line, "error", err)
			continue
		}
		if decoded.Op != opDispatch {
			continue
		}
		record, err := decoded.record()
		if err != nil {
			s.logger.WarnContext(ctx, "hibiki replay line skipped", "source", s.name, "line", line, "error", err)
			continue
		}

		select {
		case records <- record:
			sent++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("replay %s line %d: %w", s.name, line+1, err)
	}

	s.logger.InfoContext(ctx, "hibiki replay finished", "source", s.name, "records", sent)

	return nil
}

// Shutdown is a no-op; Run closes the capture file itself.
func (s *ReplaySource) Shutdown(context.Context) error {
	return nil
}
