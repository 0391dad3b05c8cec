package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ex-hibiki/internal/dispatch"
)

func TestChannelSourceForwardsUntilClosed(t *testing.T) {
	t.Parallel()

	input := make(chan dispatch.Record, 2)
	input <- dispatch.Record{Type: "READY", Sequence: 1}
	input <- dispatch.Record{Type: "GUILD_CREATE", Sequence: 2}
	close(input)

	source := ChannelSource{SourceName: "memory", Records: input}
	if source.Name() != "memory" {
		t.Fatalf("Name() = %q, want memory", source.Name())
	}

	out := make(chan dispatch.Record, 2)
	if err := source.Run(context.Background(), out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	close(out)

	var types []string
	for record := range out {
		types = append(types, record.Type)
	}
	if strings.Join(types, ",") != "READY,GUILD_CREATE" {
		t.Fatalf("types = %v, want [READY GUILD_CREATE]", types)
	}
}

func TestChannelSourceStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := ChannelSource{SourceName: "memory", Records: make(chan dispatch.Record)}
	if err := source.Run(ctx, make(chan dispatch.Record)); err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}

func TestChannelSourceRejectsNilInput(t *testing.T) {
	t.Parallel()

	if err := (ChannelSource{SourceName: "memory"}).Run(context.Background(), make(chan dispatch.Record)); err == nil {
		t.Fatal("expected error for nil input")
	}
}

func TestReplaySourceSkipsUnusableLines(t *testing.T) {
	t.Parallel()

	capture := strings.Join([]string{
		`{"op":10,"d":{"heartbeat_interval":41250}}`,
		`{"op":0,"t":"READY","s":1,"d":{"user":{"id":"7","username":"hibiki"}}}`,
		``,
		`not json`,
		`{"op":0,"s":2,"d":{}}`,
		`{"op":0,"t":"GUILD_CREATE","s":3,"d":{"id":123456789012345678}}`,
		`{"op":11}`,
	}, "\n")
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(capture), 0o600); err != nil {
		t.Fatalf("write capture: %v", err)
	}

	source, err := NewReplaySource("replay", path)
	if err != nil {
		t.Fatalf("NewReplaySource failed: %v", err)
	}

	out := make(chan dispatch.Record, 8)
	if err := source.Run(context.Background(), out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	close(out)

	var records []dispatch.Record
	for record := range out {
		records = append(records, record)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Type != "READY" || records[0].Sequence != 1 {
		t.Fatalf("first record = %s/%d, want READY/1", records[0].Type, records[0].Sequence)
	}
	if records[1].Type != "GUILD_CREATE" || records[1].Sequence != 3 {
		t.Fatalf("second record = %s/%d, want GUILD_CREATE/3", records[1].Type, records[1].Sequence)
	}

	id, ok := records[1].Payload["id"].(json.Number)
	if !ok {
		t.Fatalf("id type = %T, want json.Number", records[1].Payload["id"])
	}
	if id.String() != "123456789012345678" {
		t.Fatalf("id = %s, want 123456789012345678", id)
	}
}

func TestReplaySourceMissingFile(t *testing.T) {
	t.Parallel()

	source, err := NewReplaySource("replay", filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("NewReplaySource failed: %v", err)
	}
	if err := source.Run(context.Background(), make(chan dispatch.Record, 1)); err == nil {
		t.Fatal("expected error for missing capture")
	}
}

func TestReplaySourceStopsOnCancel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capture.jsonl")
	if err := os.WriteFile(path, []byte(`{"op":0,"t":"READY","s":1,"d":{}}`+"\n"), 0o600); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	source, err := NewReplaySource("replay", path)
	if err != nil {
		t.Fatalf("NewReplaySource failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Unbuffered with no reader: the send can only end through ctx.
	if err := source.Run(ctx, make(chan dispatch.Record)); err != context.DeadlineExceeded {
		t.Fatalf("Run error = %v, want context.DeadlineExceeded", err)
	}
}

func TestNewReplaySourceRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := NewReplaySource("replay", ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
