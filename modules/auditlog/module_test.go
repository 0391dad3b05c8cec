package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/go-cmp/cmp"

	"ex-hibiki/pkg/hibiki"
)

func TestModuleSubscribesWithOptions(t *testing.T) {
	t.Parallel()

	module := New(
		WithKinds(hibiki.EventKindGuildJoined, hibiki.EventKindGuildLeft),
		WithGuilds(snowflake.ID(100)),
		WithBuffer(16),
	)
	runtime := &moduleRuntimeStub{registry: serviceRegistryStub{values: map[string]any{
		hibiki.ServiceLogger: slog.Default(),
	}}}
	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}

	wantInterest := hibiki.InterestSet{
		Kinds:    []hibiki.EventKind{hibiki.EventKindGuildJoined, hibiki.EventKindGuildLeft},
		GuildIDs: []snowflake.ID{100},
	}
	if diff := cmp.Diff(wantInterest, runtime.interest); diff != "" {
		t.Fatalf("interest mismatch (-want +got):\n%s", diff)
	}
	wantSpec := hibiki.SubscriptionSpec{
		Name:         "auditlog-events",
		Buffer:       16,
		Workers:      1,
		Backpressure: hibiki.BackpressureDropOldest,
	}
	if diff := cmp.Diff(wantSpec, runtime.spec); diff != "" {
		t.Fatalf("spec mismatch (-want +got):\n%s", diff)
	}
	if runtime.handler == nil {
		t.Fatal("expected handler to be subscribed")
	}
}

func TestModuleLogsEvents(t *testing.T) {
	t.Parallel()

	output := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(output, nil))
	module := New()
	runtime := &moduleRuntimeStub{registry: serviceRegistryStub{values: map[string]any{
		hibiki.ServiceLogger: logger,
	}}}
	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}

	guild := hibiki.NewGuild(100, hibiki.GuildInfo{Name: "hideout"})
	user := hibiki.NewUser(11, hibiki.UserProfile{Name: "kana"})
	events := []*hibiki.Event{
		{ID: "e1", Kind: hibiki.EventKindGuildJoined, Sequence: 2, OccurredAt: time.Unix(1, 0), GuildID: 100, Guild: guild},
		{ID: "e2", Kind: hibiki.EventKindMemberJoined, Sequence: 3, OccurredAt: time.Unix(2, 0), GuildID: 100, UserID: 11, Guild: guild, User: user},
		{ID: "e3", Kind: hibiki.EventKindMemberJoined, Sequence: 4, OccurredAt: time.Unix(3, 0), GuildID: 100, UserID: 12, Guild: guild},
		nil,
	}
	for _, event := range events {
		if err := runtime.handler(context.Background(), event); err != nil {
			t.Fatalf("handler failed: %v", err)
		}
	}

	wantCounts := map[hibiki.EventKind]int{
		hibiki.EventKindGuildJoined:  1,
		hibiki.EventKindMemberJoined: 2,
	}
	if diff := cmp.Diff(wantCounts, module.Counts()); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("log lines = %d, want 3", len(lines))
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	want := map[string]any{
		"msg":        "hibiki event",
		"module":     "auditlog",
		"event_id":   "e2",
		"kind":       "member.joined",
		"sequence":   float64(3),
		"guild_id":   "100",
		"user_id":    "11",
		"guild_name": "hideout",
		"user":       "U:kana(11)",
		"fake":       false,
	}
	for key, value := range want {
		if entry[key] != value {
			t.Fatalf("%s = %v, want %v", key, entry[key], value)
		}
	}

	if err := module.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown failed: %v", err)
	}
	if !strings.Contains(output.String(), "hibiki audit totals") {
		t.Fatalf("missing totals line in %q", output.String())
	}
}

func TestModuleRegisterRequiresLogger(t *testing.T) {
	t.Parallel()

	runtime := &moduleRuntimeStub{registry: serviceRegistryStub{}}
	if err := New().OnRegister(context.Background(), runtime); err == nil {
		t.Fatal("expected missing logger error")
	}
	if runtime.handler != nil {
		t.Fatal("handler subscribed without logger")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type moduleRuntimeStub struct {
	registry hibiki.ServiceRegistry
	interest hibiki.InterestSet
	spec     hibiki.SubscriptionSpec
	handler  hibiki.EventHandler
}

func (s *moduleRuntimeStub) Services() hibiki.ServiceRegistry {
	return s.registry
}

func (s *moduleRuntimeStub) Subscribe(
	_ context.Context,
	interest hibiki.InterestSet,
	spec hibiki.SubscriptionSpec,
	handler hibiki.EventHandler,
) (hibiki.Subscription, error) {
	s.interest = interest
	s.spec = spec
	s.handler = handler

	return nil, nil
}

type serviceRegistryStub struct {
	values map[string]any
}

func (serviceRegistryStub) Register(string, any) error {
	return nil
}

func (s serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s.values[name]
	if !ok {
		return nil, hibiki.ErrServiceNotFound
	}

	return value, nil
}
