package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gotd/neo"

	"ex-hibiki/pkg/hibiki"
)

// TestEventBusPublishDeliversMatchingSubscriptions verifies filtered publish delivery.
func TestEventBusPublishDeliversMatchingSubscriptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		interest hibiki.InterestSet
		event    *hibiki.Event
		want     bool
	}{
		{
			name:     "matching kind",
			interest: hibiki.InterestSet{Kinds: []hibiki.EventKind{hibiki.EventKindGuildJoined}},
			event:    newTestEvent("e1", hibiki.EventKindGuildJoined),
			want:     true,
		},
		{
			name:     "other kind",
			interest: hibiki.InterestSet{Kinds: []hibiki.EventKind{hibiki.EventKindGuildLeft}},
			event:    newTestEvent("e1", hibiki.EventKindGuildJoined),
			want:     false,
		},
		{
			name:     "matching guild",
			interest: hibiki.InterestSet{GuildIDs: []snowflake.ID{testGuildID}},
			event:    newTestEvent("e1", hibiki.EventKindMemberJoined),
			want:     true,
		},
		{
			name:     "guild filter excludes user events",
			interest: hibiki.InterestSet{GuildIDs: []snowflake.ID{testGuildID}},
			event:    newTestEvent("e1", hibiki.EventKindUserUpdated),
			want:     false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			bus := NewEventBus(8, 1, time.Second, nil)
			t.Cleanup(func() {
				_ = bus.Close(context.Background())
			})

			received := make(chan *hibiki.Event, 1)
			_, err := bus.Subscribe(context.Background(), testCase.interest, hibiki.SubscriptionSpec{
				Name: "match",
			}, func(_ context.Context, event *hibiki.Event) error {
				received <- event
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}

			if err := bus.Publish(context.Background(), testCase.event); err != nil {
				t.Fatalf("publish failed: %v", err)
			}

			select {
			case event := <-received:
				if !testCase.want {
					t.Fatalf("received %s, want no delivery", event.Kind)
				}
				if event.ID != "e1" {
					t.Fatalf("event id = %s, want e1", event.ID)
				}
			case <-time.After(200 * time.Millisecond):
				if testCase.want {
					t.Fatal("timed out waiting for event")
				}
			}
		})
	}
}

// TestEventBusDefaultSubscriptionPreservesOrder verifies blocking single-worker delivery.
func TestEventBusDefaultSubscriptionPreservesOrder(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(1, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	var mu sync.Mutex
	processed := make([]string, 0, 20)
	_, err := bus.Subscribe(context.Background(), hibiki.InterestSet{}, hibiki.SubscriptionSpec{
		Name: "ordered",
	}, func(_ context.Context, event *hibiki.Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		processed = append(processed, event.ID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	want := make([]string, 0, 20)
	for idx := 0; idx < 20; idx++ {
		id := string(rune('a' + idx))
		want = append(want, id)
		if err := bus.Publish(context.Background(), newTestEvent(id, hibiki.EventKindGuildJoined)); err != nil {
			t.Fatalf("publish %s failed: %v", id, err)
		}
	}

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == len(want)
	})

	mu.Lock()
	defer mu.Unlock()
	for idx := range want {
		if processed[idx] != want[idx] {
			t.Fatalf("processed = %v, want %v", processed, want)
		}
	}
	if bus.Dropped() != 0 {
		t.Fatalf("Dropped() = %d, want 0", bus.Dropped())
	}
	if bus.Published() != int64(len(want)) {
		t.Fatalf("Published() = %d, want %d", bus.Published(), len(want))
	}
}

// TestEventBusBackpressurePolicies verifies queue behavior under each backpressure policy.
func TestEventBusBackpressurePolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		policy     hibiki.BackpressurePolicy
		wantEvents []string
	}{
		{
			name:       "drop newest keeps queued oldest",
			policy:     hibiki.BackpressureDropNewest,
			wantEvents: []string{"e1", "e2"},
		},
		{
			name:       "drop oldest keeps latest",
			policy:     hibiki.BackpressureDropOldest,
			wantEvents: []string{"e1", "e3"},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			var asyncMu sync.Mutex
			var asyncErrs []error
			bus := NewEventBus(1, 1, time.Second, func(_ context.Context, _ string, err error) {
				asyncMu.Lock()
				asyncErrs = append(asyncErrs, err)
				asyncMu.Unlock()
			})
			t.Cleanup(func() {
				_ = bus.Close(context.Background())
			})

			release := make(chan struct{})
			blocked := make(chan struct{}, 1)
			processed := make([]string, 0, 3)
			var first sync.Once
			var mu sync.Mutex

			_, err := bus.Subscribe(context.Background(), hibiki.InterestSet{
				Kinds: []hibiki.EventKind{hibiki.EventKindGuildJoined},
			}, hibiki.SubscriptionSpec{
				Name:         "policy",
				Workers:      1,
				Buffer:       1,
				Backpressure: testCase.policy,
			}, func(_ context.Context, event *hibiki.Event) error {
				first.Do(func() {
					blocked <- struct{}{}
					<-release
				})
				mu.Lock()
				processed = append(processed, event.ID)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}

			if err := bus.Publish(context.Background(), newTestEvent("e1", hibiki.EventKindGuildJoined)); err != nil {
				t.Fatalf("publish e1 failed: %v", err)
			}
			select {
			case <-blocked:
			case <-time.After(time.Second):
				t.Fatal("handler did not block as expected")
			}
			if err := bus.Publish(context.Background(), newTestEvent("e2", hibiki.EventKindGuildJoined)); err != nil {
				t.Fatalf("publish e2 failed: %v", err)
			}
			if err := bus.Publish(context.Background(), newTestEvent("e3", hibiki.EventKindGuildJoined)); err != nil {
				t.Fatalf("publish e3 failed: %v", err)
			}

			close(release)
			eventually(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(processed) == 2
			})

			mu.Lock()
			gotEvents := append([]string(nil), processed...)
			mu.Unlock()
			if gotEvents[0] != testCase.wantEvents[0] || gotEvents[1] != testCase.wantEvents[1] {
				t.Fatalf("processed = %v, want %v", gotEvents, testCase.wantEvents)
			}
			if bus.Dropped() != 1 {
				t.Fatalf("Dropped() = %d, want 1", bus.Dropped())
			}
			if testCase.policy == hibiki.BackpressureDropNewest {
				asyncMu.Lock()
				defer asyncMu.Unlock()
				if len(asyncErrs) != 1 || !errors.Is(asyncErrs[0], hibiki.ErrEventDropped) {
					t.Fatalf("async errors = %v, want one ErrEventDropped", asyncErrs)
				}
			}
		})
	}
}

// TestEventBusHandlerPanicIsReported verifies worker panic isolation.
func TestEventBusHandlerPanicIsReported(t *testing.T) {
	t.Parallel()

	reported := make(chan error, 1)
	bus := NewEventBus(8, 1, time.Second, func(_ context.Context, _ string, err error) {
		reported <- err
	})
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	delivered := make(chan string, 1)
	_, err := bus.Subscribe(context.Background(), hibiki.InterestSet{}, hibiki.SubscriptionSpec{Name: "panicky"},
		func(_ context.Context, event *hibiki.Event) error {
			if event.ID == "boom" {
				panic("handler exploded")
			}
			delivered <- event.ID
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := bus.Publish(context.Background(), newTestEvent("boom", hibiki.EventKindGuildJoined)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case err := <-reported:
		if err == nil {
			t.Fatal("reported nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}

	if err := bus.Publish(context.Background(), newTestEvent("after", hibiki.EventKindGuildJoined)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case id := <-delivered:
		if id != "after" {
			t.Fatalf("delivered = %s, want after", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after panic")
	}
}

// TestEventBusFlushPollsOnBusClock verifies Flush waits on the injected clock.
func TestEventBusFlushPollsOnBusClock(t *testing.T) {
	t.Parallel()

	sim := neo.NewTime(time.Unix(0, 0))
	bus := NewEventBus(8, 1, time.Second, nil, WithEventBusClock(sim))
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), hibiki.InterestSet{}, hibiki.SubscriptionSpec{Name: "slow"},
		func(context.Context, *hibiki.Event) error {
			close(started)
			<-release
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := bus.Publish(context.Background(), newTestEvent("e1", hibiki.EventKindGuildJoined)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	<-started

	planned := sim.Observe()
	flushed := make(chan error, 1)
	go func() {
		flushed <- bus.Flush(context.Background())
	}()
	<-planned

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for !bus.idle() {
		if time.Now().After(deadline) {
			t.Fatal("subscription never drained")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	select {
	case err := <-flushed:
		t.Fatalf("Flush returned %v before the bus clock ticked", err)
	default:
	}

	sim.Travel(flushPollInterval)
	select {
	case err := <-flushed:
		if err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return after the clock ticked")
	}
}

// TestEventBusSubscribeRejectsUnknownBackpressure verifies subscription spec validation.
func TestEventBusSubscribeRejectsUnknownBackpressure(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	_, err := bus.Subscribe(context.Background(), hibiki.InterestSet{}, hibiki.SubscriptionSpec{
		Backpressure: "spill",
	}, func(context.Context, *hibiki.Event) error { return nil })
	if !errors.Is(err, hibiki.ErrInvalidSubscription) {
		t.Fatalf("error = %v, want ErrInvalidSubscription", err)
	}
}

// TestEventBusCloseRejectsNewPublish verifies publish rejection after bus closure.
func TestEventBusCloseRejectsNewPublish(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	err := bus.Publish(context.Background(), newTestEvent("e1", hibiki.EventKindGuildJoined))
	if !errors.Is(err, hibiki.ErrSubscriptionClosed) {
		t.Fatalf("error = %v, want ErrSubscriptionClosed", err)
	}
	_, err = bus.Subscribe(context.Background(), hibiki.InterestSet{}, hibiki.SubscriptionSpec{},
		func(context.Context, *hibiki.Event) error { return nil })
	if !errors.Is(err, hibiki.ErrSubscriptionClosed) {
		t.Fatalf("subscribe error = %v, want ErrSubscriptionClosed", err)
	}
}

// TestEventBusPublishRejectsInvalidEvents verifies validation before fan-out.
func TestEventBusPublishRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	tests := []struct {
		name  string
		event *hibiki.Event
	}{
		{name: "nil event"},
		{name: "guild event without guild", event: &hibiki.Event{ID: "e1", Kind: hibiki.EventKindGuildJoined}},
		{name: "unknown kind", event: &hibiki.Event{ID: "e1", Kind: "message.created"}},
	}

	for _, testCase := range tests {
		if err := bus.Publish(context.Background(), testCase.event); !errors.Is(err, hibiki.ErrInvalidEvent) {
			t.Fatalf("%s: error = %v, want ErrInvalidEvent", testCase.name, err)
		}
	}
	if bus.Published() != 0 {
		t.Fatalf("Published() = %d, want 0", bus.Published())
	}
}

const (
	testGuildID snowflake.ID = 1
	testUserID  snowflake.ID = 2
)

func newTestEvent(id string, kind hibiki.EventKind) *hibiki.Event {
	event := &hibiki.Event{
		ID:         id,
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
	}

	switch kind {
	case hibiki.EventKindGuildJoined, hibiki.EventKindGuildAvailable,
		hibiki.EventKindGuildUnavailable, hibiki.EventKindGuildLeft:
		event.GuildID = testGuildID
		event.Guild = hibiki.NewGuild(testGuildID, hibiki.GuildInfo{Name: "test"})
	case hibiki.EventKindMemberJoined, hibiki.EventKindMemberLeft:
		event.GuildID = testGuildID
		event.UserID = testUserID
		event.User = hibiki.NewUser(testUserID, hibiki.UserProfile{Name: "member"})
	case hibiki.EventKindUserUpdated, hibiki.EventKindUserTombstoned, hibiki.EventKindUserEvicted:
		event.UserID = testUserID
		event.User = hibiki.NewUser(testUserID, hibiki.UserProfile{Name: "member"})
	}

	return event
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
