package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/go-cmp/cmp"

	"ex-hibiki/internal/cache"
	"ex-hibiki/internal/dispatch"
	"ex-hibiki/internal/guildlock"
	"ex-hibiki/pkg/hibiki"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*hibiki.Event
}

func (s *recordingSink) Publish(_ context.Context, event *hibiki.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)

	return nil
}

func (s *recordingSink) kinds() []hibiki.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make([]hibiki.EventKind, 0, len(s.events))
	for _, event := range s.events {
		kinds = append(kinds, event.Kind)
	}

	return kinds
}

func (s *recordingSink) since(n int) []*hibiki.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*hibiki.Event(nil), s.events[n:]...)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.events)
}

type fixture struct {
	cache     *cache.Cache
	sequencer *guildlock.Sequencer
	router    *dispatch.Router
	handlers  *Handlers
	sink      *recordingSink

	mu       sync.Mutex
	reported []error
	sequence int64
}

func newFixture(t *testing.T, accountType hibiki.AccountType, options ...Option) *fixture {
	t.Helper()

	entities, err := cache.New(accountType)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	f := &fixture{
		cache:     entities,
		sequencer: guildlock.New(),
		sink:      &recordingSink{},
	}
	f.router, err = dispatch.NewRouter(f.sequencer, dispatch.WithErrorHandler(func(_ context.Context, _ string, err error) {
		f.mu.Lock()
		f.reported = append(f.reported, err)
		f.mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	f.handlers, err = New(entities, f.sequencer, f.sink, options...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.handlers.Register(f.router)

	return f
}

// dispatch feeds one record whose payload is raw JSON, as it arrives on the wire.
func (f *fixture) dispatch(t *testing.T, recordType string, body string) {
	t.Helper()

	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("payload %s: %v", recordType, err)
	}
	f.sequence++
	if err := f.router.Dispatch(context.Background(), dispatch.Record{
		Type:     recordType,
		Payload:  payload,
		Sequence: f.sequence,
	}); err != nil {
		t.Fatalf("Dispatch(%s) failed: %v", recordType, err)
	}
}

func (f *fixture) errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]error(nil), f.reported...)
}

func userIDs(events []*hibiki.Event) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.UserID)
	}

	return ids
}

func TestGuildRemovalReleasesMembers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hibiki.AccountTypeClient)
	f.dispatch(t, RecordReady, `{
		"session_id": "s1",
		"user": {"id": "1", "username": "self"},
		"private_channels": [{"id": "500", "type": 1, "recipients": [{"id": "12", "username": "dm"}]}],
		"relationships": [{"id": "13", "type": 1, "user": {"id": "13", "username": "friend"}}]
	}`)
	f.dispatch(t, RecordGuildCreate, `{
		"id": "1", "name": "one", "member_count": 4,
		"members": [
			{"user": {"id": "10", "username": "only-here"}},
			{"user": {"id": "11", "username": "shared"}},
			{"user": {"id": "12", "username": "dm"}},
			{"user": {"id": "13", "username": "friend"}}
		],
		"channels": [{"id": "101", "type": 0, "name": "general"}]
	}`)
	f.dispatch(t, RecordGuildCreate, `{
		"id": "2", "name": "two", "member_count": 1,
		"members": [{"user": {"id": "11", "username": "shared"}}]
	}`)

	dmUser, ok := f.cache.User(12)
	if !ok {
		t.Fatal("user 12 should be live while in guild 1")
	}

	before := f.sink.len()
	f.dispatch(t, RecordGuildDelete, `{"id": "1"}`)

	wantKinds := []hibiki.EventKind{
		hibiki.EventKindReady,
		hibiki.EventKindGuildJoined,
		hibiki.EventKindGuildJoined,
		hibiki.EventKindGuildLeft,
		hibiki.EventKindUserEvicted,
		hibiki.EventKindUserTombstoned,
		hibiki.EventKindUserTombstoned,
	}
	if diff := cmp.Diff(wantKinds, f.sink.kinds()); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	removal := f.sink.since(before)
	if diff := cmp.Diff([]snowflake.ID{0, 10, 12, 13}, userIDs(removal)); diff != "" {
		t.Fatalf("removal user ids mismatch (-want +got):\n%s", diff)
	}
	for _, event := range removal {
		if event.GuildID != 1 {
			t.Fatalf("event %s guild = %s, want 1", event.Kind, event.GuildID)
		}
	}

	if _, ok := f.cache.User(11); !ok {
		t.Fatal("user 11 should stay live through guild 2")
	}
	if _, ok := f.cache.ResolveUser(10); ok {
		t.Fatal("user 10 should be evicted")
	}
	faked, ok := f.cache.FakeUser(12)
	if !ok || faked != dmUser {
		t.Fatal("user 12 should be tombstoned as the same record")
	}
	if _, ok := f.cache.FakePrivateChannel(500); !ok {
		t.Fatal("private channel 500 should follow its recipient into the tombstone map")
	}
	if !f.cache.IsFake(13) {
		t.Fatal("friend 13 should be tombstoned")
	}
	if _, ok := f.cache.TextChannel(101); ok {
		t.Fatal("guild channel should be purged")
	}
	if f.sequencer.IsLocked(1) {
		t.Fatal("guild lock should be released after cleanup")
	}
}

func TestLargeGuildSetupDefersRecords(t *testing.T) {
	t.Parallel()

	requester := &recordingRequester{}
	f := newFixture(t, hibiki.AccountTypeBot, WithMemberRequester(requester))
	f.dispatch(t, RecordGuildCreate, `{
		"id": "7", "name": "big", "large": true, "member_count": 3,
		"members": [{"user": {"id": "70"}}]
	}`)

	if !f.sequencer.IsLocked(7) {
		t.Fatal("large guild should be locked during setup")
	}
	if got := f.sink.len(); got != 0 {
		t.Fatalf("events before setup = %d, want 0", got)
	}
	if diff := cmp.Diff([]snowflake.ID{7}, requester.snapshot()); diff != "" {
		t.Fatalf("member requests mismatch (-want +got):\n%s", diff)
	}

	f.dispatch(t, RecordGuildMemberAdd, `{"guild_id": "7", "user": {"id": "79"}}`)
	if got := f.router.Backlog(7); got != 1 {
		t.Fatalf("Backlog(7) = %d, want 1", got)
	}

	f.dispatch(t, RecordGuildMembersChunk, `{
		"guild_id": "7", "chunk_index": 0, "chunk_count": 2,
		"members": [{"user": {"id": "71"}}]
	}`)
	if !f.sequencer.IsLocked(7) {
		t.Fatal("setup should wait for the last chunk")
	}

	f.dispatch(t, RecordGuildMembersChunk, `{
		"guild_id": "7", "chunk_index": 1, "chunk_count": 2,
		"members": [{"user": {"id": "72"}}]
	}`)

	want := []hibiki.EventKind{hibiki.EventKindGuildJoined, hibiki.EventKindMemberJoined}
	if diff := cmp.Diff(want, f.sink.kinds()); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	guild, ok := f.cache.Guild(7)
	if !ok {
		t.Fatal("guild 7 missing")
	}
	if got := guild.LoadedMemberCount(); got != 4 {
		t.Fatalf("LoadedMemberCount = %d, want 4", got)
	}
	if f.sequencer.IsLocked(7) || f.handlers.SetupPending() != 0 {
		t.Fatal("setup should be complete")
	}
}

func TestGuildRemovalDuringSetup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hibiki.AccountTypeBot, WithMemberRequester(&recordingRequester{}))
	f.dispatch(t, RecordGuildCreate, `{"id": "8", "large": true, "member_count": 5, "members": [{"user": {"id": "80"}}]}`)
	f.dispatch(t, RecordGuildMemberAdd, `{"guild_id": "8", "user": {"id": "81"}}`)
	if got := f.router.Backlog(8); got != 1 {
		t.Fatalf("Backlog(8) during setup = %d, want 1", got)
	}
	f.dispatch(t, RecordGuildDelete, `{"id": "8"}`)

	if diff := cmp.Diff([]hibiki.EventKind{hibiki.EventKindGuildLeft, hibiki.EventKindUserEvicted}, f.sink.kinds()); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if f.sequencer.IsLocked(8) || f.handlers.SetupPending() != 0 {
		t.Fatal("removal should release the setup lock")
	}
	if got := f.router.Backlog(8); got != 0 {
		t.Fatalf("Backlog(8) = %d, want 0", got)
	}
	if reported := f.errors(); len(reported) != 0 {
		t.Fatalf("reported = %v, want the replayed member add discarded quietly", reported)
	}
	if _, ok := f.cache.ResolveUser(81); ok {
		t.Fatal("replayed member add must not resurrect the guild")
	}
}

func TestLargeGuildWithoutMemberRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		options []Option
	}{
		{name: "no requester"},
		{name: "source cannot request", options: []Option{WithMemberRequester(&recordingRequester{err: ErrMembersUnavailable})}},
		{name: "request fails", options: []Option{WithMemberRequester(&recordingRequester{err: errors.New("socket closed")})}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, hibiki.AccountTypeBot, testCase.options...)
			f.dispatch(t, RecordGuildCreate, `{"id": "9", "large": true, "member_count": 5, "members": [{"user": {"id": "90"}}]}`)
			f.dispatch(t, RecordGuildMemberAdd, `{"guild_id": "9", "user": {"id": "91"}}`)
			f.dispatch(t, RecordGuildMemberAdd, `{"guild_id": "9", "user": {"id": "92"}}`)

			if f.sequencer.IsLocked(9) || f.handlers.SetupPending() != 0 {
				t.Fatal("guild should not wait on members that were never requested")
			}
			if got := f.router.Backlog(9); got != 0 {
				t.Fatalf("Backlog(9) = %d, want 0", got)
			}
			want := []hibiki.EventKind{
				hibiki.EventKindGuildJoined,
				hibiki.EventKindMemberJoined,
				hibiki.EventKindMemberJoined,
			}
			if diff := cmp.Diff(want, f.sink.kinds()); diff != "" {
				t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
			}
			if reported := f.errors(); len(reported) != 0 {
				t.Fatalf("reported = %v, want none", reported)
			}
		})
	}
}

func TestMemberRecordsForUnknownGuildAreDiscarded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hibiki.AccountTypeBot)
	f.dispatch(t, RecordGuildMemberAdd, `{"guild_id": "404", "user": {"id": "1"}}`)
	f.dispatch(t, RecordGuildMemberRemove, `{"guild_id": "404", "user": {"id": "1"}}`)
	f.dispatch(t, RecordGuildMembersChunk, `{"guild_id": "404", "chunk_index": 0, "chunk_count": 1, "members": [{"user": {"id": "1"}}]}`)

	if got := f.sink.len(); got != 0 {
		t.Fatalf("events = %d, want 0", got)
	}
	if reported := f.errors(); len(reported) != 0 {
		t.Fatalf("reported = %v, want none", reported)
	}
	if _, ok := f.cache.ResolveUser(1); ok {
		t.Fatal("member of an unknown guild must not be cached")
	}
}

func TestGuildOutageKeepsMembership(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hibiki.AccountTypeBot)
	f.dispatch(t, RecordGuildCreate, `{"id": "3", "member_count": 1, "members": [{"user": {"id": "30"}}]}`)
	f.dispatch(t, RecordGuildDelete, `{"id": "3", "unavailable": true}`)

	guild, ok := f.cache.Guild(3)
	if !ok {
		t.Fatal("unavailable guild should stay cached")
	}
	if guild.IsAvailable() {
		t.Fatal("guild should be unavailable")
	}
	if _, ok := f.cache.User(30); !ok {
		t.Fatal("member should stay live during an outage")
	}

	f.dispatch(t, RecordGuildCreate, `{"id": "3", "member_count": 1, "members": [{"user": {"id": "30"}}]}`)
	f.dispatch(t, RecordGuildCreate, `{"id": "3", "member_count": 1, "members": [{"user": {"id": "30"}}]}`)

	want := []hibiki.EventKind{
		hibiki.EventKindGuildJoined,
		hibiki.EventKindGuildUnavailable,
		hibiki.EventKindGuildAvailable,
	}
	if diff := cmp.Diff(want, f.sink.kinds()); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestMemberRecords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		records   [][2]string
		wantKinds []hibiki.EventKind
		wantLive  bool
	}{
		{
			name: "join",
			records: [][2]string{
				{RecordGuildMemberAdd, `{"guild_id": "4", "user": {"id": "41", "username": "new"}, "roles": ["9"]}`},
			},
			wantKinds: []hibiki.EventKind{hibiki.EventKindMemberJoined},
			wantLive:  true,
		},
		{
			name: "leave evicts",
			records: [][2]string{
				{RecordGuildMemberAdd, `{"guild_id": "4", "user": {"id": "41"}}`},
				{RecordGuildMemberRemove, `{"guild_id": "4", "user": {"id": "41"}}`},
			},
			wantKinds: []hibiki.EventKind{
				hibiki.EventKindMemberJoined,
				hibiki.EventKindMemberLeft,
				hibiki.EventKindUserEvicted,
			},
		},
		{
			name: "leave of unknown member is silent",
			records: [][2]string{
				{RecordGuildMemberRemove, `{"guild_id": "4", "user": {"id": "99"}}`},
			},
			wantKinds: []hibiki.EventKind{},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, hibiki.AccountTypeBot)
			if _, err := f.cache.JoinGuild(cache.GuildData{ID: 4}); err != nil {
				t.Fatalf("JoinGuild failed: %v", err)
			}
			for _, rec := range testCase.records {
				f.dispatch(t, rec[0], rec[1])
			}

			if diff := cmp.Diff(testCase.wantKinds, f.sink.kinds()); diff != "" {
				t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
			}
			if _, live := f.cache.User(41); live != testCase.wantLive {
				t.Fatalf("user 41 live = %v, want %v", live, testCase.wantLive)
			}
		})
	}
}

func TestPrivateChannelRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hibiki.AccountTypeBot)
	f.dispatch(t, RecordChannelCreate, `{"id": "600", "type": 1, "recipients": [{"id": "60", "username": "stranger"}]}`)
	f.dispatch(t, RecordChannelCreate, `{"id": "600", "type": 1, "recipients": [{"id": "60", "username": "stranger"}]}`)

	if !f.cache.IsFake(60) {
		t.Fatal("recipient sharing no guild should be tombstoned")
	}
	channel, ok := f.cache.ResolvePrivateChannel(600)
	if !ok || !channel.IsFake() {
		t.Fatal("channel should be cached as fake")
	}

	f.dispatch(t, RecordChannelDelete, `{"id": "600", "type": 1}`)

	want := []hibiki.EventKind{
		hibiki.EventKindPrivateChannelOpened,
		hibiki.EventKindPrivateChannelClosed,
		hibiki.EventKindUserEvicted,
	}
	if diff := cmp.Diff(want, f.sink.kinds()); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if _, ok := f.cache.ResolveUser(60); ok {
		t.Fatal("recipient with no roots left should be evicted")
	}
}

func TestGuildChannelRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hibiki.AccountTypeBot)
	if _, err := f.cache.JoinGuild(cache.GuildData{ID: 5}); err != nil {
		t.Fatalf("JoinGuild failed: %v", err)
	}
	f.dispatch(t, RecordChannelCreate, `{"id": "501", "type": 0, "guild_id": "5", "name": "text"}`)
	f.dispatch(t, RecordChannelCreate, `{"id": "502", "type": 2, "guild_id": "5", "name": "voice"}`)
	f.cache.PutWebhook(hibiki.NewWebhook(900, hibiki.WebhookInfo{GuildID: 5, ChannelID: 501}))
	f.dispatch(t, RecordWebhooksUpdate, `{"guild_id": "5", "channel_id": "501"}`)
	f.dispatch(t, RecordChannelDelete, `{"id": "502", "type": 2, "guild_id": "5"}`)

	want := []hibiki.EventKind{
		hibiki.EventKindChannelCreated,
		hibiki.EventKindChannelCreated,
		hibiki.EventKindWebhooksUpdated,
		hibiki.EventKindChannelDeleted,
	}
	if diff := cmp.Diff(want, f.sink.kinds()); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if channel, ok := f.cache.TextChannel(501); !ok || channel.Name() != "text" {
		t.Fatal("text channel 501 missing")
	}
	if _, ok := f.cache.VoiceChannel(502); ok {
		t.Fatal("voice channel 502 should be deleted")
	}
	if _, ok := f.cache.Webhook(900); ok {
		t.Fatal("webhooks update should drop cached webhooks")
	}
}

func TestSocialRecords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		accountType hibiki.AccountType
		wantKinds   []hibiki.EventKind
	}{
		{
			name:        "client session tracks social graph",
			accountType: hibiki.AccountTypeClient,
			wantKinds: []hibiki.EventKind{
				hibiki.EventKindRelationshipAdded,
				hibiki.EventKindGroupMemberAdded,
				hibiki.EventKindRelationshipRemoved,
				hibiki.EventKindGroupMemberRemoved,
				hibiki.EventKindUserEvicted,
			},
		},
		{
			name:        "bot session ignores social records",
			accountType: hibiki.AccountTypeBot,
			wantKinds:   []hibiki.EventKind{},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, testCase.accountType)
			f.dispatch(t, RecordChannelCreate, `{"id": "700", "type": 3, "name": "party", "owner_id": "1", "recipients": []}`)
			f.dispatch(t, RecordRelationshipAdd, `{"id": "71", "type": 1, "user": {"id": "71", "username": "pal"}}`)
			f.dispatch(t, RecordChannelRecipientAdd, `{"channel_id": "700", "user": {"id": "71", "username": "pal"}}`)
			f.dispatch(t, RecordRelationshipRemove, `{"id": "71", "type": 1}`)

			if testCase.accountType.HasSocialGraph() && !f.cache.IsFake(71) {
				t.Fatal("group membership should keep the user tombstoned")
			}

			f.dispatch(t, RecordChannelRecipientRem, `{"channel_id": "700", "user": {"id": "71"}}`)

			if diff := cmp.Diff(testCase.wantKinds, f.sink.kinds()); diff != "" {
				t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
			}
			if _, ok := f.cache.ResolveUser(71); ok {
				t.Fatal("user 71 should not be cached")
			}
			if errs := f.errors(); len(errs) != 0 {
				t.Fatalf("reported errors = %v, want none", errs)
			}
		})
	}
}

func TestUserUpdate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hibiki.AccountTypeBot)
	if _, err := f.cache.JoinGuild(cache.GuildData{ID: 1, Members: []cache.MemberData{{User: cache.UserData{ID: 15}}}}); err != nil {
		t.Fatalf("JoinGuild failed: %v", err)
	}
	user, _ := f.cache.User(15)

	f.dispatch(t, RecordUserUpdate, `{"id": "15", "username": "renamed", "discriminator": "0015", "avatar": "abc"}`)
	f.dispatch(t, RecordUserUpdate, `{"id": "16", "username": "stranger"}`)

	if diff := cmp.Diff([]hibiki.EventKind{hibiki.EventKindUserUpdated}, f.sink.kinds()); diff != "" {
		t.Fatalf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if user.Name() != "renamed" || user.AvatarID() != "abc" {
		t.Fatalf("user = %v, want renamed in place", user)
	}
	if _, ok := f.cache.ResolveUser(16); ok {
		t.Fatal("update for an unknown user must not cache it")
	}
}

func TestEventsCarryRecordSequence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, hibiki.AccountTypeBot)
	f.dispatch(t, RecordGuildCreate, `{"id": "9"}`)
	f.dispatch(t, RecordGuildDelete, `{"id": "9"}`)

	events := f.sink.since(0)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for i, event := range events {
		if event.Sequence != int64(i+1) {
			t.Fatalf("event %d sequence = %d, want %d", i, event.Sequence, i+1)
		}
		if event.ID == "" || event.OccurredAt.IsZero() {
			t.Fatalf("event %d missing id or timestamp", i)
		}
	}
	if events[0].ID == events[1].ID {
		t.Fatal("event ids must be unique")
	}
}

type recordingRequester struct {
	err error

	mu       sync.Mutex
	requests []snowflake.ID
}

func (r *recordingRequester) RequestMembers(_ context.Context, guildID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, guildID)

	return r.err
}

func (r *recordingRequester) snapshot() []snowflake.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]snowflake.ID(nil), r.requests...)
}
