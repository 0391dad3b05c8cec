package hibiki

import (
	"errors"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	guild := NewGuild(snowflake.ID(1), GuildInfo{})
	user := NewUser(snowflake.ID(2), UserProfile{})

	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{name: "nil event", event: nil, wantErr: true},
		{name: "missing id", event: &Event{Kind: EventKindReady}, wantErr: true},
		{name: "ready", event: &Event{ID: "e", Kind: EventKindReady}},
		{
			name:  "guild left",
			event: &Event{ID: "e", Kind: EventKindGuildLeft, GuildID: guild.ID(), Guild: guild},
		},
		{
			name:    "guild left without guild",
			event:   &Event{ID: "e", Kind: EventKindGuildLeft, GuildID: guild.ID()},
			wantErr: true,
		},
		{
			name:  "member left",
			event: &Event{ID: "e", Kind: EventKindMemberLeft, GuildID: 1, UserID: 2},
		},
		{
			name:  "user tombstoned",
			event: &Event{ID: "e", Kind: EventKindUserTombstoned, UserID: user.ID(), User: user},
		},
		{name: "unknown kind", event: &Event{ID: "e", Kind: "nope"}, wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.event.Validate()
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("err = %v, want ErrInvalidEvent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestInterestSetMatches(t *testing.T) {
	t.Parallel()

	event := &Event{ID: "e", Kind: EventKindMemberJoined, GuildID: 5, UserID: 6}

	tests := []struct {
		name     string
		interest InterestSet
		want     bool
	}{
		{name: "empty matches all", interest: InterestSet{}, want: true},
		{name: "kind match", interest: InterestSet{Kinds: []EventKind{EventKindMemberJoined}}, want: true},
		{name: "kind mismatch", interest: InterestSet{Kinds: []EventKind{EventKindGuildLeft}}},
		{name: "guild match", interest: InterestSet{GuildIDs: []snowflake.ID{5}}, want: true},
		{name: "guild mismatch", interest: InterestSet{GuildIDs: []snowflake.ID{4}}},
	}

	for _, testCase := range tests {
		if got := testCase.interest.Matches(event); got != testCase.want {
			t.Fatalf("%s: matches = %v, want %v", testCase.name, got, testCase.want)
		}
	}
}
