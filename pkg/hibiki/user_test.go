package hibiki

import (
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

func TestUserAvatarURLs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		profile       UserProfile
		wantAvatar    string
		wantDefaultID string
		wantEffective string
	}{
		{
			name:          "custom avatar",
			profile:       UserProfile{Name: "mira", Discriminator: "0007", AvatarID: "abc"},
			wantAvatar:    "https://cdn.discordapp.com/avatars/42/abc.jpg",
			wantDefaultID: "dd4dbc0016779df1378e7812eabaa04d",
			wantEffective: "https://cdn.discordapp.com/avatars/42/abc.jpg",
		},
		{
			name:          "no avatar falls back to default",
			profile:       UserProfile{Name: "kai", Discriminator: "0001"},
			wantDefaultID: "322c936a8c8be1b803cd94861bdfa868",
			wantEffective: "https://discordapp.com/assets/322c936a8c8be1b803cd94861bdfa868.png",
		},
		{
			name:          "unparseable discriminator",
			profile:       UserProfile{Name: "sys", Discriminator: "x"},
			wantDefaultID: "6debd47ed13483642cf09e832ed0bc1b",
			wantEffective: "https://discordapp.com/assets/6debd47ed13483642cf09e832ed0bc1b.png",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			user := NewUser(snowflake.ID(42), testCase.profile)
			if got := user.AvatarURL(); got != testCase.wantAvatar {
				t.Fatalf("avatar url = %q, want %q", got, testCase.wantAvatar)
			}
			if got := user.DefaultAvatarID(); got != testCase.wantDefaultID {
				t.Fatalf("default avatar id = %q, want %q", got, testCase.wantDefaultID)
			}
			if got := user.EffectiveAvatarURL(); got != testCase.wantEffective {
				t.Fatalf("effective avatar url = %q, want %q", got, testCase.wantEffective)
			}
		})
	}
}

func TestUserPrivateChannelLink(t *testing.T) {
	t.Parallel()

	user := NewUser(snowflake.ID(7), UserProfile{Name: "ren"})
	if user.HasPrivateChannel() {
		t.Fatal("new user has private channel")
	}
	if got := user.Mention(); got != "<@7>" {
		t.Fatalf("mention = %q, want <@7>", got)
	}

	channel := NewPrivateChannel(snowflake.ID(70), user)
	user.SetPrivateChannel(channel)
	linked, ok := user.PrivateChannel()
	if !ok || linked != channel {
		t.Fatalf("private channel = %v/%v, want linked channel", linked, ok)
	}
	if channel.User() != user {
		t.Fatal("channel user is not the same record")
	}

	user.SetPrivateChannel(nil)
	if user.HasPrivateChannel() {
		t.Fatal("private channel still linked after unlink")
	}
}

func TestGuildMembershipSnapshots(t *testing.T) {
	t.Parallel()

	guild := NewGuild(snowflake.ID(1), GuildInfo{Name: "g", MemberCount: 2})
	guild.PutMember(&Member{User: NewUser(snowflake.ID(30), UserProfile{})})
	guild.PutMember(&Member{User: NewUser(snowflake.ID(10), UserProfile{})})

	ids := guild.MemberIDs()
	if len(ids) != 2 || ids[0] != 10 || ids[1] != 30 {
		t.Fatalf("member ids = %v, want [10 30]", ids)
	}
	if !guild.MembersComplete() {
		t.Fatal("members complete = false, want true")
	}

	ids[0] = 99
	if guild.HasMember(99) {
		t.Fatal("mutating snapshot changed guild membership")
	}

	guild.AddChannel(ChannelTypeText, snowflake.ID(5))
	guild.AddChannel(ChannelTypeVoice, snowflake.ID(6))
	guild.AddChannel(ChannelTypePrivate, snowflake.ID(7))
	if got := guild.TextChannelIDs(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("text channels = %v, want [5]", got)
	}
	if got := guild.VoiceChannelIDs(); len(got) != 1 || got[0] != 6 {
		t.Fatalf("voice channels = %v, want [6]", got)
	}
}

func TestWebhookURL(t *testing.T) {
	t.Parallel()

	hook := NewWebhook(snowflake.ID(9), WebhookInfo{Token: "tok"})
	if got := hook.URL(); got != "https://discord.com/api/webhooks/9/tok" {
		t.Fatalf("url = %q", got)
	}
	if got := NewWebhook(snowflake.ID(9), WebhookInfo{}).URL(); got != "" {
		t.Fatalf("url without token = %q, want empty", got)
	}
}
