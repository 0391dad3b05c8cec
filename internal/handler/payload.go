package handler

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mitchellh/mapstructure"

	"ex-hibiki/internal/cache"
	"ex-hibiki/pkg/hibiki"
)

var (
	snowflakeType = reflect.TypeOf(snowflake.ID(0))
	timeType      = reflect.TypeOf(time.Time{})
)

// decodePayload maps one raw record body onto T using json field names.
func decodePayload[T any](payload map[string]any) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			snowflakeHook,
			timeHook,
		),
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, fmt.Errorf("new payload decoder: %w", err)
	}
	if err := decoder.Decode(payload); err != nil {
		return out, fmt.Errorf("decode payload: %w: %v", hibiki.ErrInvalidEvent, err)
	}

	return out, nil
}

// snowflakeHook accepts ids as decimal strings, JSON numbers, or ids.
func snowflakeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != snowflakeType {
		return data, nil
	}

	switch value := data.(type) {
	case nil:
		return snowflake.ID(0), nil
	case snowflake.ID:
		return value, nil
	case string:
		if value == "" {
			return snowflake.ID(0), nil
		}
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse snowflake %q: %w", value, err)
		}
		return snowflake.ID(parsed), nil
	case json.Number:
		parsed, err := strconv.ParseUint(value.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse snowflake %q: %w", value, err)
		}
		return snowflake.ID(parsed), nil
	case float64:
		if value < 0 {
			return nil, fmt.Errorf("parse snowflake %v: negative", value)
		}
		return snowflake.ID(uint64(value)), nil
	case int:
		return snowflake.ID(uint64(value)), nil
	case int64:
		return snowflake.ID(uint64(value)), nil
	case uint64:
		return snowflake.ID(value), nil
	default:
		return data, nil
	}
}

func timeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}

	value, ok := data.(string)
	if !ok {
		return data, nil
	}
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", value, err)
	}

	return parsed, nil
}

type userPayload struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
	Avatar        string       `json:"avatar"`
	Bot           bool         `json:"bot"`
}

func (p userPayload) data() cache.UserData {
	return cache.UserData{
		ID: p.ID,
		Profile: hibiki.UserProfile{
			Name:          p.Username,
			Discriminator: p.Discriminator,
			AvatarID:      p.Avatar,
			Bot:           p.Bot,
		},
	}
}

type memberPayload struct {
	GuildID  snowflake.ID   `json:"guild_id"`
	User     userPayload    `json:"user"`
	Nick     string         `json:"nick"`
	JoinedAt time.Time      `json:"joined_at"`
	Roles    []snowflake.ID `json:"roles"`
}

func (p memberPayload) data() cache.MemberData {
	return cache.MemberData{
		User:     p.User.data(),
		Nickname: p.Nick,
		JoinedAt: p.JoinedAt,
		RoleIDs:  p.Roles,
	}
}

type channelPayload struct {
	ID         snowflake.ID  `json:"id"`
	Type       int           `json:"type"`
	GuildID    snowflake.ID  `json:"guild_id"`
	Name       string        `json:"name"`
	Topic      string        `json:"topic"`
	Position   int           `json:"position"`
	OwnerID    snowflake.ID  `json:"owner_id"`
	Recipients []userPayload `json:"recipients"`
}

func (p channelPayload) channelType() hibiki.ChannelType {
	return hibiki.ChannelType(p.Type)
}

func (p channelPayload) data() cache.ChannelData {
	return cache.ChannelData{
		ID:   p.ID,
		Type: p.channelType(),
		Info: hibiki.GuildChannelInfo{
			Name:     p.Name,
			Topic:    p.Topic,
			Position: p.Position,
		},
	}
}

func (p channelPayload) group() cache.GroupData {
	recipients := make([]cache.UserData, 0, len(p.Recipients))
	for _, recipient := range p.Recipients {
		recipients = append(recipients, recipient.data())
	}

	return cache.GroupData{
		ID:         p.ID,
		Name:       p.Name,
		OwnerID:    p.OwnerID,
		Recipients: recipients,
	}
}

type guildPayload struct {
	ID          snowflake.ID     `json:"id"`
	Name        string           `json:"name"`
	OwnerID     snowflake.ID     `json:"owner_id"`
	MemberCount int              `json:"member_count"`
	Large       bool             `json:"large"`
	Unavailable bool             `json:"unavailable"`
	Members     []memberPayload  `json:"members"`
	Channels    []channelPayload `json:"channels"`
}

func (p guildPayload) data() cache.GuildData {
	members := make([]cache.MemberData, 0, len(p.Members))
	for _, member := range p.Members {
		members = append(members, member.data())
	}
	channels := make([]cache.ChannelData, 0, len(p.Channels))
	for _, channel := range p.Channels {
		if !channel.channelType().IsGuildChannel() {
			continue
		}
		channels = append(channels, channel.data())
	}

	return cache.GuildData{
		ID: p.ID,
		Info: hibiki.GuildInfo{
			Name:        p.Name,
			OwnerID:     p.OwnerID,
			MemberCount: p.MemberCount,
			Large:       p.Large,
		},
		Members:  members,
		Channels: channels,
	}
}

type relationshipPayload struct {
	ID   snowflake.ID `json:"id"`
	Type int          `json:"type"`
	User userPayload  `json:"user"`
}

func (p relationshipPayload) userData() cache.UserData {
	data := p.User.data()
	if data.ID == 0 {
		data.ID = p.ID
	}

	return data
}

type readyPayload struct {
	SessionID       string                `json:"session_id"`
	User            userPayload           `json:"user"`
	Guilds          []guildPayload        `json:"guilds"`
	PrivateChannels []channelPayload      `json:"private_channels"`
	Relationships   []relationshipPayload `json:"relationships"`
}

type membersChunkPayload struct {
	GuildID    snowflake.ID    `json:"guild_id"`
	Members    []memberPayload `json:"members"`
	ChunkIndex int             `json:"chunk_index"`
	ChunkCount int             `json:"chunk_count"`
}

func (p membersChunkPayload) last() bool {
	return p.ChunkCount > 0 && p.ChunkIndex+1 >= p.ChunkCount
}

type memberRemovePayload struct {
	GuildID snowflake.ID `json:"guild_id"`
	User    userPayload  `json:"user"`
}

type recipientPayload struct {
	ChannelID snowflake.ID `json:"channel_id"`
	User      userPayload  `json:"user"`
}

type webhooksUpdatePayload struct {
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id"`
}
