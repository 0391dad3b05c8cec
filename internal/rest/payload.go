package rest

import (
	"time"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/internal/cache"
	"ex-hibiki/pkg/hibiki"
)

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

type channelPayload struct {
	ID         snowflake.ID  `json:"id"`
	Type       int           `json:"type"`
	Recipients []userPayload `json:"recipients"`
}

type messagePayload struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	Author    userPayload  `json:"author"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

func (p messagePayload) message() hibiki.Message {
	return hibiki.Message{
		ID:        p.ID,
		ChannelID: p.ChannelID,
		AuthorID:  p.Author.ID,
		Content:   p.Content,
		Timestamp: p.Timestamp,
	}
}

type webhookPayload struct {
	ID        snowflake.ID `json:"id"`
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id"`
	User      *userPayload `json:"user"`
	Name      string       `json:"name"`
	Token     string       `json:"token"`
}

func (p webhookPayload) webhook() *hibiki.Webhook {
	info := hibiki.WebhookInfo{
		GuildID:   p.GuildID,
		ChannelID: p.ChannelID,
		Name:      p.Name,
		Token:     p.Token,
	}
	if p.User != nil {
		info.OwnerID = p.User.ID
	}
	info.DefaultUser = hibiki.NewUser(p.ID, hibiki.UserProfile{
		Name:          p.Name,
		Discriminator: "0000",
		Bot:           true,
	})

	return hibiki.NewWebhook(p.ID, info)
}

type createMessageBody struct {
	Content string `json:"content"`
}

type createPrivateChannelBody struct {
	RecipientID snowflake.ID `json:"recipient_id"`
}

type putRelationshipBody struct {
	Type int `json:"type,omitempty"`
}
