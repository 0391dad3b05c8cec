package hibiki

import "github.com/disgoorg/snowflake/v2"

// WebhookBaseURL is the execution endpoint prefix for webhooks.
const WebhookBaseURL = "https://discord.com/api/webhooks"

// WebhookInfo describes one channel webhook.
type WebhookInfo struct {
	// GuildID identifies the guild owning the channel.
	GuildID snowflake.ID
	// ChannelID identifies the channel the webhook posts into.
	ChannelID snowflake.ID
	// OwnerID identifies the member who created the webhook.
	OwnerID snowflake.ID
	// DefaultUser is the pseudo-user the webhook posts as.
	DefaultUser *User
	// Name is the webhook display name.
	Name string
	// Token is the execution secret.
	Token string
}

// Webhook is an immutable webhook snapshot.
type Webhook struct {
	id   snowflake.ID
	info WebhookInfo
}

// NewWebhook creates a webhook snapshot.
func NewWebhook(id snowflake.ID, info WebhookInfo) *Webhook {
	return &Webhook{id: id, info: info}
}

// ID returns the webhook snowflake.
func (w *Webhook) ID() snowflake.ID {
	return w.id
}

// Info returns the descriptive fields.
func (w *Webhook) Info() WebhookInfo {
	return w.info
}

// URL returns the execution endpoint, or an empty string when the token is
// not visible to the session.
func (w *Webhook) URL() string {
	if w.info.Token == "" {
		return ""
	}

	return WebhookBaseURL + "/" + w.id.String() + "/" + w.info.Token
}
