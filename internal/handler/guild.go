package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"

	"ex-hibiki/internal/cache"
	"ex-hibiki/internal/dispatch"
	"ex-hibiki/pkg/hibiki"
)

func (h *Handlers) handleReady(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[readyPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("ready: %w", err)
	}

	var errs []error
	for _, guild := range payload.Guilds {
		if guild.ID == 0 {
			continue
		}
		if _, err := h.cache.JoinGuild(guild.data()); err != nil {
			errs = append(errs, err)
			continue
		}
		if guild.Unavailable {
			if _, err := h.cache.MarkGuildUnavailable(guild.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, channel := range payload.PrivateChannels {
		switch channel.channelType() {
		case hibiki.ChannelTypePrivate:
			if len(channel.Recipients) == 0 {
				continue
			}
			if _, err := h.cache.OpenPrivateChannel(channel.ID, channel.Recipients[0].data()); err != nil {
				errs = append(errs, err)
			}
		case hibiki.ChannelTypeGroup:
			if !h.cache.AccountType().HasSocialGraph() {
				continue
			}
			if _, _, err := h.cache.PutGroup(channel.group()); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if h.cache.AccountType().HasSocialGraph() {
		for _, relationship := range payload.Relationships {
			relationshipType := hibiki.RelationshipType(relationship.Type)
			if _, _, err := h.cache.PutRelationship(relationship.userData(), relationshipType); err != nil {
				errs = append(errs, err)
			}
		}
	}

	h.logger.InfoContext(ctx, "hibiki session ready",
		"session_id", payload.SessionID,
		"user_id", payload.User.ID.String(),
		"guilds", len(payload.Guilds),
		"private_channels", len(payload.PrivateChannels),
		"relationships", len(payload.Relationships),
	)

	event := h.newEvent(hibiki.EventKindReady, record)
	event.UserID = payload.User.ID
	errs = append(errs, h.publish(ctx, event))

	if err := errors.Join(errs...); err != nil {
		return dispatch.Applied, fmt.Errorf("ready: %w", err)
	}

	return dispatch.Applied, nil
}

func (h *Handlers) handleGuildCreate(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[guildPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild create: %w", err)
	}
	if outcome, wait := h.deferred(payload.ID); wait {
		return outcome, nil
	}
	if payload.Unavailable {
		return h.markUnavailable(ctx, record, payload.ID)
	}

	join, err := h.cache.JoinGuild(payload.data())
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild create: %w", err)
	}

	kind := hibiki.EventKindGuildAvailable
	if join.Created {
		kind = hibiki.EventKindGuildJoined
	}

	if payload.Large && !join.Guild.MembersComplete() && h.requestMembers(ctx, payload.ID) {
		h.locks.Lock(payload.ID)
		h.setup[payload.ID] = kind
		h.logger.InfoContext(ctx, "hibiki guild setup waiting on members",
			"guild_id", payload.ID.String(),
			"loaded", join.Guild.LoadedMemberCount(),
			"declared", payload.MemberCount,
		)
		return dispatch.Applied, nil
	}

	if !join.Created && !join.WasUnavailable {
		// Duplicate delivery of an available guild.
		return dispatch.Applied, nil
	}

	return dispatch.Applied, h.publish(ctx, h.guildEvent(kind, record, join.Guild))
}

// requestMembers asks for the full member list of a large guild. It reports
// false when no request went out, in which case the guild is applied with the
// members it arrived with.
func (h *Handlers) requestMembers(ctx context.Context, guildID snowflake.ID) bool {
	if h.members == nil {
		h.logger.DebugContext(ctx, "hibiki guild applied without member request", "guild_id", guildID.String())
		return false
	}

	err := h.members.RequestMembers(ctx, guildID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrMembersUnavailable):
		h.logger.DebugContext(ctx, "hibiki guild applied without member request",
			"guild_id", guildID.String(),
			"error", err,
		)
	default:
		h.logger.WarnContext(ctx, "hibiki guild member request failed",
			"guild_id", guildID.String(),
			"error", err,
		)
	}

	return false
}

// staleGuild reports whether err only says the guild is gone. Records that
// lost the race against a guild removal are discarded.
func (h *Handlers) staleGuild(ctx context.Context, record dispatch.Record, guildID snowflake.ID, err error) bool {
	if !errors.Is(err, hibiki.ErrUnknownEntity) {
		return false
	}
	h.logger.DebugContext(ctx, "hibiki record for unknown guild discarded",
		"type", record.Type,
		"guild_id", guildID.String(),
	)

	return true
}

// handleMembersChunk never defers: chunks complete the setup lock that would
// otherwise hold them.
func (h *Handlers) handleMembersChunk(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[membersChunkPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild members chunk: %w", err)
	}

	kind, inSetup := h.setup[payload.GuildID]
	if !inSetup && h.locks.IsLocked(payload.GuildID) {
		return dispatch.Defer(payload.GuildID), nil
	}

	data := make([]cache.MemberData, 0, len(payload.Members))
	for _, member := range payload.Members {
		data = append(data, member.data())
	}

	guild, transitions, err := h.cache.AddMembers(payload.GuildID, data)
	if h.staleGuild(ctx, record, payload.GuildID, err) {
		return dispatch.Applied, nil
	}
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild members chunk: %w", err)
	}
	if !inSetup {
		return dispatch.Applied, h.publish(ctx, h.transitionEvents(record, payload.GuildID, transitions)...)
	}
	if !payload.last() && !guild.MembersComplete() {
		return dispatch.Applied, nil
	}

	delete(h.setup, payload.GuildID)
	h.locks.Unlock(payload.GuildID)
	h.logger.InfoContext(ctx, "hibiki guild setup complete",
		"guild_id", payload.GuildID.String(),
		"members", guild.LoadedMemberCount(),
	)

	events := []*hibiki.Event{h.guildEvent(kind, record, guild)}
	events = append(events, h.transitionEvents(record, payload.GuildID, transitions)...)

	return dispatch.Applied, h.publish(ctx, events...)
}

// handleGuildDelete handles both outages and permanent removal. Removal takes
// the guild lock for the duration of the cleanup so records arriving for the
// guild meanwhile replay against the final state.
func (h *Handlers) handleGuildDelete(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[guildPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild delete: %w", err)
	}

	_, inSetup := h.setup[payload.ID]
	if !inSetup {
		if outcome, wait := h.deferred(payload.ID); wait {
			return outcome, nil
		}
	}
	if payload.Unavailable {
		return h.markUnavailable(ctx, record, payload.ID)
	}

	h.locks.Lock(payload.ID)
	delete(h.setup, payload.ID)
	defer h.locks.Unlock(payload.ID)

	removal, err := h.cache.RemoveGuild(payload.ID)
	if errors.Is(err, hibiki.ErrUnknownEntity) {
		h.logger.DebugContext(ctx, "hibiki guild delete for unknown guild", "guild_id", payload.ID.String())
		return dispatch.Applied, nil
	}
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild delete: %w", err)
	}

	events := []*hibiki.Event{h.guildEvent(hibiki.EventKindGuildLeft, record, removal.Guild)}
	events = append(events, h.transitionEvents(record, payload.ID, removal.Transitions)...)

	return dispatch.Applied, h.publish(ctx, events...)
}

func (h *Handlers) markUnavailable(ctx context.Context, record dispatch.Record, guildID snowflake.ID) (dispatch.Outcome, error) {
	guild, err := h.cache.MarkGuildUnavailable(guildID)
	if errors.Is(err, hibiki.ErrUnknownEntity) {
		return dispatch.Applied, nil
	}
	if err != nil {
		return dispatch.Applied, fmt.Errorf("mark guild unavailable: %w", err)
	}

	return dispatch.Applied, h.publish(ctx, h.guildEvent(hibiki.EventKindGuildUnavailable, record, guild))
}

func (h *Handlers) handleMemberAdd(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[memberPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild member add: %w", err)
	}
	if outcome, wait := h.deferred(payload.GuildID); wait {
		return outcome, nil
	}

	member, transitions, err := h.cache.AddMember(payload.GuildID, payload.data())
	if h.staleGuild(ctx, record, payload.GuildID, err) {
		return dispatch.Applied, nil
	}
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild member add: %w", err)
	}
	if member == nil {
		return dispatch.Applied, fmt.Errorf("guild member add: missing user id: %w", hibiki.ErrInvalidEvent)
	}
	guild, _ := h.cache.Guild(payload.GuildID)

	event := h.guildEvent(hibiki.EventKindMemberJoined, record, guild)
	event.GuildID = payload.GuildID
	event.UserID = member.User.ID()
	event.User = member.User
	events := append([]*hibiki.Event{event}, h.transitionEvents(record, payload.GuildID, transitions)...)

	return dispatch.Applied, h.publish(ctx, events...)
}

func (h *Handlers) handleMemberRemove(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	payload, err := decodePayload[memberRemovePayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild member remove: %w", err)
	}
	if outcome, wait := h.deferred(payload.GuildID); wait {
		return outcome, nil
	}

	member, transitions, err := h.cache.RemoveMember(payload.GuildID, payload.User.ID)
	if h.staleGuild(ctx, record, payload.GuildID, err) {
		return dispatch.Applied, nil
	}
	if err != nil {
		return dispatch.Applied, fmt.Errorf("guild member remove: %w", err)
	}
	if member == nil {
		return dispatch.Applied, nil
	}
	guild, _ := h.cache.Guild(payload.GuildID)

	event := h.guildEvent(hibiki.EventKindMemberLeft, record, guild)
	event.GuildID = payload.GuildID
	event.UserID = member.User.ID()
	event.User = member.User
	events := append([]*hibiki.Event{event}, h.transitionEvents(record, payload.GuildID, transitions)...)

	return dispatch.Applied, h.publish(ctx, events...)
}

func (h *Handlers) guildEvent(kind hibiki.EventKind, record dispatch.Record, guild *hibiki.Guild) *hibiki.Event {
	event := h.newEvent(kind, record)
	if guild != nil {
		event.GuildID = guild.ID()
		event.Guild = guild
	}

	return event
}
