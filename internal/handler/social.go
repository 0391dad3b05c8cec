package handler

import (
	"context"
	"fmt"

	"ex-hibiki/internal/dispatch"
	"ex-hibiki/pkg/hibiki"
)

// socialGraph reports whether the session tracks relationships and groups,
// logging the skipped record when it does not.
func (h *Handlers) socialGraph(ctx context.Context, record dispatch.Record) bool {
	if h.cache.AccountType().HasSocialGraph() {
		return true
	}
	h.logger.DebugContext(ctx, "hibiki social record ignored for bot session", "type", record.Type)

	return false
}

func (h *Handlers) handleRelationshipAdd(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	if !h.socialGraph(ctx, record) {
		return dispatch.Applied, nil
	}
	payload, err := decodePayload[relationshipPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("relationship add: %w", err)
	}

	relationship, transitions, err := h.cache.PutRelationship(payload.userData(), hibiki.RelationshipType(payload.Type))
	if err != nil {
		return dispatch.Applied, fmt.Errorf("relationship add: %w", err)
	}

	event := h.newEvent(hibiki.EventKindRelationshipAdded, record)
	event.UserID = relationship.ID()
	event.User = relationship.User()
	event.Relationship = relationship
	events := append([]*hibiki.Event{event}, h.transitionEvents(record, 0, transitions)...)

	return dispatch.Applied, h.publish(ctx, events...)
}

func (h *Handlers) handleRelationshipRemove(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	if !h.socialGraph(ctx, record) {
		return dispatch.Applied, nil
	}
	payload, err := decodePayload[relationshipPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("relationship remove: %w", err)
	}

	relationship, transitions, err := h.cache.RemoveRelationship(payload.userData().ID)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("relationship remove: %w", err)
	}
	if relationship == nil {
		return dispatch.Applied, nil
	}

	event := h.newEvent(hibiki.EventKindRelationshipRemoved, record)
	event.UserID = relationship.ID()
	event.User = relationship.User()
	event.Relationship = relationship
	events := append([]*hibiki.Event{event}, h.transitionEvents(record, 0, transitions)...)

	return dispatch.Applied, h.publish(ctx, events...)
}

func (h *Handlers) handleRecipientAdd(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	if !h.socialGraph(ctx, record) {
		return dispatch.Applied, nil
	}
	payload, err := decodePayload[recipientPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("channel recipient add: %w", err)
	}

	group, user, transitions, err := h.cache.AddGroupMember(payload.ChannelID, payload.User.data())
	if err != nil {
		return dispatch.Applied, fmt.Errorf("channel recipient add: %w", err)
	}

	events := append([]*hibiki.Event{h.groupEvent(hibiki.EventKindGroupMemberAdded, record, group, user)},
		h.transitionEvents(record, 0, transitions)...)

	return dispatch.Applied, h.publish(ctx, events...)
}

func (h *Handlers) handleRecipientRemove(ctx context.Context, record dispatch.Record) (dispatch.Outcome, error) {
	if !h.socialGraph(ctx, record) {
		return dispatch.Applied, nil
	}
	payload, err := decodePayload[recipientPayload](record.Payload)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("channel recipient remove: %w", err)
	}

	group, user, transitions, err := h.cache.RemoveGroupMember(payload.ChannelID, payload.User.ID)
	if err != nil {
		return dispatch.Applied, fmt.Errorf("channel recipient remove: %w", err)
	}
	if user == nil {
		return dispatch.Applied, nil
	}

	events := append([]*hibiki.Event{h.groupEvent(hibiki.EventKindGroupMemberRemoved, record, group, user)},
		h.transitionEvents(record, 0, transitions)...)

	return dispatch.Applied, h.publish(ctx, events...)
}

func (h *Handlers) groupEvent(kind hibiki.EventKind, record dispatch.Record, group *hibiki.Group, user *hibiki.User) *hibiki.Event {
	event := h.newEvent(kind, record)
	event.ChannelID = group.ID()
	event.Group = group
	event.UserID = user.ID()
	event.User = user

	return event
}
