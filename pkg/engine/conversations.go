package engine

import (
	"context"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// RefreshConversations refetches the conversation list and upserts every
// record. Records older than what the store holds are ignored, so a slow
// refresh cannot roll back newer push state. trigger labels the refresh in
// logs and metrics.
func (e *Engine) RefreshConversations(ctx context.Context, trigger string) (int, error) {
	const op chaterr.Op = "engine.RefreshConversations"
	list, err := e.backend.ListAllConversations(ctx, e.opts.ListPages)
	if err != nil {
		logger.Warn("conversations_refresh_failed", "trigger", trigger, "error", err)
		return 0, chaterr.E(op, err)
	}
	e.metrics.Resync(trigger)
	var applied int
	err = e.do(ctx, "refresh_conversations", func() error {
		for _, c := range list {
			if e.conversations.Upsert(c) {
				applied++
			}
		}
		e.metrics.SetConversations(e.conversations.Len())
		return nil
	})
	logger.Info("conversations_refreshed", "trigger", trigger, "received", len(list), "applied", applied)
	return applied, err
}

// FetchConversation loads one conversation into the store, typically
// before opening one the list did not include.
func (e *Engine) FetchConversation(ctx context.Context, id string) error {
	c, err := e.backend.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	return e.UpsertConversation(ctx, c)
}

// UpsertConversation stores c unless a newer record is already held.
func (e *Engine) UpsertConversation(ctx context.Context, c models.Conversation) error {
	return e.do(ctx, "upsert_conversation", func() error {
		if c.ID == "" {
			return chaterr.Invalid("engine.UpsertConversation", "conversation has no id")
		}
		e.conversations.Upsert(c)
		e.metrics.SetConversations(e.conversations.Len())
		return nil
	})
}

// AddParticipant adds a member through the server and stores the result.
func (e *Engine) AddParticipant(ctx context.Context, conversationID string, id models.Identity) error {
	const op chaterr.Op = "engine.AddParticipant"
	if id.IsZero() {
		return chaterr.Invalid(op, "participant identity is empty")
	}
	c, err := e.backend.AddParticipant(ctx, conversationID, id)
	if err != nil {
		logger.Warn("add_participant_failed", "conversation", conversationID, "participant", id.String(), "error", err)
		return err
	}
	return e.do(ctx, "add_participant", func() error {
		if c.ID == conversationID && e.conversations.Upsert(c) {
			return nil
		}
		// the response may not carry a newer timestamp
		e.conversations.AddParticipant(conversationID, models.Participant{Identity: id})
		return nil
	})
}

// Conversation returns the stored conversation with presence applied.
func (e *Engine) Conversation(id string) (models.ConversationView, bool) {
	return e.conversations.View(id)
}
