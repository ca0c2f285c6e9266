// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aiku/threadbridge/pkg/bridge"
)

// update is the subset of the bot API update object the bridge consumes.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID       int64 `json:"message_id"`
		MessageThreadID int64 `json:"message_thread_id"`
		From            *struct {
			ID    int64 `json:"id"`
			IsBot bool  `json:"is_bot"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text           string `json:"text"`
		Caption        string `json:"caption"`
		ReplyToMessage *struct {
			MessageID int64 `json:"message_id"`
		} `json:"reply_to_message"`
	} `json:"message"`
	MessageReaction *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		MessageID int64 `json:"message_id"`
		User      *struct {
			ID int64 `json:"id"`
		} `json:"user"`
		NewReaction []struct {
			Type  string `json:"type"`
			Emoji string `json:"emoji"`
		} `json:"new_reaction"`
	} `json:"message_reaction"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message *struct {
			MessageID       int64 `json:"message_id"`
			MessageThreadID int64 `json:"message_thread_id"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

// Run long-polls getUpdates and pumps bridge.TopicEvent values until the
// context is canceled. Poll errors back off instead of terminating the loop.
func (c *Client) Run(ctx context.Context) {
	defer close(c.events)
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := c.getUpdates(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.Err(err).Msg("Failed to poll updates, retrying")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= c.offset {
				c.offset = upd.UpdateID + 1
			}
			evt := c.translate(&upd)
			if evt == nil {
				continue
			}
			select {
			case c.events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) getUpdates(ctx context.Context) ([]update, error) {
	var updates []update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          c.offset,
		"timeout":         30,
		"allowed_updates": []string{"message", "message_reaction", "callback_query"},
	}, &updates)
	return updates, err
}

// translate converts a raw update into a topic event, dropping updates the
// bridge has no use for (bot echoes, other chats, service messages).
func (c *Client) translate(upd *update) *bridge.TopicEvent {
	switch {
	case upd.Message != nil:
		msg := upd.Message
		if msg.Chat.ID != c.spaceID || msg.From == nil || msg.From.IsBot {
			return nil
		}
		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		if text == "" {
			return nil
		}
		evt := &bridge.TopicEvent{
			TopicID:   msg.MessageThreadID,
			MessageID: strconv.FormatInt(msg.MessageID, 10),
			SenderID:  strconv.FormatInt(msg.From.ID, 10),
			Text:      text,
		}
		if msg.ReplyToMessage != nil {
			evt.ReplyToID = strconv.FormatInt(msg.ReplyToMessage.MessageID, 10)
		}
		return evt
	case upd.MessageReaction != nil:
		r := upd.MessageReaction
		if r.Chat.ID != c.spaceID || r.User == nil {
			return nil
		}
		// An empty new_reaction list is a removal, forwarded as an
		// empty emoji.
		emoji := ""
		if len(r.NewReaction) > 0 {
			emoji = r.NewReaction[0].Emoji
		}
		return &bridge.TopicEvent{
			MessageID: strconv.FormatInt(r.MessageID, 10),
			SenderID:  strconv.FormatInt(r.User.ID, 10),
			Reaction: &bridge.ReactionRef{
				TargetID: strconv.FormatInt(r.MessageID, 10),
				Emoji:    emoji,
			},
		}
	case upd.CallbackQuery != nil:
		q := upd.CallbackQuery
		evt := &bridge.TopicEvent{
			SenderID: strconv.FormatInt(q.From.ID, 10),
			Callback: &bridge.CallbackRef{
				ID:   q.ID,
				Data: q.Data,
			},
		}
		if q.Message != nil {
			evt.TopicID = q.Message.MessageThreadID
			evt.MessageID = strconv.FormatInt(q.Message.MessageID, 10)
		}
		return evt
	}
	return nil
}
