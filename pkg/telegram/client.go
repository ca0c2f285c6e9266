// Copyright 2024-2026 Aiku AI

// Package telegram implements the topic-platform boundary against a
// Telegram-style bot API: one forum supergroup holds a topic per bridged
// thread. Only the operations the engine consumes are covered.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/threadbridge/pkg/bridge"
)

// Client talks to the bot API. It implements bridge.TopicClient.
type Client struct {
	log     zerolog.Logger
	http    *http.Client
	baseURL string
	token   string
	spaceID int64

	events chan *bridge.TopicEvent
	offset int64
}

var _ bridge.TopicClient = (*Client)(nil)

// NewClient builds a bot API client from config. Call Run to start the
// update long-poll loop.
func NewClient(cfg bridge.TopicAPIConfig, log zerolog.Logger) *Client {
	return &Client{
		log:     log.With().Str("component", "telegram").Logger(),
		http:    &http.Client{Timeout: 65 * time.Second},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.BotToken,
		spaceID: cfg.SpaceID,
		events:  make(chan *bridge.TopicEvent, 64),
	}
}

// apiResponse is the bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call POSTs a JSON method call and decodes the result envelope.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()
	return c.decode(method, resp, result)
}

// decode unpacks the envelope, mapping "not found" failures onto
// bridge.ErrNotFound so the lifecycle manager can purge stale mappings.
func (c *Client) decode(method string, resp *http.Response, result any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !envelope.OK {
		desc := strings.ToLower(envelope.Description)
		if strings.Contains(desc, "not found") || strings.Contains(desc, "thread not found") {
			return fmt.Errorf("%s: %s: %w", method, envelope.Description, bridge.ErrNotFound)
		}
		return fmt.Errorf("%s failed: %s (code %d)", method, envelope.Description, envelope.ErrorCode)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// CreateTopic creates a forum topic and returns its thread ID.
func (c *Client) CreateTopic(ctx context.Context, name, icon string) (int64, error) {
	params := map[string]any{
		"chat_id": c.spaceID,
		"name":    name,
	}
	if icon != "" {
		params["icon_custom_emoji_id"] = icon
	}
	var result struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := c.call(ctx, "createForumTopic", params, &result); err != nil {
		return 0, err
	}
	return result.MessageThreadID, nil
}

// ProbeTopic checks topic existence by issuing a trivial action scoped to
// the thread. A deleted topic surfaces as bridge.ErrNotFound.
func (c *Client) ProbeTopic(ctx context.Context, topicID int64) error {
	return c.call(ctx, "sendChatAction", map[string]any{
		"chat_id":           c.spaceID,
		"message_thread_id": topicID,
		"action":            "typing",
	}, nil)
}

// SendText posts an HTML message into a topic.
func (c *Client) SendText(ctx context.Context, topicID int64, html, replyTo string) (string, error) {
	params := map[string]any{
		"chat_id":           c.spaceID,
		"message_thread_id": topicID,
		"text":              html,
		"parse_mode":        "HTML",
	}
	if replyTo != "" {
		if id, err := strconv.ParseInt(replyTo, 10, 64); err == nil {
			params["reply_to_message_id"] = id
		}
	}
	var result sentMessage
	if err := c.call(ctx, "sendMessage", params, &result); err != nil {
		return "", err
	}
	return strconv.FormatInt(result.MessageID, 10), nil
}

// mediaMethod maps an outgoing media kind onto the bot API method and its
// file field name.
func mediaMethod(kind bridge.MediaKind) (method, field string) {
	switch kind {
	case bridge.MediaPhoto:
		return "sendPhoto", "photo"
	case bridge.MediaVideo:
		return "sendVideo", "video"
	case bridge.MediaVideoNote:
		return "sendVideoNote", "video_note"
	case bridge.MediaAudio:
		return "sendAudio", "audio"
	case bridge.MediaVoice:
		return "sendVoice", "voice"
	case bridge.MediaSticker:
		return "sendSticker", "sticker"
	default:
		return "sendDocument", "document"
	}
}

// SendMedia uploads and posts a media payload into a topic.
func (c *Client) SendMedia(ctx context.Context, topicID int64, media *bridge.OutgoingMedia) (string, error) {
	method, field := mediaMethod(media.Kind)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", strconv.FormatInt(c.spaceID, 10))
	_ = w.WriteField("message_thread_id", strconv.FormatInt(topicID, 10))
	if media.Caption != "" {
		_ = w.WriteField("caption", media.Caption)
		_ = w.WriteField("parse_mode", "HTML")
	}
	if media.ReplyTo != "" {
		_ = w.WriteField("reply_to_message_id", media.ReplyTo)
	}
	name := media.FileName
	if name == "" {
		name = "file"
	}
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(media.Data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()
	var result sentMessage
	if err := c.decode(method, resp, &result); err != nil {
		return "", err
	}
	return strconv.FormatInt(result.MessageID, 10), nil
}

// React sets an emoji reaction on a message.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	reaction := []map[string]string{}
	if emoji != "" {
		reaction = append(reaction, map[string]string{"type": "emoji", "emoji": emoji})
	}
	return c.call(ctx, "setMessageReaction", map[string]any{
		"chat_id":    c.spaceID,
		"message_id": id,
		"reaction":   reaction,
	}, nil)
}

// Pin pins a message in the space.
func (c *Client) Pin(ctx context.Context, messageID string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	return c.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              c.spaceID,
		"message_id":           id,
		"disable_notification": true,
	}, nil)
}

// DeleteMessage removes a message from the space.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	return c.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    c.spaceID,
		"message_id": id,
	}, nil)
}

// AnswerCallback acknowledges an interactive callback press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}

// Events returns the inbound topic event stream. Run must be started for
// events to flow.
func (c *Client) Events() <-chan *bridge.TopicEvent {
	return c.events
}
