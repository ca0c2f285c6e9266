// Copyright 2024-2026 Aiku AI

// Package whatsapp implements the chat-platform boundary against an HTTP
// gateway that fronts a WhatsApp session: REST calls for outbound actions
// and a websocket stream for inbound events.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/threadbridge/pkg/bridge"
)

// Client talks to the gateway. It implements bridge.ChatClient.
type Client struct {
	log     zerolog.Logger
	http    *http.Client
	baseURL string
	apiKey  string
	session string

	events chan *bridge.ChatEvent
}

var _ bridge.ChatClient = (*Client)(nil)

// NewClient builds a gateway client from config. Call Run to start the
// websocket event loop.
func NewClient(cfg bridge.ChatGatewayConfig, log zerolog.Logger) *Client {
	return &Client{
		log:     log.With().Str("component", "whatsapp").Logger(),
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		session: cfg.Session,
		events:  make(chan *bridge.ChatEvent, 64),
	}
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/api/" + c.session + path
}

// do issues an authenticated JSON request and decodes the response body
// into out (when non-nil). Non-2xx statuses map onto the bridge error
// taxonomy so callers can retry or purge appropriately.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return bridge.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, bridge.ErrNotFound)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", method, path, bridge.ErrNotAuthorized)
	}
	if resp.StatusCode >= 500 {
		return bridge.Transient(method+" "+path, fmt.Errorf("gateway returned %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s failed: %s: %s", method, path, resp.Status, bytes.TrimSpace(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

type sendResponse struct {
	ID string `json:"id"`
}

// SendText sends a text message to a thread and returns the gateway-assigned
// message ID. A non-empty quotedID sends the text as a reply quoting that
// message.
func (c *Client) SendText(ctx context.Context, threadID, text, quotedID string) (string, error) {
	body := map[string]any{
		"chatId": threadID,
		"text":   text,
	}
	if quotedID != "" {
		body["reply_to"] = quotedID
	}
	var resp sendResponse
	err := c.do(ctx, http.MethodPost, "/sendText", body, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SendReaction reacts to a chat message. An empty emoji removes the reaction.
func (c *Client) SendReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return c.do(ctx, http.MethodPost, "/reaction", map[string]any{
		"chatId":    threadID,
		"messageId": messageID,
		"reaction":  emoji,
	}, nil)
}

// DownloadMedia fetches the bytes behind a media reference, preferring the
// direct URL the event carried and falling back to the media endpoint.
func (c *Client) DownloadMedia(ctx context.Context, ref *bridge.MediaRef) ([]byte, error) {
	target := ref.URL
	if target == "" {
		target = c.endpoint("/media/" + url.PathEscape(ref.ID))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, bridge.Transient("download media", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("media %s: %w", ref.ID, bridge.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, bridge.Transient("download media", fmt.Errorf("gateway returned %s", resp.Status))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bridge.Transient("download media", err)
	}
	return data, nil
}

// MarkRead marks messages in a thread as read.
func (c *Client) MarkRead(ctx context.Context, threadID string, messageIDs []string) error {
	return c.do(ctx, http.MethodPost, "/sendSeen", map[string]any{
		"chatId":     threadID,
		"messageIds": messageIDs,
	}, nil)
}

// SendPresence publishes a typing or paused presence update for a thread.
func (c *Client) SendPresence(ctx context.Context, threadID string, typing bool) error {
	presence := "paused"
	if typing {
		presence = "typing"
	}
	return c.do(ctx, http.MethodPost, "/presence", map[string]any{
		"chatId":   threadID,
		"presence": presence,
	}, nil)
}

// GroupMetadata fetches the subject and participant list of a group thread.
func (c *Client) GroupMetadata(ctx context.Context, threadID string) (*bridge.GroupInfo, error) {
	var resp struct {
		Subject      string `json:"subject"`
		Owner        string `json:"owner"`
		Participants []struct {
			ID string `json:"id"`
		} `json:"participants"`
	}
	err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(threadID), nil, &resp)
	if err != nil {
		return nil, err
	}
	info := &bridge.GroupInfo{
		Subject: resp.Subject,
		OwnerID: resp.Owner,
	}
	for _, p := range resp.Participants {
		info.Participants = append(info.Participants, p.ID)
	}
	return info, nil
}

// Contacts fetches the full contact list for the periodic identity sync.
func (c *Client) Contacts(ctx context.Context) ([]bridge.Contact, error) {
	var resp []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, "/contacts", nil, &resp); err != nil {
		return nil, err
	}
	contacts := make([]bridge.Contact, 0, len(resp))
	for _, entry := range resp {
		if entry.Name == "" {
			continue
		}
		contacts = append(contacts, bridge.Contact{
			Handle:      entry.ID,
			DisplayName: entry.Name,
		})
	}
	return contacts, nil
}

// Events returns the inbound chat event stream. Run must be started for
// events to flow.
func (c *Client) Events() <-chan *bridge.ChatEvent {
	return c.events
}
