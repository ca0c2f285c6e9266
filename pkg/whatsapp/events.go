// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiku/threadbridge/pkg/bridge"
)

// wireEvent is the envelope the gateway pushes over the websocket.
type wireEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// wireMessage is the gateway's message payload. Type selects which optional
// field carries the content.
type wireMessage struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	From      string `json:"from"`
	FromMe    bool   `json:"fromMe"`
	PushName  string `json:"pushName"`
	Timestamp int64  `json:"timestamp"`
	IsGroup   bool   `json:"isGroup"`
	Subject   string `json:"subject"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	QuotedID  string `json:"quotedId"`

	Media *struct {
		ID       string `json:"id"`
		URL      string `json:"url"`
		MimeType string `json:"mimetype"`
		FileName string `json:"filename"`
		Size     int64  `json:"size"`
		Caption  string `json:"caption"`
		Animated bool   `json:"animated"`
		Voice    bool   `json:"voice"`
	} `json:"media"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	VCard *struct {
		DisplayName string `json:"displayName"`
		ContactID   string `json:"contactId"`
		VCard       string `json:"vcard"`
	} `json:"vcard"`
	Reaction *struct {
		MessageID string `json:"messageId"`
		Text      string `json:"text"`
	} `json:"reaction"`
	RevokedID string `json:"revokedId"`
	Ephemeral *struct {
		Enabled bool `json:"enabled"`
		Timer   int  `json:"timer"`
	} `json:"ephemeral"`
}

type wireMembership struct {
	ChatID  string   `json:"chatId"`
	Joined  []string `json:"joined"`
	Left    []string `json:"left"`
	Subject string   `json:"subject"`
}

type wireContact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireCall struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	From      string `json:"from"`
	PushName  string `json:"pushName"`
	Video     bool   `json:"isVideo"`
	Timestamp int64  `json:"timestamp"`
}

// wsURL rewrites the REST base URL into the websocket endpoint.
func (c *Client) wsURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?session=" + c.session
}

// Run connects the websocket and pumps bridge.ChatEvent values until the
// context is canceled, reconnecting with backoff after stream errors.
func (c *Client) Run(ctx context.Context) {
	defer close(c.events)
	backoff := 500 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		backoff = nextBackoff(backoff, time.Since(start))
		c.log.Err(err).Dur("backoff", backoff).Msg("Event stream closed, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// nextBackoff doubles the reconnect delay up to a cap. A session that held
// for a while means the flaky period is over, so the ramp starts from the
// bottom again.
func nextBackoff(cur, sessionLen time.Duration) time.Duration {
	if sessionLen > time.Minute {
		return time.Second
	}
	next := cur * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

// stream runs a single websocket session until it fails.
func (c *Client) stream(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Api-Key", c.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), header)
	if err != nil {
		return fmt.Errorf("failed to connect event stream: %w", err)
	}
	defer conn.Close()
	c.log.Debug().Msg("Event stream connected")

	// Close the socket when the context dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope wireEvent
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode event envelope")
			continue
		}
		evt, err := c.translate(&envelope)
		if err != nil {
			c.log.Warn().Err(err).Str("event", envelope.Event).Msg("Failed to decode event payload")
			continue
		}
		if evt == nil {
			continue
		}
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// translate converts one gateway envelope into a chat event. Unknown event
// names are dropped.
func (c *Client) translate(envelope *wireEvent) (*bridge.ChatEvent, error) {
	switch envelope.Event {
	case "message":
		var msg wireMessage
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return nil, err
		}
		return &bridge.ChatEvent{Kind: bridge.EventMessage, Message: translateMessage(&msg)}, nil
	case "group.participants":
		var m wireMembership
		if err := json.Unmarshal(envelope.Payload, &m); err != nil {
			return nil, err
		}
		return &bridge.ChatEvent{Kind: bridge.EventMembership, Membership: &bridge.MembershipEvent{
			ThreadID: m.ChatID,
			Joined:   m.Joined,
			Left:     m.Left,
			Subject:  m.Subject,
		}}, nil
	case "contact.changed":
		var ct wireContact
		if err := json.Unmarshal(envelope.Payload, &ct); err != nil {
			return nil, err
		}
		return &bridge.ChatEvent{Kind: bridge.EventContactChange, Contact: &bridge.Contact{
			Handle:      ct.ID,
			DisplayName: ct.Name,
		}}, nil
	case "call":
		var call wireCall
		if err := json.Unmarshal(envelope.Payload, &call); err != nil {
			return nil, err
		}
		return &bridge.ChatEvent{Kind: bridge.EventCall, Call: &bridge.CallEvent{
			CallID:     call.ID,
			ThreadID:   call.ChatID,
			CallerID:   call.From,
			CallerName: call.PushName,
			Video:      call.Video,
			Timestamp:  time.Unix(call.Timestamp, 0),
		}}, nil
	}
	return nil, nil
}

// translateMessage maps the gateway message onto the structural content
// variants the router classifies on.
func translateMessage(msg *wireMessage) *bridge.MessageEvent {
	evt := &bridge.MessageEvent{
		ID:           msg.ID,
		ThreadID:     msg.ChatID,
		SenderID:     msg.From,
		SenderName:   msg.PushName,
		SenderHandle: msg.From,
		ThreadName:   msg.Subject,
		IsGroup:      msg.IsGroup,
		FromMe:       msg.FromMe,
		Timestamp:    time.Unix(msg.Timestamp, 0),
		QuotedID:     msg.QuotedID,
	}

	var media *bridge.MediaRef
	if msg.Media != nil {
		media = &bridge.MediaRef{
			ID:       msg.Media.ID,
			URL:      msg.Media.URL,
			MimeType: msg.Media.MimeType,
			FileName: msg.Media.FileName,
			Size:     msg.Media.Size,
			Caption:  msg.Media.Caption,
			Animated: msg.Media.Animated,
			Voice:    msg.Media.Voice,
		}
	}

	switch msg.Type {
	case "text", "":
		evt.Text = msg.Body
	case "image":
		evt.Image = media
	case "video":
		evt.Video = media
	case "video_note", "ptv":
		evt.VideoNote = media
	case "audio", "ptt":
		evt.Audio = media
		if media != nil && msg.Type == "ptt" {
			media.Voice = true
		}
	case "document":
		evt.Document = media
	case "sticker":
		evt.Sticker = media
	case "location":
		if msg.Location != nil {
			evt.Location = &bridge.Location{
				Latitude:  msg.Location.Latitude,
				Longitude: msg.Location.Longitude,
				Name:      msg.Location.Name,
				Address:   msg.Location.Address,
			}
		}
	case "vcard":
		if msg.VCard != nil {
			evt.Card = &bridge.ContactCard{
				DisplayName: msg.VCard.DisplayName,
				Handle:      msg.VCard.ContactID,
				VCard:       msg.VCard.VCard,
			}
		}
	case "reaction":
		if msg.Reaction != nil {
			evt.Reaction = &bridge.ReactionRef{
				TargetID: msg.Reaction.MessageID,
				Emoji:    msg.Reaction.Text,
			}
		}
	case "revoke":
		evt.Revoke = &bridge.RevokeRef{TargetID: msg.RevokedID}
	}

	if msg.Ephemeral != nil {
		evt.Ephemeral = &bridge.EphemeralSetting{
			ThreadID:     msg.ChatID,
			Enabled:      msg.Ephemeral.Enabled,
			TimerSeconds: msg.Ephemeral.Timer,
		}
	}
	return evt
}
