// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"
)

// TopicClient is the destination platform boundary: a single community space
// with persistent sub-channels ("topics"), one per external thread. The
// engine never talks to the platform API directly; implementations live in
// their own package (pkg/telegram) or in test fakes.
type TopicClient interface {
	// CreateTopic creates a new topic and returns its numeric ID.
	CreateTopic(ctx context.Context, name string, icon string) (int64, error)
	// ProbeTopic verifies a topic still exists. Implementations typically
	// attempt-and-revert a trivial rename. A missing topic returns an
	// error matching ErrNotFound.
	ProbeTopic(ctx context.Context, topicID int64) error
	// SendText posts HTML-formatted text into a topic, optionally quoting
	// an earlier topic message, and returns the new message ID.
	SendText(ctx context.Context, topicID int64, html string, replyTo string) (string, error)
	// SendMedia posts a media payload into a topic.
	SendMedia(ctx context.Context, topicID int64, media *OutgoingMedia) (string, error)
	// React attaches an emoji reaction to a topic message.
	React(ctx context.Context, messageID string, emoji string) error
	// Pin pins a topic message.
	Pin(ctx context.Context, messageID string) error
	// DeleteMessage removes a previously relayed topic message (chat-side
	// revocation support).
	DeleteMessage(ctx context.Context, messageID string) error
	// AnswerCallback acknowledges an interactive callback with a short
	// notice shown to the pressing user.
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	// Events returns the stream of inbound topic-side events.
	Events() <-chan *TopicEvent
}

// MediaKind distinguishes outgoing media payloads so the topic client can
// pick the native send operation.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaVideoNote MediaKind = "video_note"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaDocument  MediaKind = "document"
	MediaSticker   MediaKind = "sticker"
)

// OutgoingMedia is a fully materialized media payload ready to send.
type OutgoingMedia struct {
	Kind     MediaKind
	Data     []byte
	FileName string
	MimeType string
	// Caption is HTML-formatted, already prefixed with the sender name
	// where required.
	Caption string
	// ReplyTo is the topic-side message ID being quoted, if any.
	ReplyTo string
}

// ChatClient is the source platform boundary: the external chat network,
// reached through a gateway. Implementations live in pkg/whatsapp or in test
// fakes.
type ChatClient interface {
	// SendText sends plain/markdown text to a thread, optionally quoting
	// an earlier chat message, and returns the new message ID.
	SendText(ctx context.Context, threadID string, text string, quotedID string) (string, error)
	// SendReaction reacts to a chat message.
	SendReaction(ctx context.Context, threadID, messageID, emoji string) error
	// DownloadMedia fetches the bytes behind a media reference.
	DownloadMedia(ctx context.Context, ref *MediaRef) ([]byte, error)
	// MarkRead marks messages in a thread as read.
	MarkRead(ctx context.Context, threadID string, messageIDs []string) error
	// SendPresence publishes a typing/paused presence update for a thread.
	SendPresence(ctx context.Context, threadID string, typing bool) error
	// GroupMetadata fetches the subject and participant list of a group
	// thread.
	GroupMetadata(ctx context.Context, threadID string) (*GroupInfo, error)
	// Contacts fetches the full contact list for the periodic identity sync.
	Contacts(ctx context.Context) ([]Contact, error)
	// Events returns the stream of inbound chat-side events: messages,
	// membership changes, contact changes and calls.
	Events() <-chan *ChatEvent
}

// EventKind discriminates chat-side events before message routing.
type EventKind string

const (
	EventMessage       EventKind = "message"
	EventMembership    EventKind = "membership"
	EventContactChange EventKind = "contact"
	EventCall          EventKind = "call"
)

// ChatEvent is one unit of input from the chat platform. Exactly one of the
// payload pointers matching Kind is set.
type ChatEvent struct {
	Kind       EventKind
	Message    *MessageEvent
	Membership *MembershipEvent
	Contact    *Contact
	Call       *CallEvent
}

// MessageEvent carries a single inbound chat message. Content classification
// is structural: the router inspects which payload field is populated.
type MessageEvent struct {
	ID           string
	ThreadID     string
	SenderID     string
	SenderName   string
	SenderHandle string
	ThreadName   string
	IsGroup      bool
	FromMe       bool
	Timestamp    time.Time

	Text      string
	Image     *MediaRef
	Video     *MediaRef
	VideoNote *MediaRef
	Audio     *MediaRef
	Document  *MediaRef
	Sticker   *MediaRef
	Location  *Location
	Card      *ContactCard
	Reaction  *ReactionRef
	Revoke    *RevokeRef

	// QuotedID is the chat-side ID of the message being replied to.
	QuotedID string
	// Ephemeral, when set, records a disappearing-messages toggle for the
	// thread instead of relayable content.
	Ephemeral *EphemeralSetting
}

// MediaRef points at downloadable media on the chat platform.
type MediaRef struct {
	ID       string
	URL      string
	MimeType string
	FileName string
	Size     int64
	Caption  string
	// Animated marks sticker payloads that need a still-image fallback.
	Animated bool
	// Voice marks audio recorded as a voice note.
	Voice bool
}

// Location is a shared geographic point.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
}

// ContactCard is a shared contact (vCard-style).
type ContactCard struct {
	DisplayName string
	Handle      string
	VCard       string
}

// ReactionRef references a reaction to an earlier message. An empty Emoji
// means the reaction was removed.
type ReactionRef struct {
	TargetID string
	Emoji    string
}

// RevokeRef references a message the sender deleted for everyone.
type RevokeRef struct {
	TargetID string
}

// MembershipEvent reports a group participant change.
type MembershipEvent struct {
	ThreadID string
	Joined   []string
	Left     []string
	Subject  string
}

// CallEvent reports an incoming call on the chat platform.
type CallEvent struct {
	CallID     string
	ThreadID   string
	CallerID   string
	CallerName string
	Video      bool
	Timestamp  time.Time
}

// Contact is one entry from the chat platform's contact book.
type Contact struct {
	Handle      string
	DisplayName string
}

// GroupInfo is the metadata of a group thread.
type GroupInfo struct {
	Subject      string
	Participants []string
	OwnerID      string
}

// TopicEvent is one unit of input from the topic platform: a message typed
// inside a bridged topic, or an interactive callback press.
type TopicEvent struct {
	TopicID   int64
	MessageID string
	SenderID  string
	Text      string
	// ReplyToID is the topic-side message being replied to, if any.
	ReplyToID string
	// Reaction, when set, is a reaction on an earlier topic message
	// rather than a new message. An empty Emoji means removal.
	Reaction *ReactionRef
	// Delete marks the event as a deletion of MessageID.
	Delete bool
	// Callback, when set, is an interactive callback press.
	Callback *CallbackRef
}

// CallbackRef identifies an interactive callback press.
type CallbackRef struct {
	ID   string
	Data string
}
