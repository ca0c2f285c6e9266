// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/threadbridge/pkg/bridge/chatfmt"
)

// Variant is the closed set of content variants an inbound message is
// classified into. Classification is structural and first match wins.
type Variant int

const (
	VariantText Variant = iota
	VariantImage
	VariantVideo
	VariantVideoNote
	VariantAudio
	VariantDocument
	VariantSticker
	VariantLocation
	VariantContact
	VariantReaction
	VariantRevoke
	VariantNone
)

var variantNames = map[Variant]string{
	VariantText:      "text",
	VariantImage:     "image",
	VariantVideo:     "video",
	VariantVideoNote: "video_note",
	VariantAudio:     "audio",
	VariantDocument:  "document",
	VariantSticker:   "sticker",
	VariantLocation:  "location",
	VariantContact:   "contact",
	VariantReaction:  "reaction",
	VariantRevoke:    "revoke",
	VariantNone:      "none",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return "unknown"
}

// Classify inspects which payload field of msg is populated and returns the
// first matching variant. Exactly one variant is selected per message.
func Classify(msg *MessageEvent) Variant {
	switch {
	case msg.Text != "":
		return VariantText
	case msg.Image != nil:
		return VariantImage
	case msg.Video != nil:
		return VariantVideo
	case msg.VideoNote != nil:
		return VariantVideoNote
	case msg.Audio != nil:
		return VariantAudio
	case msg.Document != nil:
		return VariantDocument
	case msg.Sticker != nil:
		return VariantSticker
	case msg.Location != nil:
		return VariantLocation
	case msg.Card != nil:
		return VariantContact
	case msg.Reaction != nil:
		return VariantReaction
	case msg.Revoke != nil:
		return VariantRevoke
	default:
		return VariantNone
	}
}

// Adapter relays one content variant. The three stages have a uniform shape:
// Download fetches source bytes (nil for text-like variants), Transform
// optionally converts the payload, and Send posts it and returns the
// topic-side message ID.
type Adapter struct {
	Download  func(ctx context.Context, msg *MessageEvent) (*MediaRef, []byte, error)
	Transform func(ctx context.Context, ref *MediaRef, data []byte) (*MediaRef, []byte, error)
	Send      func(ctx context.Context, topicID int64, ref *MediaRef, data []byte, msg *MessageEvent) (string, error)
}

// Mention tokens triggering the participant broadcast sub-flow.
var mentionTokens = []string{"@all", "@everyone"}

// HasMentionToken reports whether text carries a mention-broadcast token.
func HasMentionToken(text string) bool {
	lower := strings.ToLower(text)
	for _, token := range mentionTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// Router classifies inbound messages and dispatches them to the matching
// variant adapter. A failure in one adapter is caught and logged per event;
// it never aborts the consumer loop.
type Router struct {
	log        zerolog.Logger
	chat       ChatClient
	topic      TopicClient
	store      *Store
	crossref   *CrossRef
	transcoder Transcoder

	adapters map[Variant]*Adapter

	// participants caches group member handles, refreshed on
	// group-membership-change events.
	participants *exsync.Map[string, []string]
}

// NewRouter wires the dispatcher.
func NewRouter(chat ChatClient, topic TopicClient, store *Store, crossref *CrossRef, transcoder Transcoder, log zerolog.Logger) *Router {
	r := &Router{
		log:          log.With().Str("component", "router").Logger(),
		chat:         chat,
		topic:        topic,
		store:        store,
		crossref:     crossref,
		transcoder:   transcoder,
		participants: exsync.NewMap[string, []string](),
	}
	r.adapters = map[Variant]*Adapter{
		VariantText:      r.textAdapter(),
		VariantImage:     r.mediaAdapter(func(m *MessageEvent) *MediaRef { return m.Image }, MediaPhoto),
		VariantVideo:     r.mediaAdapter(func(m *MessageEvent) *MediaRef { return m.Video }, MediaVideo),
		VariantVideoNote: r.mediaAdapter(func(m *MessageEvent) *MediaRef { return m.VideoNote }, MediaVideoNote),
		VariantAudio:     r.audioAdapter(),
		VariantDocument:  r.mediaAdapter(func(m *MessageEvent) *MediaRef { return m.Document }, MediaDocument),
		VariantSticker:   r.stickerAdapter(),
		VariantLocation:  r.locationAdapter(),
		VariantContact:   r.contactAdapter(),
		VariantReaction:  r.reactionAdapter(),
		VariantRevoke:    r.revokeAdapter(),
	}
	return r
}

// Route classifies msg and runs the matching adapter against topicID. The
// returned topic-side message ID is empty for variants that do not produce a
// new message (reactions, revokes).
func (r *Router) Route(ctx context.Context, topicID int64, msg *MessageEvent) (remoteID string, variant Variant, err error) {
	variant = Classify(msg)
	adapter, ok := r.adapters[variant]
	if !ok {
		return "", variant, fmt.Errorf("no adapter for variant %s", variant)
	}

	var ref *MediaRef
	var data []byte
	if adapter.Download != nil {
		ref, data, err = adapter.Download(ctx, msg)
		if err != nil {
			return "", variant, Transient("download media", err)
		}
	}
	if adapter.Transform != nil && data != nil {
		newRef, newData, terr := adapter.Transform(ctx, ref, data)
		var convErr *ConversionError
		switch {
		case terr == nil:
			ref, data = newRef, newData
		case errors.As(terr, &convErr):
			// Conversion failures degrade to the raw payload sent
			// as a generic document rather than failing the relay.
			r.log.Warn().Err(terr).
				Str("message_id", msg.ID).
				Str("variant", variant.String()).
				Msg("Transform failed, falling back to document")
			return r.sendFallbackDocument(ctx, topicID, ref, data, msg, variant)
		default:
			return "", variant, terr
		}
	}

	remoteID, err = adapter.Send(ctx, topicID, ref, data, msg)
	return remoteID, variant, err
}

// senderPrefix resolves the display name prepended to group-thread text and
// captions for messages not sent by the bridge owner.
func (r *Router) senderPrefix(msg *MessageEvent) string {
	if !msg.IsGroup || msg.FromMe {
		return ""
	}
	name := ""
	if u := r.store.GetUser(msg.SenderID); u != nil && u.DisplayName != "" {
		name = u.DisplayName
	}
	if name == "" {
		if c := r.store.GetContact(msg.SenderHandle); c != nil && c.DisplayName != "" {
			name = c.DisplayName
		}
	}
	if name == "" {
		name = msg.SenderName
	}
	if name == "" {
		name = msg.SenderHandle
	}
	if name == "" {
		return ""
	}
	return fmt.Sprintf("<b>%s:</b>\n", html.EscapeString(name))
}

// replyTarget resolves the topic-side message a chat reply quotes.
func (r *Router) replyTarget(msg *MessageEvent) string {
	if msg.QuotedID == "" {
		return ""
	}
	target, ok := r.crossref.Resolve(msg.QuotedID)
	if !ok {
		return ""
	}
	return target
}

func (r *Router) textAdapter() *Adapter {
	return &Adapter{
		Send: func(ctx context.Context, topicID int64, _ *MediaRef, _ []byte, msg *MessageEvent) (string, error) {
			text := r.senderPrefix(msg) + chatfmt.ToHTML(msg.Text)
			return r.topic.SendText(ctx, topicID, text, r.replyTarget(msg))
		},
	}
}

// mediaAdapter covers the straightforward media variants: download, no
// transform, native send with a formatted caption.
func (r *Router) mediaAdapter(pick func(*MessageEvent) *MediaRef, kind MediaKind) *Adapter {
	return &Adapter{
		Download: func(ctx context.Context, msg *MessageEvent) (*MediaRef, []byte, error) {
			ref := pick(msg)
			data, err := r.chat.DownloadMedia(ctx, ref)
			return ref, data, err
		},
		Send: func(ctx context.Context, topicID int64, ref *MediaRef, data []byte, msg *MessageEvent) (string, error) {
			return r.topic.SendMedia(ctx, topicID, &OutgoingMedia{
				Kind:     kind,
				Data:     data,
				FileName: ref.FileName,
				MimeType: ref.MimeType,
				Caption:  r.mediaCaption(ref, msg),
				ReplyTo:  r.replyTarget(msg),
			})
		},
	}
}

func (r *Router) audioAdapter() *Adapter {
	a := r.mediaAdapter(func(m *MessageEvent) *MediaRef { return m.Audio }, MediaAudio)
	a.Send = func(ctx context.Context, topicID int64, ref *MediaRef, data []byte, msg *MessageEvent) (string, error) {
		kind := MediaAudio
		if ref.Voice {
			kind = MediaVoice
		}
		return r.topic.SendMedia(ctx, topicID, &OutgoingMedia{
			Kind:     kind,
			Data:     data,
			FileName: ref.FileName,
			MimeType: ref.MimeType,
			Caption:  r.mediaCaption(ref, msg),
			ReplyTo:  r.replyTarget(msg),
		})
	}
	return a
}

// stickerAdapter sends static stickers natively and converts animated ones
// to a still image first.
func (r *Router) stickerAdapter() *Adapter {
	return &Adapter{
		Download: func(ctx context.Context, msg *MessageEvent) (*MediaRef, []byte, error) {
			data, err := r.chat.DownloadMedia(ctx, msg.Sticker)
			return msg.Sticker, data, err
		},
		Transform: func(ctx context.Context, ref *MediaRef, data []byte) (*MediaRef, []byte, error) {
			if !ref.Animated {
				return ref, data, nil
			}
			converted, err := r.transcoder.Convert(ctx, data, ref.MimeType, "image/png")
			if err != nil {
				return ref, data, err
			}
			still := *ref
			still.MimeType = "image/png"
			still.FileName = strings.TrimSuffix(ref.FileName, ".webp") + ".png"
			return &still, converted, nil
		},
		Send: func(ctx context.Context, topicID int64, ref *MediaRef, data []byte, msg *MessageEvent) (string, error) {
			kind := MediaSticker
			if ref.MimeType == "image/png" {
				kind = MediaPhoto
			}
			return r.topic.SendMedia(ctx, topicID, &OutgoingMedia{
				Kind:     kind,
				Data:     data,
				FileName: ref.FileName,
				MimeType: ref.MimeType,
				Caption:  r.senderPrefix(msg),
				ReplyTo:  r.replyTarget(msg),
			})
		},
	}
}

func (r *Router) locationAdapter() *Adapter {
	return &Adapter{
		Send: func(ctx context.Context, topicID int64, _ *MediaRef, _ []byte, msg *MessageEvent) (string, error) {
			loc := msg.Location
			var b strings.Builder
			b.WriteString(r.senderPrefix(msg))
			b.WriteString("\U0001f4cd ")
			if loc.Name != "" {
				fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(loc.Name))
			}
			if loc.Address != "" {
				fmt.Fprintf(&b, "%s\n", html.EscapeString(loc.Address))
			}
			fmt.Fprintf(&b, `<a href="https://maps.google.com/?q=%f,%f">%f, %f</a>`,
				loc.Latitude, loc.Longitude, loc.Latitude, loc.Longitude)
			return r.topic.SendText(ctx, topicID, b.String(), r.replyTarget(msg))
		},
	}
}

func (r *Router) contactAdapter() *Adapter {
	return &Adapter{
		Send: func(ctx context.Context, topicID int64, _ *MediaRef, _ []byte, msg *MessageEvent) (string, error) {
			card := msg.Card
			text := fmt.Sprintf("%s\U0001f464 <b>%s</b>\n<code>%s</code>",
				r.senderPrefix(msg),
				html.EscapeString(card.DisplayName),
				html.EscapeString(card.Handle))
			return r.topic.SendText(ctx, topicID, text, r.replyTarget(msg))
		},
	}
}

// reactionAdapter forwards a reaction to the relayed counterpart of its
// target. The cross-reference read is non-consuming.
func (r *Router) reactionAdapter() *Adapter {
	return &Adapter{
		Send: func(ctx context.Context, _ int64, _ *MediaRef, _ []byte, msg *MessageEvent) (string, error) {
			target, ok := r.crossref.Resolve(msg.Reaction.TargetID)
			if !ok {
				return "", fmt.Errorf("reaction target %s: %w", msg.Reaction.TargetID, ErrNotFound)
			}
			if err := r.topic.React(ctx, target, msg.Reaction.Emoji); err != nil {
				return "", Transient("forward reaction", err)
			}
			return "", nil
		},
	}
}

// revokeAdapter deletes the relayed counterpart of a revoked message and
// invalidates the pairing. A second revoke for the same pairing reports
// ErrAlreadyHandled without a repeated delete.
func (r *Router) revokeAdapter() *Adapter {
	return &Adapter{
		Send: func(ctx context.Context, _ int64, _ *MediaRef, _ []byte, msg *MessageEvent) (string, error) {
			target, err := r.crossref.Invalidate(ctx, msg.Revoke.TargetID)
			if err != nil {
				return "", err
			}
			if err := r.topic.DeleteMessage(ctx, target); err != nil {
				return "", Transient("delete relayed message", err)
			}
			return "", nil
		},
	}
}

// sendFallbackDocument ships the unconverted payload as a generic document.
func (r *Router) sendFallbackDocument(ctx context.Context, topicID int64, ref *MediaRef, data []byte, msg *MessageEvent, variant Variant) (string, Variant, error) {
	remoteID, err := r.topic.SendMedia(ctx, topicID, &OutgoingMedia{
		Kind:     MediaDocument,
		Data:     data,
		FileName: ref.FileName,
		MimeType: ref.MimeType,
		Caption:  r.mediaCaption(ref, msg),
		ReplyTo:  r.replyTarget(msg),
	})
	return remoteID, variant, err
}

// mediaCaption formats a media caption, applying the group sender prefix.
func (r *Router) mediaCaption(ref *MediaRef, msg *MessageEvent) string {
	caption := ""
	if ref != nil && ref.Caption != "" {
		caption = chatfmt.ToHTML(ref.Caption)
	}
	return r.senderPrefix(msg) + caption
}

// Participants returns the cached member handles of a group thread, fetching
// and caching them on a miss.
func (r *Router) Participants(ctx context.Context, threadID string) ([]string, error) {
	if cached, ok := r.participants.Get(threadID); ok {
		return cached, nil
	}
	info, err := r.chat.GroupMetadata(ctx, threadID)
	if err != nil {
		return nil, Transient("fetch group metadata", err)
	}
	r.participants.Set(threadID, info.Participants)
	return info.Participants, nil
}

// RefreshParticipants applies a membership-change event to the cache.
func (r *Router) RefreshParticipants(evt *MembershipEvent) {
	cached, ok := r.participants.Get(evt.ThreadID)
	if !ok {
		// Nothing cached yet; the next Participants call fetches fresh.
		return
	}
	members := make(map[string]struct{}, len(cached)+len(evt.Joined))
	for _, m := range cached {
		members[m] = struct{}{}
	}
	for _, m := range evt.Joined {
		members[m] = struct{}{}
	}
	for _, m := range evt.Left {
		delete(members, m)
	}
	updated := make([]string, 0, len(members))
	for m := range members {
		updated = append(updated, m)
	}
	r.participants.Set(evt.ThreadID, updated)
}

// MentionBroadcast expands an @all/@everyone token into a mention message
// tagging every current participant, sent to the chat thread independently
// of the relayed text.
func (r *Router) MentionBroadcast(ctx context.Context, threadID string) error {
	members, err := r.Participants(ctx, threadID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	mentions := make([]string, 0, len(members))
	for _, m := range members {
		mentions = append(mentions, "@"+ThreadHandle(m))
	}
	if _, err := r.chat.SendText(ctx, threadID, strings.Join(mentions, " "), ""); err != nil {
		return Transient("mention broadcast", err)
	}
	return nil
}
