// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func startTestEngine(t *testing.T) (*Engine, *fakeChat, *fakeTopic) {
	t.Helper()
	cfg := newTestConfig(t)
	chat := newFakeChat()
	topic := newFakeTopic()
	e := NewEngine(cfg, newTestDB(t), chat, topic, &fakeTranscoder{}, zerolog.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, chat, topic
}

func TestEngineRelaysImageAndReusesTopic(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)
	chat.mu.Lock()
	chat.downloads["img-1"] = []byte("jpeg")
	chat.mu.Unlock()

	chat.events <- &ChatEvent{Kind: EventMessage, Message: &MessageEvent{
		ID:           "m1",
		ThreadID:     "111@s.whatsapp.net",
		SenderID:     "111@s.whatsapp.net",
		SenderName:   "Alice",
		SenderHandle: "111@s.whatsapp.net",
		Image:        &MediaRef{ID: "img-1", MimeType: "image/jpeg", FileName: "p.jpg", Caption: "look"},
	}}

	waitFor(t, func() bool { return topic.mediaCount() == 1 }, "image relay")
	if topic.createdCount() != 1 {
		t.Errorf("created %d topics, want 1", topic.createdCount())
	}
	topic.mu.Lock()
	name := topic.created[0]
	caption := topic.media[0].Caption
	topic.mu.Unlock()
	if name != "Alice" {
		t.Errorf("topic name = %q, want Alice", name)
	}
	if caption != "look" {
		t.Errorf("caption = %q, want look", caption)
	}
	// The relay is cross-referenced for replies and revokes.
	waitFor(t, func() bool {
		_, ok := e.crossref.Resolve("m1")
		return ok
	}, "cross-reference record")

	// A second message reuses the mapped topic.
	chat.events <- &ChatEvent{Kind: EventMessage, Message: &MessageEvent{
		ID:           "m2",
		ThreadID:     "111@s.whatsapp.net",
		SenderID:     "111@s.whatsapp.net",
		SenderHandle: "111@s.whatsapp.net",
		Text:         "again",
	}}
	waitFor(t, func() bool { return topic.textCount() >= 2 }, "text relay")
	if topic.createdCount() != 1 {
		t.Errorf("second message created another topic: %d", topic.createdCount())
	}
}

func TestEngineSkipsRelayEcho(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)
	e.crossref.Record(context.Background(), "chat-msg-1", "50", "111@s.whatsapp.net")

	// A FromMe message whose ID is already cross-referenced is our own
	// relay coming back over the event stream.
	chat.events <- &ChatEvent{Kind: EventMessage, Message: &MessageEvent{
		ID:       "chat-msg-1",
		ThreadID: "111@s.whatsapp.net",
		SenderID: "me",
		FromMe:   true,
		Text:     "echo",
	}}
	// A genuine message afterwards still relays; its arrival proves the
	// echo was processed and skipped.
	chat.events <- &ChatEvent{Kind: EventMessage, Message: &MessageEvent{
		ID:       "m2",
		ThreadID: "111@s.whatsapp.net",
		SenderID: "111@s.whatsapp.net",
		Text:     "real",
	}}

	waitFor(t, func() bool { return topic.textCount() >= 1 }, "genuine relay")
	topic.mu.Lock()
	defer topic.mu.Unlock()
	for _, sent := range topic.texts {
		if strings.Contains(sent.text, "echo") {
			t.Errorf("relay echo was forwarded: %q", sent.text)
		}
	}
}

func TestEngineTopicTextRelaysToChat(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)

	// Seed the mapping the reverse relay resolves against.
	e.store.PutThread(context.Background(), &ThreadMapping{
		ThreadID: "111@s.whatsapp.net",
		TopicID:  7,
	})

	topic.events <- &TopicEvent{
		TopicID:   7,
		MessageID: "60",
		SenderID:  "100",
		Text:      "<b>hello</b> there",
	}

	waitFor(t, func() bool { return len(chat.textsFor("111@s.whatsapp.net")) == 1 }, "reverse relay")
	if got := chat.textsFor("111@s.whatsapp.net")[0]; got != "*hello* there" {
		t.Errorf("relayed text = %q, want markdown conversion", got)
	}
	// The outbound message is cross-referenced too.
	waitFor(t, func() bool {
		_, ok := e.crossref.Resolve("60")
		return ok
	}, "reverse cross-reference")
}

func TestEngineDropsUnauthorizedTopicSender(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)
	e.store.PutThread(context.Background(), &ThreadMapping{
		ThreadID: "111@s.whatsapp.net",
		TopicID:  7,
	})

	topic.events <- &TopicEvent{TopicID: 7, MessageID: "61", SenderID: "999", Text: "sneaky"}
	// An owner message afterwards proves the pump progressed past the
	// dropped event.
	topic.events <- &TopicEvent{TopicID: 7, MessageID: "62", SenderID: "100", Text: "legit"}

	waitFor(t, func() bool { return len(chat.textsFor("111@s.whatsapp.net")) >= 1 }, "owner relay")
	for _, text := range chat.textsFor("111@s.whatsapp.net") {
		if strings.Contains(text, "sneaky") {
			t.Errorf("unauthorized message relayed: %q", text)
		}
	}
}

func TestEngineTopicReactionForwarded(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)
	e.crossref.Record(context.Background(), "chat-5", "70", "111@s.whatsapp.net")

	// Reaction updates carry no topic ID; the thread comes from the
	// cross-reference alone.
	topic.events <- &TopicEvent{
		MessageID: "70",
		SenderID:  "100",
		Reaction:  &ReactionRef{TargetID: "70", Emoji: "🔥"},
	}

	waitFor(t, func() bool {
		emoji, _ := chat.reactionFor("chat-5")
		return emoji == "🔥"
	}, "reaction forward")
	if _, thread := chat.reactionFor("chat-5"); thread != "111@s.whatsapp.net" {
		t.Errorf("reaction sent to thread %q, want 111@s.whatsapp.net", thread)
	}
}

func TestEngineTopicReactionRemovalForwarded(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)
	e.crossref.Record(context.Background(), "chat-5", "70", "111@s.whatsapp.net")

	topic.events <- &TopicEvent{
		MessageID: "70",
		SenderID:  "100",
		Reaction:  &ReactionRef{TargetID: "70", Emoji: "🔥"},
	}
	waitFor(t, func() bool {
		emoji, _ := chat.reactionFor("chat-5")
		return emoji == "🔥"
	}, "reaction forward")

	// An empty emoji clears the reaction on the chat side too.
	topic.events <- &TopicEvent{
		MessageID: "70",
		SenderID:  "100",
		Reaction:  &ReactionRef{TargetID: "70"},
	}
	waitFor(t, func() bool {
		emoji, _ := chat.reactionFor("chat-5")
		return emoji == ""
	}, "reaction removal")
}

func TestEngineTopicReplyQuotesChatMessage(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)
	ctx := context.Background()
	e.store.PutThread(ctx, &ThreadMapping{ThreadID: "111@s.whatsapp.net", TopicID: 7})
	e.crossref.Record(ctx, "chat-5", "70", "111@s.whatsapp.net")

	topic.events <- &TopicEvent{
		TopicID:   7,
		MessageID: "71",
		SenderID:  "100",
		Text:      "replying",
		ReplyToID: "70",
	}

	waitFor(t, func() bool { return len(chat.textsFor("111@s.whatsapp.net")) == 1 }, "reply relay")
	if got := chat.quotedFor("111@s.whatsapp.net")[0]; got != "chat-5" {
		t.Errorf("quoted chat message = %q, want chat-5", got)
	}
}

func TestEngineEphemeralToggleNotice(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)
	e.store.PutThread(context.Background(), &ThreadMapping{
		ThreadID: "111@s.whatsapp.net",
		TopicID:  7,
	})

	chat.events <- &ChatEvent{Kind: EventMessage, Message: &MessageEvent{
		ID:        "m1",
		ThreadID:  "111@s.whatsapp.net",
		SenderID:  "111@s.whatsapp.net",
		Ephemeral: &EphemeralSetting{Enabled: true, TimerSeconds: 86400},
	}}

	waitFor(t, func() bool { return topic.textCount() == 1 }, "ephemeral notice")
	topic.mu.Lock()
	defer topic.mu.Unlock()
	if !strings.Contains(topic.texts[0].text, "Disappearing messages") {
		t.Errorf("notice = %q", topic.texts[0].text)
	}
	if got := e.store.GetEphemeral("111@s.whatsapp.net"); got == nil || !got.Enabled {
		t.Errorf("ephemeral setting not persisted: %+v", got)
	}
}

func TestEngineChatReactionSkipsTopicCreation(t *testing.T) {
	t.Parallel()
	e, chat, topic := startTestEngine(t)

	// A reaction for a thread with no mapping acts on the cross-reference
	// only; it must not create a topic just to fail the lookup.
	chat.events <- &ChatEvent{Kind: EventMessage, Message: &MessageEvent{
		ID:       "m1",
		ThreadID: "111@s.whatsapp.net",
		SenderID: "111@s.whatsapp.net",
		Reaction: &ReactionRef{TargetID: "never-relayed", Emoji: "👍"},
	}}

	waitFor(t, func() bool {
		return testutil.ToFloat64(e.metrics.RelayFailedTotal.WithLabelValues("reaction")) == 1
	}, "failed reaction relay")
	if topic.createdCount() != 0 {
		t.Errorf("reaction created %d topics, want 0", topic.createdCount())
	}
}

func TestEngineCallNotificationDeduped(t *testing.T) {
	t.Parallel()
	_, chat, topic := startTestEngine(t)

	call := &CallEvent{CallID: "call-1", ThreadID: "111@s.whatsapp.net", CallerName: "Alice"}
	chat.events <- &ChatEvent{Kind: EventCall, Call: call}
	chat.events <- &ChatEvent{Kind: EventCall, Call: call}

	waitFor(t, func() bool { return topic.textCount() >= 1 }, "call notification")
	topic.mu.Lock()
	created := append([]string(nil), topic.created...)
	notices := len(topic.texts)
	text := topic.texts[0].text
	topic.mu.Unlock()

	if len(created) != 1 || created[0] != "Call Log" {
		t.Errorf("created topics = %v, want the call log", created)
	}
	if !strings.Contains(text, "Alice") {
		t.Errorf("notification = %q", text)
	}
	if notices > 1 {
		t.Errorf("duplicate call produced %d notifications, want 1", notices)
	}
}

func TestEngineContactEventUpdatesStore(t *testing.T) {
	t.Parallel()
	e, chat, _ := startTestEngine(t)

	chat.events <- &ChatEvent{Kind: EventContactChange, Contact: &Contact{
		Handle:      "111",
		DisplayName: "Alice Renamed",
	}}

	waitFor(t, func() bool {
		c := e.store.GetContact("111")
		return c != nil && c.DisplayName == "Alice Renamed"
	}, "contact update")
}
