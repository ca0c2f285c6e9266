// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/threadbridge/pkg/bridge"
)

// fakeBotAPI is an in-memory bot API server.
type fakeBotAPI struct {
	mu       sync.Mutex
	calls    []string
	params   map[string]map[string]any
	respond  map[string]any
	failWith map[string]string
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{
		params:   make(map[string]map[string]any),
		respond:  make(map[string]any),
		failWith: make(map[string]string),
	}
}

func (f *fakeBotAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if len(parts) != 2 || !strings.HasPrefix(parts[0], "bot") {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		method := parts[1]

		var params map[string]any
		switch {
		case strings.HasPrefix(r.Header.Get("Content-Type"), "application/json"):
			_ = json.NewDecoder(r.Body).Decode(&params)
		case strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"):
			_ = r.ParseMultipartForm(1 << 20)
			params = make(map[string]any)
			for k, v := range r.MultipartForm.Value {
				params[k] = v[0]
			}
		}

		f.mu.Lock()
		f.calls = append(f.calls, method)
		f.params[method] = params
		desc, fail := f.failWith[method]
		result, ok := f.respond[method]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": false, "error_code": 400, "description": desc,
			})
			return
		}
		if !ok {
			result = true
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	}
}

func newTestClient(t *testing.T) (*Client, *fakeBotAPI) {
	t.Helper()
	api := newFakeBotAPI()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient(bridge.TopicAPIConfig{
		BaseURL:  srv.URL,
		BotToken: "token",
		SpaceID:  42,
	}, zerolog.Nop())
	return client, api
}

func TestCreateTopic(t *testing.T) {
	t.Parallel()
	client, api := newTestClient(t)
	api.respond["createForumTopic"] = map[string]any{"message_thread_id": 77}

	id, err := client.CreateTopic(context.Background(), "Alice", "")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if id != 77 {
		t.Errorf("topic ID = %d, want 77", id)
	}
	params := api.params["createForumTopic"]
	if params["name"] != "Alice" {
		t.Errorf("name param = %v, want Alice", params["name"])
	}
	if params["chat_id"] != float64(42) {
		t.Errorf("chat_id param = %v, want 42", params["chat_id"])
	}
}

func TestProbeTopicNotFound(t *testing.T) {
	t.Parallel()
	client, api := newTestClient(t)
	api.failWith["sendChatAction"] = "Bad Request: message thread not found"

	err := client.ProbeTopic(context.Background(), 77)
	if !errors.Is(err, bridge.ErrNotFound) {
		t.Errorf("probe of deleted topic: got %v, want ErrNotFound", err)
	}
}

func TestProbeTopicAlive(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	if err := client.ProbeTopic(context.Background(), 77); err != nil {
		t.Errorf("probe of live topic: %v", err)
	}
}

func TestSendTextWithReply(t *testing.T) {
	t.Parallel()
	client, api := newTestClient(t)
	api.respond["sendMessage"] = map[string]any{"message_id": 500}

	id, err := client.SendText(context.Background(), 77, "<b>hi</b>", "480")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if id != "500" {
		t.Errorf("message ID = %q, want 500", id)
	}
	params := api.params["sendMessage"]
	if params["parse_mode"] != "HTML" {
		t.Errorf("parse_mode = %v, want HTML", params["parse_mode"])
	}
	if params["message_thread_id"] != float64(77) {
		t.Errorf("thread = %v, want 77", params["message_thread_id"])
	}
	if params["reply_to_message_id"] != float64(480) {
		t.Errorf("reply target = %v, want 480", params["reply_to_message_id"])
	}
}

func TestSendMediaPicksMethod(t *testing.T) {
	t.Parallel()
	cases := []struct {
		kind   bridge.MediaKind
		method string
	}{
		{bridge.MediaPhoto, "sendPhoto"},
		{bridge.MediaVideo, "sendVideo"},
		{bridge.MediaVideoNote, "sendVideoNote"},
		{bridge.MediaVoice, "sendVoice"},
		{bridge.MediaAudio, "sendAudio"},
		{bridge.MediaSticker, "sendSticker"},
		{bridge.MediaDocument, "sendDocument"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()
			client, api := newTestClient(t)
			api.respond[tc.method] = map[string]any{"message_id": 9}

			id, err := client.SendMedia(context.Background(), 77, &bridge.OutgoingMedia{
				Kind:     tc.kind,
				Data:     []byte("payload"),
				FileName: "f.bin",
				Caption:  "cap",
			})
			if err != nil {
				t.Fatalf("send media: %v", err)
			}
			if id != "9" {
				t.Errorf("message ID = %q, want 9", id)
			}
			params := api.params[tc.method]
			if params == nil {
				t.Fatalf("method %s never called; calls: %v", tc.method, api.calls)
			}
			if params["caption"] != "cap" {
				t.Errorf("caption = %v, want cap", params["caption"])
			}
		})
	}
}

func TestDeleteAndReact(t *testing.T) {
	t.Parallel()
	client, api := newTestClient(t)
	ctx := context.Background()

	if err := client.DeleteMessage(ctx, "500"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if api.params["deleteMessage"]["message_id"] != float64(500) {
		t.Errorf("delete params = %v", api.params["deleteMessage"])
	}

	if err := client.React(ctx, "500", "🔥"); err != nil {
		t.Fatalf("react: %v", err)
	}
	if err := client.React(ctx, "not-a-number", "🔥"); err == nil {
		t.Error("react with malformed ID succeeded")
	}
}

func TestTranslateUpdates(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	var upd update
	raw := `{
		"update_id": 10,
		"message": {
			"message_id": 500,
			"message_thread_id": 77,
			"from": {"id": 100},
			"chat": {"id": 42},
			"text": "hello",
			"reply_to_message": {"message_id": 480}
		}
	}`
	if err := json.Unmarshal([]byte(raw), &upd); err != nil {
		t.Fatal(err)
	}
	evt := client.translate(&upd)
	if evt == nil {
		t.Fatal("message update dropped")
	}
	if evt.TopicID != 77 || evt.MessageID != "500" || evt.SenderID != "100" {
		t.Errorf("event = %+v", evt)
	}
	if evt.Text != "hello" || evt.ReplyToID != "480" {
		t.Errorf("event content = %+v", evt)
	}

	// Messages from other chats and from bots are dropped.
	otherChat := upd
	otherChat.Message.Chat.ID = 1
	if client.translate(&otherChat) != nil {
		t.Error("message from foreign chat not dropped")
	}
}

func TestTranslateReaction(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	var upd update
	raw := `{
		"update_id": 12,
		"message_reaction": {
			"chat": {"id": 42},
			"message_id": 70,
			"user": {"id": 100},
			"new_reaction": [{"type": "emoji", "emoji": "🔥"}]
		}
	}`
	if err := json.Unmarshal([]byte(raw), &upd); err != nil {
		t.Fatal(err)
	}
	evt := client.translate(&upd)
	if evt == nil || evt.Reaction == nil {
		t.Fatalf("reaction update dropped: %+v", evt)
	}
	// Reaction updates carry no thread ID; the target message is all the
	// engine has to address the forward.
	if evt.Reaction.TargetID != "70" || evt.Reaction.Emoji != "🔥" {
		t.Errorf("reaction = %+v", evt.Reaction)
	}
	if evt.SenderID != "100" {
		t.Errorf("sender = %q, want 100", evt.SenderID)
	}

	// An emptied reaction list is a removal, not a drop.
	upd.MessageReaction.NewReaction = nil
	evt = client.translate(&upd)
	if evt == nil || evt.Reaction == nil {
		t.Fatalf("reaction removal dropped: %+v", evt)
	}
	if evt.Reaction.TargetID != "70" || evt.Reaction.Emoji != "" {
		t.Errorf("removal = %+v", evt.Reaction)
	}
}

func TestTranslateCallback(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	var upd update
	raw := `{
		"update_id": 11,
		"callback_query": {
			"id": "cb1",
			"from": {"id": 100},
			"message": {"message_id": 500, "message_thread_id": 77},
			"data": "revoke"
		}
	}`
	if err := json.Unmarshal([]byte(raw), &upd); err != nil {
		t.Fatal(err)
	}
	evt := client.translate(&upd)
	if evt == nil || evt.Callback == nil {
		t.Fatalf("callback update dropped: %+v", evt)
	}
	if evt.Callback.ID != "cb1" || evt.Callback.Data != "revoke" {
		t.Errorf("callback = %+v", evt.Callback)
	}
	if evt.TopicID != 77 || evt.MessageID != "500" {
		t.Errorf("callback context = %+v", evt)
	}
}
