// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *dbutil.Database {
	t.Helper()
	db, err := dbutil.NewWithDialect("file:"+t.TempDir()+"/bridge.db", "sqlite3")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(newTestDB(t), zerolog.Nop())
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("failed to load store: %v", err)
	}
	return s
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		ChatGateway: ChatGatewayConfig{
			BaseURL: "http://gateway.localhost",
			APIKey:  "testing-key",
			Session: "default",
		},
		TopicAPI: TopicAPIConfig{
			BaseURL:  "http://api.localhost",
			BotToken: "testing-token",
			SpaceID:  42,
		},
		Access: AccessConfig{Owner: "100"},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("failed to post-process test config: %v", err)
	}
	return cfg
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sentText records one SendText call on a fake client.
type sentText struct {
	topicID int64
	text    string
	replyTo string
}

// fakeTopic is an in-memory TopicClient.
type fakeTopic struct {
	mu         sync.Mutex
	nextTopic  int64
	nextMsgID  int
	created    []string
	probeErrs  map[int64]error
	createErr  error
	sendErr    error
	texts      []sentText
	media      []*OutgoingMedia
	mediaTopic []int64
	reactions  map[string]string
	deleted    []string
	pinned     []string
	callbacks  map[string]string
	events     chan *TopicEvent
}

func newFakeTopic() *fakeTopic {
	return &fakeTopic{
		probeErrs: make(map[int64]error),
		reactions: make(map[string]string),
		callbacks: make(map[string]string),
		events:    make(chan *TopicEvent, 16),
	}
}

func (f *fakeTopic) CreateTopic(_ context.Context, name, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextTopic++
	f.created = append(f.created, name)
	return f.nextTopic, nil
}

func (f *fakeTopic) ProbeTopic(_ context.Context, topicID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErrs[topicID]
}

func (f *fakeTopic) SendText(_ context.Context, topicID int64, html, replyTo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextMsgID++
	f.texts = append(f.texts, sentText{topicID: topicID, text: html, replyTo: replyTo})
	return strconv.Itoa(f.nextMsgID), nil
}

func (f *fakeTopic) SendMedia(_ context.Context, topicID int64, media *OutgoingMedia) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextMsgID++
	f.media = append(f.media, media)
	f.mediaTopic = append(f.mediaTopic, topicID)
	return strconv.Itoa(f.nextMsgID), nil
}

func (f *fakeTopic) React(_ context.Context, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = emoji
	return nil
}

func (f *fakeTopic) Pin(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned = append(f.pinned, messageID)
	return nil
}

func (f *fakeTopic) DeleteMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeTopic) AnswerCallback(_ context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[callbackID] = text
	return nil
}

func (f *fakeTopic) Events() <-chan *TopicEvent {
	return f.events
}

func (f *fakeTopic) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeTopic) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func (f *fakeTopic) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

// fakeChat is an in-memory ChatClient.
type fakeChat struct {
	mu             sync.Mutex
	nextMsgID      int
	texts          map[string][]string
	quoted         map[string][]string
	reactions      map[string]string
	reactionThread map[string]string
	downloads      map[string][]byte
	read           map[string][]string
	presence       []string
	groups         map[string]*GroupInfo
	contacts       []Contact
	events         chan *ChatEvent
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		texts:          make(map[string][]string),
		quoted:         make(map[string][]string),
		reactions:      make(map[string]string),
		reactionThread: make(map[string]string),
		downloads:      make(map[string][]byte),
		read:           make(map[string][]string),
		groups:         make(map[string]*GroupInfo),
		events:         make(chan *ChatEvent, 16),
	}
}

func (f *fakeChat) SendText(_ context.Context, threadID, text, quotedID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	f.texts[threadID] = append(f.texts[threadID], text)
	f.quoted[threadID] = append(f.quoted[threadID], quotedID)
	return fmt.Sprintf("chat-msg-%d", f.nextMsgID), nil
}

func (f *fakeChat) SendReaction(_ context.Context, threadID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = emoji
	f.reactionThread[messageID] = threadID
	return nil
}

func (f *fakeChat) DownloadMedia(_ context.Context, ref *MediaRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.downloads[ref.ID]
	if !ok {
		return nil, fmt.Errorf("media %s: %w", ref.ID, ErrNotFound)
	}
	return data, nil
}

func (f *fakeChat) MarkRead(_ context.Context, threadID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read[threadID] = append(f.read[threadID], messageIDs...)
	return nil
}

func (f *fakeChat) SendPresence(_ context.Context, threadID string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "paused"
	if typing {
		state = "typing"
	}
	f.presence = append(f.presence, threadID+":"+state)
	return nil
}

func (f *fakeChat) GroupMetadata(_ context.Context, threadID string) (*GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.groups[threadID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", threadID, ErrNotFound)
	}
	return info, nil
}

func (f *fakeChat) Contacts(_ context.Context) ([]Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts, nil
}

func (f *fakeChat) Events() <-chan *ChatEvent {
	return f.events
}

func (f *fakeChat) textsFor(threadID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts[threadID]))
	copy(out, f.texts[threadID])
	return out
}

func (f *fakeChat) quotedFor(threadID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.quoted[threadID]))
	copy(out, f.quoted[threadID])
	return out
}

func (f *fakeChat) reactionFor(messageID string) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reactions[messageID], f.reactionThread[messageID]
}

// fakeTranscoder converts by tagging the payload, or fails with a
// ConversionError when broken.
type fakeTranscoder struct {
	broken bool
}

func (f *fakeTranscoder) Convert(_ context.Context, data []byte, sourceMime, targetMime string) ([]byte, error) {
	if f.broken {
		return nil, &ConversionError{
			SourceMime: sourceMime,
			TargetMime: targetMime,
			Err:        errors.New("converter unavailable"),
		}
	}
	return append([]byte("converted:"), data...), nil
}
