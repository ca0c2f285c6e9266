// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TopicManager owns the thread-to-topic mapping lifecycle: get-or-create,
// existence verification, and purge-and-recreate when the topic disappeared
// behind the engine's back.
type TopicManager struct {
	log     zerolog.Logger
	store   *Store
	client  TopicClient
	cfg     *Config
	metrics *Metrics

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewTopicManager builds the lifecycle manager.
func NewTopicManager(store *Store, client TopicClient, cfg *Config, metrics *Metrics, log zerolog.Logger) *TopicManager {
	return &TopicManager{
		log:     log.With().Str("component", "topics").Logger(),
		store:   store,
		client:  client,
		cfg:     cfg,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

// threadLock returns the per-thread creation lock, so that two
// near-simultaneous first messages for an unseen thread yield exactly one
// topic and one persisted mapping.
func (tm *TopicManager) threadLock(threadID string) *sync.Mutex {
	tm.locksMu.Lock()
	defer tm.locksMu.Unlock()
	l, ok := tm.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		tm.locks[threadID] = l
	}
	return l
}

// GetOrCreate resolves the topic backing threadID, creating it if needed.
// An existing mapping is verified with a cheap existence probe; a missing
// topic purges the stale mapping and falls through to creation. msg provides
// the identity context for naming and the welcome message; it may be nil for
// synthetic threads (call log).
func (tm *TopicManager) GetOrCreate(ctx context.Context, threadID string, msg *MessageEvent) (int64, error) {
	lock := tm.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if mapping := tm.store.GetThread(threadID); mapping != nil {
		err := tm.client.ProbeTopic(ctx, mapping.TopicID)
		if err == nil {
			mapping.LastActivity = time.Now().UTC()
			tm.store.PutThread(ctx, mapping)
			return mapping.TopicID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			// Transient probe failure: keep the mapping, let the
			// caller retry instead of recreating a live topic.
			return 0, Transient("probe topic", err)
		}
		tm.log.Warn().
			Str("thread_id", threadID).
			Int64("topic_id", mapping.TopicID).
			Msg("Topic vanished, purging stale mapping")
		tm.store.DeleteThread(ctx, threadID)
		tm.metrics.TopicsRecreated.Inc()
	}

	return tm.create(ctx, threadID, msg)
}

// create makes a new topic and persists its mapping. Caller holds the
// per-thread lock.
func (tm *TopicManager) create(ctx context.Context, threadID string, msg *MessageEvent) (int64, error) {
	name, icon, special := tm.resolveName(threadID, msg)

	topicID, err := tm.client.CreateTopic(ctx, name, icon)
	if err != nil {
		return 0, Transient("create topic", err)
	}

	now := time.Now().UTC()
	tm.store.PutThread(ctx, &ThreadMapping{
		ThreadID:     threadID,
		TopicID:      topicID,
		CreatedAt:    now,
		LastActivity: now,
	})
	tm.metrics.TopicsCreated.Inc()
	tm.log.Info().
		Str("thread_id", threadID).
		Int64("topic_id", topicID).
		Str("name", name).
		Msg("Created topic")

	if !special {
		tm.sendWelcome(ctx, topicID, threadID, msg)
	}
	return topicID, nil
}

// resolveName picks the topic display name. Priority: special-thread config,
// explicit thread metadata (group subject), resolved contact name, formatted
// raw identifier.
func (tm *TopicManager) resolveName(threadID string, msg *MessageEvent) (name, icon string, special bool) {
	if st, ok := tm.cfg.SpecialThreads[threadID]; ok {
		return st.Name, st.Icon, true
	}
	if msg != nil && msg.ThreadName != "" {
		return msg.ThreadName, "", false
	}
	handle := ThreadHandle(threadID)
	if contact := tm.store.GetContact(handle); contact != nil && contact.DisplayName != "" {
		return contact.DisplayName, "", false
	}
	if msg != nil && !msg.IsGroup && msg.SenderName != "" {
		return msg.SenderName, "", false
	}
	return FallbackLabel(threadID), "", false
}

// sendWelcome posts the context message with the first known identity
// snapshot into a freshly created topic, optionally pinning it. Failures are
// logged only; the topic is already usable.
func (tm *TopicManager) sendWelcome(ctx context.Context, topicID int64, threadID string, msg *MessageEvent) {
	var text string
	switch {
	case msg != nil && msg.IsGroup:
		subject := msg.ThreadName
		if subject == "" {
			subject = FallbackLabel(threadID)
		}
		text = fmt.Sprintf("<b>%s</b>\nGroup thread <code>%s</code> bridged.",
			html.EscapeString(subject), html.EscapeString(threadID))
	case msg != nil:
		name := msg.SenderName
		if name == "" {
			name = FallbackLabel(threadID)
		}
		text = fmt.Sprintf("<b>%s</b> (<code>%s</code>)\nDirect thread bridged.",
			html.EscapeString(name), html.EscapeString(msg.SenderHandle))
	default:
		text = fmt.Sprintf("Thread <code>%s</code> bridged.", html.EscapeString(threadID))
	}

	msgID, err := tm.client.SendText(ctx, topicID, text, "")
	if err != nil {
		tm.log.Warn().Err(err).Int64("topic_id", topicID).Msg("Failed to send welcome message")
		return
	}
	if tm.cfg.PinWelcome {
		if err := tm.client.Pin(ctx, msgID); err != nil {
			tm.log.Warn().Err(err).Str("message_id", msgID).Msg("Failed to pin welcome message")
		}
	}
}
