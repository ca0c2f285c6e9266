// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// Record types in the durable document collection. The type discriminates
// the schema and is part of the uniqueness key together with the natural
// identifier inside the document.
const (
	RecordChat      = "chat"
	RecordUser      = "user"
	RecordContact   = "contact"
	RecordMessage   = "message"
	RecordEphemeral = "ephemeral"
)

// ThreadMapping associates an external thread with its topic. Owned
// exclusively by the topic lifecycle manager.
type ThreadMapping struct {
	ThreadID     string    `json:"thread_id"`
	TopicID      int64     `json:"topic_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// UserMapping tracks a chat-platform participant. Created on first observed
// message, mutated on every subsequent one, never deleted.
type UserMapping struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	Handle       string    `json:"handle"`
	FirstSeen    time.Time `json:"first_seen"`
	MessageCount int64     `json:"message_count"`
}

// ContactMapping is one entry from the periodic identity sync.
// Last-writer-wins on conflicting updates.
type ContactMapping struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

// MessageCrossRef pairs a chat-side message with its relayed topic-side
// counterpart (or vice versa). ThreadID is the chat-side thread the pair
// belongs to, so topic-side reactions and replies can be addressed without
// a topic ID.
type MessageCrossRef struct {
	LocalID   string    `json:"local_id"`
	RemoteKey string    `json:"remote_key"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EphemeralSetting records the disappearing-messages state of a thread,
// overwritten on each toggle.
type EphemeralSetting struct {
	ThreadID     string `json:"thread_id"`
	Enabled      bool   `json:"enabled"`
	TimerSeconds int    `json:"timer_seconds"`
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS bridge_record (
	type TEXT NOT NULL,
	key  TEXT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (type, key)
)
`

// Store is the mapping store: a write-through cache over a durable document
// collection keyed by (record type, natural key). Reads on the hot path
// never touch durable storage; Load hydrates everything at startup.
//
// Durable writes are best-effort: a write failure is logged and the cache is
// still updated, trading strict durability for availability.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	mu             sync.RWMutex
	threads        map[string]*ThreadMapping
	threadsByTopic map[int64]string
	users          map[string]*UserMapping
	contacts       map[string]*ContactMapping
	messages       map[string]*MessageCrossRef
	ephemeral      map[string]*EphemeralSetting
}

// NewStore wraps an opened database. Call Load before first use.
func NewStore(db *dbutil.Database, log zerolog.Logger) *Store {
	return &Store{
		db:             db,
		log:            log.With().Str("component", "store").Logger(),
		threads:        make(map[string]*ThreadMapping),
		threadsByTopic: make(map[int64]string),
		users:          make(map[string]*UserMapping),
		contacts:       make(map[string]*ContactMapping),
		messages:       make(map[string]*MessageCrossRef),
		ephemeral:      make(map[string]*EphemeralSetting),
	}
}

// Load creates the schema if needed and hydrates all in-memory caches from
// durable storage.
func (s *Store) Load(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, storeSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	rows, err := s.db.Query(ctx, "SELECT type, key, data FROM bridge_record")
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for rows.Next() {
		var typ, key, data string
		if err := rows.Scan(&typ, &key, &data); err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		if err := s.hydrate(typ, key, []byte(data)); err != nil {
			s.log.Warn().Err(err).
				Str("record_type", typ).
				Str("record_key", key).
				Msg("Skipping undecodable record")
			continue
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate records: %w", err)
	}
	s.log.Info().Int("count", count).Msg("Hydrated mapping caches")
	return rows.Err()
}

// hydrate decodes one durable record into the matching cache. Caller holds
// the write lock.
func (s *Store) hydrate(typ, key string, data []byte) error {
	switch typ {
	case RecordChat:
		var v ThreadMapping
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.threads[key] = &v
		s.threadsByTopic[v.TopicID] = key
	case RecordUser:
		var v UserMapping
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.users[key] = &v
	case RecordContact:
		var v ContactMapping
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.contacts[key] = &v
	case RecordMessage:
		var v MessageCrossRef
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.messages[key] = &v
	case RecordEphemeral:
		var v EphemeralSetting
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.ephemeral[key] = &v
	default:
		return fmt.Errorf("unknown record type %q", typ)
	}
	return nil
}

// upsert writes a record durably. Failures are logged, not returned: the
// in-memory cache is authoritative for the running process.
func (s *Store) upsert(ctx context.Context, typ, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.log.Error().Err(err).Str("record_type", typ).Str("record_key", key).
			Msg("Failed to encode record")
		return
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO bridge_record (type, key, data) VALUES ($1, $2, $3)
		ON CONFLICT (type, key) DO UPDATE SET data=excluded.data
	`, typ, key, string(data))
	if err != nil {
		s.log.Error().Err(err).Str("record_type", typ).Str("record_key", key).
			Msg("Durable write failed, cache updated anyway")
	}
}

// remove deletes a record durably. Failures are logged, not returned.
func (s *Store) remove(ctx context.Context, typ, key string) {
	_, err := s.db.Exec(ctx, "DELETE FROM bridge_record WHERE type=$1 AND key=$2", typ, key)
	if err != nil {
		s.log.Error().Err(err).Str("record_type", typ).Str("record_key", key).
			Msg("Durable delete failed")
	}
}

// PutThread stores a thread mapping, durably first, then in cache.
func (s *Store) PutThread(ctx context.Context, m *ThreadMapping) {
	s.upsert(ctx, RecordChat, m.ThreadID, m)
	s.mu.Lock()
	s.threads[m.ThreadID] = m
	s.threadsByTopic[m.TopicID] = m.ThreadID
	s.mu.Unlock()
}

// GetThread reads a thread mapping from cache only.
func (s *Store) GetThread(threadID string) *ThreadMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[threadID]
}

// GetThreadByTopic resolves the external thread backing a topic.
func (s *Store) GetThreadByTopic(topicID int64) *ThreadMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	threadID, ok := s.threadsByTopic[topicID]
	if !ok {
		return nil
	}
	return s.threads[threadID]
}

// DeleteThread purges a thread mapping from cache and durable storage.
func (s *Store) DeleteThread(ctx context.Context, threadID string) {
	s.mu.Lock()
	if m, ok := s.threads[threadID]; ok {
		delete(s.threadsByTopic, m.TopicID)
	}
	delete(s.threads, threadID)
	s.mu.Unlock()
	s.remove(ctx, RecordChat, threadID)
}

// ThreadCount returns the number of cached thread mappings.
func (s *Store) ThreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// PutUser stores a user mapping.
func (s *Store) PutUser(ctx context.Context, m *UserMapping) {
	s.upsert(ctx, RecordUser, m.UserID, m)
	s.mu.Lock()
	s.users[m.UserID] = m
	s.mu.Unlock()
}

// GetUser reads a user mapping from cache only.
func (s *Store) GetUser(userID string) *UserMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// TouchUser creates or updates the user mapping for an observed message:
// first-seen creation, counter increment and name refresh.
func (s *Store) TouchUser(ctx context.Context, userID, displayName, handle string, at time.Time) *UserMapping {
	s.mu.Lock()
	m, ok := s.users[userID]
	if !ok {
		m = &UserMapping{
			UserID:    userID,
			Handle:    handle,
			FirstSeen: at,
		}
		s.users[userID] = m
	}
	m.MessageCount++
	if displayName != "" {
		m.DisplayName = displayName
	}
	if handle != "" {
		m.Handle = handle
	}
	s.mu.Unlock()
	s.upsert(ctx, RecordUser, userID, m)
	return m
}

// PutContact stores a contact mapping (last-writer-wins).
func (s *Store) PutContact(ctx context.Context, m *ContactMapping) {
	s.upsert(ctx, RecordContact, m.Handle, m)
	s.mu.Lock()
	s.contacts[m.Handle] = m
	s.mu.Unlock()
}

// GetContact reads a contact mapping from cache only.
func (s *Store) GetContact(handle string) *ContactMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contacts[handle]
}

// PutMessage stores a message cross-reference.
func (s *Store) PutMessage(ctx context.Context, m *MessageCrossRef) {
	s.upsert(ctx, RecordMessage, m.LocalID, m)
	s.mu.Lock()
	s.messages[m.LocalID] = m
	s.mu.Unlock()
}

// Messages returns all cached cross-references, used to rebuild the
// in-memory index at startup.
func (s *Store) Messages() []*MessageCrossRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MessageCrossRef, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	return out
}

// DeleteMessage purges a cross-reference from cache and durable storage.
func (s *Store) DeleteMessage(ctx context.Context, localID string) {
	s.mu.Lock()
	delete(s.messages, localID)
	s.mu.Unlock()
	s.remove(ctx, RecordMessage, localID)
}

// PutEphemeral stores the disappearing-messages setting of a thread.
func (s *Store) PutEphemeral(ctx context.Context, m *EphemeralSetting) {
	s.upsert(ctx, RecordEphemeral, m.ThreadID, m)
	s.mu.Lock()
	s.ephemeral[m.ThreadID] = m
	s.mu.Unlock()
}

// GetEphemeral reads the disappearing-messages setting from cache only.
func (s *Store) GetEphemeral(threadID string) *EphemeralSetting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ephemeral[threadID]
}
