// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CrossRef is the bidirectional index between chat-side and topic-side
// message identities. Record is called after every successful relay; Resolve
// answers in O(1) regardless of direction. Revocation consumes a pairing
// exactly once.
//
// The index is bounded: when maxEntries is positive, recording beyond the
// cap evicts the oldest pairing (from memory and durable storage).
type CrossRef struct {
	log        zerolog.Logger
	store      *Store
	maxEntries int

	mu       sync.RWMutex
	byLocal  map[string]string
	byRemote map[string]string
	threads  map[string]string
	order    []string
}

// NewCrossRef builds the index and rehydrates it from the store's message
// records. Call after Store.Load.
func NewCrossRef(store *Store, maxEntries int, log zerolog.Logger) *CrossRef {
	x := &CrossRef{
		log:        log.With().Str("component", "crossref").Logger(),
		store:      store,
		maxEntries: maxEntries,
		byLocal:    make(map[string]string),
		byRemote:   make(map[string]string),
		threads:    make(map[string]string),
	}
	records := store.Messages()
	for _, rec := range records {
		x.byLocal[rec.LocalID] = rec.RemoteKey
		x.byRemote[rec.RemoteKey] = rec.LocalID
		x.threads[rec.LocalID] = rec.ThreadID
		x.order = append(x.order, rec.LocalID)
	}
	if len(records) > 0 {
		x.log.Debug().Int("count", len(records)).Msg("Rehydrated cross-reference index")
	}
	return x
}

// Record persists a pairing after a successful relay.
func (x *CrossRef) Record(ctx context.Context, localID, remoteKey, threadID string) {
	x.store.PutMessage(ctx, &MessageCrossRef{
		LocalID:   localID,
		RemoteKey: remoteKey,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
	})

	x.mu.Lock()
	x.byLocal[localID] = remoteKey
	x.byRemote[remoteKey] = localID
	x.threads[localID] = threadID
	x.order = append(x.order, localID)
	var evict string
	if x.maxEntries > 0 && len(x.order) > x.maxEntries {
		evict = x.order[0]
		x.order = x.order[1:]
		if remote, ok := x.byLocal[evict]; ok {
			delete(x.byRemote, remote)
		}
		delete(x.byLocal, evict)
		delete(x.threads, evict)
	}
	x.mu.Unlock()

	if evict != "" {
		x.store.DeleteMessage(ctx, evict)
		x.log.Debug().Str("local_id", evict).Msg("Evicted oldest cross-reference")
	}
}

// Resolve returns the paired identity of id, looking in both directions.
func (x *CrossRef) Resolve(id string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if remote, ok := x.byLocal[id]; ok {
		return remote, true
	}
	if local, ok := x.byRemote[id]; ok {
		return local, true
	}
	return "", false
}

// ResolveThread is Resolve plus the chat-side thread the pairing belongs
// to. Topic-side reaction and reply events carry no usable topic ID, so the
// thread has to come from the pairing itself.
func (x *CrossRef) ResolveThread(id string) (paired, threadID string, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if remote, found := x.byLocal[id]; found {
		return remote, x.threads[id], true
	}
	if local, found := x.byRemote[id]; found {
		return local, x.threads[local], true
	}
	return "", "", false
}

// Invalidate resolves id and removes the pairing, for revocation. A second
// call for the same pairing returns ErrAlreadyHandled instead of repeating
// the delete.
func (x *CrossRef) Invalidate(ctx context.Context, id string) (string, error) {
	x.mu.Lock()
	localID, remoteKey := id, ""
	if remote, ok := x.byLocal[id]; ok {
		remoteKey = remote
	} else if local, ok := x.byRemote[id]; ok {
		localID, remoteKey = local, id
	} else {
		x.mu.Unlock()
		return "", ErrAlreadyHandled
	}
	delete(x.byLocal, localID)
	delete(x.byRemote, remoteKey)
	delete(x.threads, localID)
	for i, v := range x.order {
		if v == localID {
			x.order = append(x.order[:i], x.order[i+1:]...)
			break
		}
	}
	x.mu.Unlock()

	x.store.DeleteMessage(ctx, localID)
	if localID == id {
		return remoteKey, nil
	}
	return localID, nil
}

// Len returns the number of live pairings.
func (x *CrossRef) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byLocal)
}
