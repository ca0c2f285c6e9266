// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Batcher owns the debounced side effects of the relay contract: the
// typing-then-paused presence dance, batched read receipts, and
// call-notification de-duplication. None of these affect correctness, but
// each needs a per-key timer that a newer event cancels and replaces so no
// stale side effect fires.
type Batcher struct {
	log   zerolog.Logger
	chat  ChatClient
	queue *Queue
	cfg   PresenceConfig
	clock func() time.Time

	mu           sync.Mutex
	pauseTimers  map[string]*time.Timer
	pendingReads map[string][]string
	flushArmed   map[string]bool
	recentCalls  map[string]time.Time
	stopped      bool
}

// NewBatcher wires the batcher to the chat client and the shared queue.
// Read-receipt flushes run as delayed tasks on the queue so their ordering
// and error handling match every other side effect.
func NewBatcher(chat ChatClient, queue *Queue, cfg PresenceConfig, log zerolog.Logger) *Batcher {
	return &Batcher{
		log:          log.With().Str("component", "batcher").Logger(),
		chat:         chat,
		queue:        queue,
		cfg:          cfg,
		clock:        time.Now,
		pauseTimers:  make(map[string]*time.Timer),
		pendingReads: make(map[string][]string),
		flushArmed:   make(map[string]bool),
		recentCalls:  make(map[string]time.Time),
	}
}

// Typing publishes a typing presence for the thread and schedules the paused
// follow-up. Another Typing call for the same thread before the pause fires
// replaces the timer.
func (b *Batcher) Typing(ctx context.Context, threadID string) {
	if err := b.chat.SendPresence(ctx, threadID, true); err != nil {
		b.log.Debug().Err(err).Str("thread_id", threadID).Msg("Failed to send typing presence")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if prev, ok := b.pauseTimers[threadID]; ok {
		prev.Stop()
	}
	pause := time.Duration(b.cfg.TypingPauseSeconds) * time.Second
	b.pauseTimers[threadID] = time.AfterFunc(pause, func() {
		b.mu.Lock()
		delete(b.pauseTimers, threadID)
		b.mu.Unlock()
		pauseCtx, cancel := context.WithTimeout(context.Background(), pause)
		defer cancel()
		if err := b.chat.SendPresence(pauseCtx, threadID, false); err != nil {
			b.log.Debug().Err(err).Str("thread_id", threadID).Msg("Failed to send paused presence")
		}
	})
}

// ScheduleRead batches a read receipt for a relayed message. The first
// pending message for a thread schedules a flush task on the queue; later
// ones within the delay ride along.
func (b *Batcher) ScheduleRead(threadID, messageID string) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.pendingReads[threadID] = append(b.pendingReads[threadID], messageID)
	arm := !b.flushArmed[threadID]
	if arm {
		b.flushArmed[threadID] = true
	}
	b.mu.Unlock()

	if !arm {
		return
	}
	delay := time.Duration(b.cfg.ReadReceiptSeconds) * time.Second
	b.queue.EnqueueAfter(&Task{
		Name: "flush-read-receipts",
		Run: func(ctx context.Context) error {
			return b.flushReads(ctx, threadID)
		},
		// A rejected flush keeps the batch; the next ScheduleRead arms
		// a fresh one.
		OnReject: func() {
			b.mu.Lock()
			delete(b.flushArmed, threadID)
			b.mu.Unlock()
		},
	}, delay)
}

// flushReads marks all pending messages of a thread as read.
func (b *Batcher) flushReads(ctx context.Context, threadID string) error {
	b.mu.Lock()
	ids := b.pendingReads[threadID]
	delete(b.pendingReads, threadID)
	delete(b.flushArmed, threadID)
	b.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	if err := b.chat.MarkRead(ctx, threadID, ids); err != nil {
		return Transient("mark read", err)
	}
	b.log.Debug().Str("thread_id", threadID).Int("count", len(ids)).Msg("Flushed read receipts")
	return nil
}

// NoteCall reports whether a call notification should be posted: true for
// the first event of a call, false for duplicates inside the dedupe window.
func (b *Batcher) NoteCall(callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	window := time.Duration(b.cfg.CallDedupeSeconds) * time.Second
	if seen, ok := b.recentCalls[callID]; ok && now.Sub(seen) <= window {
		return false
	}
	// Drop expired entries opportunistically.
	for id, seen := range b.recentCalls {
		if now.Sub(seen) > window {
			delete(b.recentCalls, id)
		}
	}
	b.recentCalls[callID] = now
	return true
}

// Stop cancels all pending timers. Safe to call more than once.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for id, timer := range b.pauseTimers {
		timer.Stop()
		delete(b.pauseTimers, id)
	}
}
