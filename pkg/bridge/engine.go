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
	"go.mau.fi/util/dbutil"
	"golang.org/x/time/rate"

	"github.com/aiku/threadbridge/pkg/bridge/topicfmt"
)

// Reaction emojis used as lightweight acknowledgment signals on the chat
// side: relay failure and queue-busy rejection.
const (
	failureAckEmoji = "⚠️"
	busyAckEmoji    = "⏳"
)

// Engine is the bridge synchronization engine. It owns all shared mutable
// state (mapping caches, rate-limit counters, cross-reference index) as
// explicit fields constructed at startup and torn down on shutdown; there is
// no package-level state.
type Engine struct {
	log     zerolog.Logger
	cfg     *Config
	metrics *Metrics

	store    *Store
	gate     *Gate
	queue    *Queue
	topics   *TopicManager
	router   *Router
	crossref *CrossRef
	batcher  *Batcher

	chat       ChatClient
	topic      TopicClient
	transcoder Transcoder
	pacer      *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds the engine from validated configuration, an opened
// database and the two platform clients. Both clients are wrapped so every
// external call carries an explicit deadline.
func NewEngine(cfg *Config, db *dbutil.Database, chat ChatClient, topic TopicClient, transcoder Transcoder, log zerolog.Logger) *Engine {
	metrics := NewMetrics()
	chat = WithChatTimeout(chat, cfg.CallTimeout())
	topic = WithTopicTimeout(topic, cfg.CallTimeout())

	store := NewStore(db, log)
	queue := NewQueue(cfg.Queue.Size, cfg.Queue.Policy, metrics, log)
	e := &Engine{
		log:        log.With().Str("component", "engine").Logger(),
		cfg:        cfg,
		metrics:    metrics,
		store:      store,
		gate:       NewGate(cfg.Access, cfg.RateLimit, metrics, log),
		queue:      queue,
		chat:       chat,
		topic:      topic,
		transcoder: transcoder,
		batcher:    NewBatcher(chat, queue, cfg.Presence, log),
		pacer: rate.NewLimiter(
			rate.Limit(cfg.Presence.OutboundPerSecond),
			cfg.Presence.OutboundBurst,
		),
	}
	e.topics = NewTopicManager(store, topic, cfg, metrics, log)
	// crossref and router are finished in Start, after the store is loaded.
	return e
}

// Metrics exposes the engine's collectors for registration.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Start hydrates the mapping caches and launches the queue consumer and the
// event pumps. It returns once everything is running; errors here are
// startup-fatal.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load mapping store: %w", err)
	}
	e.crossref = NewCrossRef(e.store, e.cfg.CrossRefMaxEntries, e.log)
	e.router = NewRouter(e.chat, e.topic, e.store, e.crossref, e.transcoder, e.log)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(4)
	go func() {
		defer e.wg.Done()
		e.queue.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.chatEventPump(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.topicEventPump(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.contactSyncLoop(runCtx)
	}()

	e.log.Info().
		Int("queue_size", e.cfg.Queue.Size).
		Str("queue_policy", string(e.cfg.Queue.Policy)).
		Msg("Bridge engine started")
	return nil
}

// Stop shuts the engine down: pumps and consumer exit, pending timers are
// cancelled.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.batcher.Stop()
	e.wg.Wait()
	e.log.Info().Msg("Bridge engine stopped")
}

// pace blocks until the outbound rate budget allows another platform call.
func (e *Engine) pace(ctx context.Context) error {
	return e.pacer.Wait(ctx)
}

// chatEventPump feeds chat-platform events through the gate onto the queue.
// The pump itself never blocks on network I/O.
func (e *Engine) chatEventPump(ctx context.Context) {
	events := e.chat.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				e.log.Warn().Msg("Chat event stream closed")
				return
			}
			if evt == nil {
				continue
			}
			e.handleChatEvent(ctx, evt)
		}
	}
}

func (e *Engine) handleChatEvent(ctx context.Context, evt *ChatEvent) {
	switch evt.Kind {
	case EventMessage:
		e.handleChatMessage(evt.Message)
	case EventMembership:
		e.router.RefreshParticipants(evt.Membership)
	case EventContactChange:
		// Last-writer-wins by arrival order.
		e.store.PutContact(ctx, &ContactMapping{
			Handle:      evt.Contact.Handle,
			DisplayName: evt.Contact.DisplayName,
		})
	case EventCall:
		e.handleCall(evt.Call)
	default:
		e.log.Trace().Str("kind", string(evt.Kind)).Msg("Unhandled chat event kind")
	}
}

// handleChatMessage gates an inbound chat message and enqueues its relay.
func (e *Engine) handleChatMessage(msg *MessageEvent) {
	if msg == nil || msg.ThreadID == "" {
		return
	}

	// Echo prevention: a message whose ID is already cross-referenced is
	// one of our own relays coming back around.
	if _, relayed := e.crossref.Resolve(msg.ID); relayed && msg.FromMe {
		e.log.Trace().Str("message_id", msg.ID).Msg("Skipping relay echo")
		return
	}

	if msg.Ephemeral != nil {
		e.enqueueEphemeral(msg)
		return
	}

	if err := e.gate.CheckInbound(msg.SenderID, "relay"); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.enqueueRateLimitNotice(msg)
		}
		return
	}

	task := &Task{
		Name: "relay-chat-message",
		Run: func(ctx context.Context) error {
			return e.relayChatMessage(ctx, msg)
		},
		OnReject: func() {
			// Busy signal, outside the queue by necessity.
			go e.ackChat(msg, busyAckEmoji)
		},
	}
	if err := e.queue.Enqueue(task); err != nil && !errors.Is(err, ErrQueueFull) {
		e.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to enqueue relay")
	}
}

// relayChatMessage is the consumer-side relay of one chat message: resolve
// the topic, dispatch by variant, record the cross-reference, schedule the
// read receipt.
func (e *Engine) relayChatMessage(ctx context.Context, msg *MessageEvent) error {
	e.store.TouchUser(ctx, msg.SenderID, msg.SenderName, msg.SenderHandle, msg.Timestamp)

	// Reactions and revokes act on the cross-reference only; resolving the
	// topic first would create one just to fail the lookup.
	var topicID int64
	if v := Classify(msg); v != VariantReaction && v != VariantRevoke {
		var err error
		topicID, err = e.topics.GetOrCreate(ctx, msg.ThreadID, msg)
		if err != nil {
			e.ackChat(msg, failureAckEmoji)
			return fmt.Errorf("failed to resolve topic for %s: %w", msg.ThreadID, err)
		}
	}

	if err := e.pace(ctx); err != nil {
		return err
	}
	remoteID, variant, err := e.router.Route(ctx, topicID, msg)
	if err != nil {
		if errors.Is(err, ErrAlreadyHandled) {
			e.log.Debug().Str("message_id", msg.ID).Msg("Revoke already handled")
			return nil
		}
		e.metrics.RelayFailedTotal.WithLabelValues(variant.String()).Inc()
		e.ackChat(msg, failureAckEmoji)
		return fmt.Errorf("relay of %s (%s) failed: %w", msg.ID, variant, err)
	}
	e.metrics.RelayedTotal.WithLabelValues(variant.String()).Inc()

	if remoteID != "" {
		e.crossref.Record(ctx, msg.ID, remoteID, msg.ThreadID)
		e.batcher.ScheduleRead(msg.ThreadID, msg.ID)
	}
	return nil
}

// ackChat attaches a lightweight acknowledgment reaction to the source
// message. Best-effort: failures are only logged.
func (e *Engine) ackChat(msg *MessageEvent, emoji string) {
	ctx := context.Background()
	if err := e.chat.SendReaction(ctx, msg.ThreadID, msg.ID, emoji); err != nil {
		e.log.Debug().Err(err).Str("message_id", msg.ID).Msg("Failed to send ack reaction")
	}
}

// enqueueRateLimitNotice tells the sender they are over budget. Exactly one
// notice per excess action.
func (e *Engine) enqueueRateLimitNotice(msg *MessageEvent) {
	e.metricsSafeEnqueue(&Task{
		Name: "rate-limit-notice",
		Run: func(ctx context.Context) error {
			if err := e.pace(ctx); err != nil {
				return err
			}
			_, err := e.chat.SendText(ctx, msg.ThreadID, "Rate limit exceeded, slow down.", "")
			return Transient("rate limit notice", err)
		},
	})
}

// enqueueEphemeral records a disappearing-messages toggle and posts a notice
// in the topic.
func (e *Engine) enqueueEphemeral(msg *MessageEvent) {
	setting := *msg.Ephemeral
	setting.ThreadID = msg.ThreadID
	e.metricsSafeEnqueue(&Task{
		Name: "ephemeral-toggle",
		Run: func(ctx context.Context) error {
			e.store.PutEphemeral(ctx, &setting)
			mapping := e.store.GetThread(msg.ThreadID)
			if mapping == nil {
				return nil
			}
			state := "off"
			if setting.Enabled {
				state = fmt.Sprintf("on (%ds)", setting.TimerSeconds)
			}
			if err := e.pace(ctx); err != nil {
				return err
			}
			_, err := e.topic.SendText(ctx, mapping.TopicID,
				fmt.Sprintf("<i>Disappearing messages turned %s.</i>", state), "")
			return Transient("ephemeral notice", err)
		},
	})
}

// handleCall posts a de-duplicated call notification into the call-log topic.
func (e *Engine) handleCall(call *CallEvent) {
	if !e.batcher.NoteCall(call.CallID) {
		e.log.Trace().Str("call_id", call.CallID).Msg("Duplicate call event suppressed")
		return
	}
	e.metricsSafeEnqueue(&Task{
		Name: "call-notification",
		Run: func(ctx context.Context) error {
			topicID, err := e.topics.GetOrCreate(ctx, CallLogThreadID, nil)
			if err != nil {
				return fmt.Errorf("failed to resolve call-log topic: %w", err)
			}
			kind := "Voice"
			if call.Video {
				kind = "Video"
			}
			caller := call.CallerName
			if caller == "" {
				caller = FallbackLabel(call.CallerID)
			}
			if err := e.pace(ctx); err != nil {
				return err
			}
			_, err = e.topic.SendText(ctx, topicID,
				fmt.Sprintf("\U0001f4de %s call from <b>%s</b>", kind, html.EscapeString(caller)), "")
			return Transient("call notification", err)
		},
	})
}

// metricsSafeEnqueue enqueues a side-effect task, logging queue rejection
// without any user-visible signal.
func (e *Engine) metricsSafeEnqueue(task *Task) {
	if err := e.queue.Enqueue(task); err != nil {
		e.log.Warn().Err(err).Str("task", task.Name).Msg("Side-effect task not enqueued")
	}
}

// topicEventPump feeds topic-platform events through the gate onto the queue.
func (e *Engine) topicEventPump(ctx context.Context) {
	events := e.topic.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				e.log.Warn().Msg("Topic event stream closed")
				return
			}
			if evt == nil {
				continue
			}
			e.handleTopicEvent(evt)
		}
	}
}

// handleTopicEvent gates a topic-side event (default-deny) and enqueues the
// reverse relay.
func (e *Engine) handleTopicEvent(evt *TopicEvent) {
	action := "relay"
	if evt.Callback != nil {
		action = "command"
	}
	if err := e.gate.Check(evt.SenderID, action); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metricsSafeEnqueue(&Task{
				Name: "rate-limit-notice",
				Run: func(ctx context.Context) error {
					_, serr := e.topic.SendText(ctx, evt.TopicID,
						"<i>Rate limit exceeded, slow down.</i>", evt.MessageID)
					return Transient("rate limit notice", serr)
				},
			})
		}
		// Unauthorized: already logged by the gate, no user-visible reply.
		return
	}

	e.metricsSafeEnqueue(&Task{
		Name: "relay-topic-event",
		Run: func(ctx context.Context) error {
			return e.relayTopicEvent(ctx, evt)
		},
	})
}

// relayTopicEvent is the consumer-side handling of one topic-side event.
func (e *Engine) relayTopicEvent(ctx context.Context, evt *TopicEvent) error {
	if evt.Callback != nil {
		return e.answerCallback(ctx, evt)
	}

	// Delete and reaction events reference an earlier relayed message and
	// carry no usable topic ID, so the thread is resolved through the
	// cross-reference instead of the topic mapping.
	switch {
	case evt.Delete:
		_, err := e.crossref.Invalidate(ctx, evt.MessageID)
		if errors.Is(err, ErrAlreadyHandled) {
			e.log.Debug().Str("message_id", evt.MessageID).Msg("Delete already handled")
			return nil
		}
		return err

	case evt.Reaction != nil:
		target, threadID, ok := e.crossref.ResolveThread(evt.Reaction.TargetID)
		if !ok || threadID == "" {
			return fmt.Errorf("reaction target %s: %w", evt.Reaction.TargetID, ErrNotFound)
		}
		if err := e.pace(ctx); err != nil {
			return err
		}
		return Transient("forward reaction", e.chat.SendReaction(ctx, threadID, target, evt.Reaction.Emoji))
	}

	mapping := e.store.GetThreadByTopic(evt.TopicID)
	if mapping == nil {
		e.log.Debug().Int64("topic_id", evt.TopicID).Msg("Event for unmapped topic, ignoring")
		return nil
	}
	threadID := mapping.ThreadID

	if evt.Text != "" {
		text := topicfmt.ToMarkdown(evt.Text)

		// Mention broadcast runs independently of the relayed text.
		if IsGroupThread(threadID) && HasMentionToken(text) {
			if err := e.router.MentionBroadcast(ctx, threadID); err != nil {
				e.log.Warn().Err(err).Str("thread_id", threadID).Msg("Mention broadcast failed")
			}
		}

		// A reply typed in the topic quotes the paired chat message.
		quotedID := ""
		if evt.ReplyToID != "" {
			if target, ok := e.crossref.Resolve(evt.ReplyToID); ok {
				quotedID = target
			}
		}

		e.batcher.Typing(ctx, threadID)
		if err := e.pace(ctx); err != nil {
			return err
		}
		sentID, err := e.chat.SendText(ctx, threadID, text, quotedID)
		if err != nil {
			return Transient("send to chat", err)
		}
		e.crossref.Record(ctx, sentID, evt.MessageID, threadID)
		mapping.LastActivity = time.Now().UTC()
		e.store.PutThread(ctx, mapping)
	}
	return nil
}

// answerCallback acknowledges an interactive callback press.
func (e *Engine) answerCallback(ctx context.Context, evt *TopicEvent) error {
	text := "Done"
	if evt.Callback.Data == "revoke" {
		// Revoke buttons reference the cross-reference of the pressed
		// message; a consumed pairing reports instead of re-deleting.
		if _, err := e.crossref.Invalidate(ctx, evt.MessageID); errors.Is(err, ErrAlreadyHandled) {
			text = "Already handled"
		}
	}
	return Transient("answer callback", e.topic.AnswerCallback(ctx, evt.Callback.ID, text))
}

// contactSyncLoop periodically refreshes the contact mappings from the chat
// platform's contact book.
func (e *Engine) contactSyncLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Presence.ContactSyncMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.syncContacts(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncContacts(ctx)
		}
	}
}

// syncContacts pulls the contact book and upserts every entry,
// last-writer-wins.
func (e *Engine) syncContacts(ctx context.Context) {
	contacts, err := e.chat.Contacts(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Contact sync failed")
		return
	}
	for i := range contacts {
		c := contacts[i]
		if c.Handle == "" {
			continue
		}
		e.store.PutContact(ctx, &ContactMapping{
			Handle:      c.Handle,
			DisplayName: c.DisplayName,
		})
	}
	e.log.Debug().Int("count", len(contacts)).Msg("Contact sync complete")
}
