// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"
)

// WithChatTimeout wraps a ChatClient so every call carries an explicit
// deadline. Timeouts surface as context.DeadlineExceeded, which the engine
// classifies as transient.
func WithChatTimeout(inner ChatClient, timeout time.Duration) ChatClient {
	return &chatTimeout{inner: inner, timeout: timeout}
}

type chatTimeout struct {
	inner   ChatClient
	timeout time.Duration
}

func (c *chatTimeout) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *chatTimeout) SendText(ctx context.Context, threadID, text, quotedID string) (string, error) {
	ctx, cancel := c.scope(ctx)
	defer cancel()
	return c.inner.SendText(ctx, threadID, text, quotedID)
}

func (c *chatTimeout) SendReaction(ctx context.Context, threadID, messageID, emoji string) error {
	ctx, cancel := c.scope(ctx)
	defer cancel()
	return c.inner.SendReaction(ctx, threadID, messageID, emoji)
}

func (c *chatTimeout) DownloadMedia(ctx context.Context, ref *MediaRef) ([]byte, error) {
	ctx, cancel := c.scope(ctx)
	defer cancel()
	return c.inner.DownloadMedia(ctx, ref)
}

func (c *chatTimeout) MarkRead(ctx context.Context, threadID string, messageIDs []string) error {
	ctx, cancel := c.scope(ctx)
	defer cancel()
	return c.inner.MarkRead(ctx, threadID, messageIDs)
}

func (c *chatTimeout) SendPresence(ctx context.Context, threadID string, typing bool) error {
	ctx, cancel := c.scope(ctx)
	defer cancel()
	return c.inner.SendPresence(ctx, threadID, typing)
}

func (c *chatTimeout) GroupMetadata(ctx context.Context, threadID string) (*GroupInfo, error) {
	ctx, cancel := c.scope(ctx)
	defer cancel()
	return c.inner.GroupMetadata(ctx, threadID)
}

func (c *chatTimeout) Contacts(ctx context.Context) ([]Contact, error) {
	ctx, cancel := c.scope(ctx)
	defer cancel()
	return c.inner.Contacts(ctx)
}

func (c *chatTimeout) Events() <-chan *ChatEvent {
	return c.inner.Events()
}

// WithTopicTimeout wraps a TopicClient the same way.
func WithTopicTimeout(inner TopicClient, timeout time.Duration) TopicClient {
	return &topicTimeout{inner: inner, timeout: timeout}
}

type topicTimeout struct {
	inner   TopicClient
	timeout time.Duration
}

func (t *topicTimeout) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

func (t *topicTimeout) CreateTopic(ctx context.Context, name, icon string) (int64, error) {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	return t.inner.CreateTopic(ctx, name, icon)
}

func (t *topicTimeout) ProbeTopic(ctx context.Context, topicID int64) error {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	return t.inner.ProbeTopic(ctx, topicID)
}

func (t *topicTimeout) SendText(ctx context.Context, topicID int64, html, replyTo string) (string, error) {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	return t.inner.SendText(ctx, topicID, html, replyTo)
}

func (t *topicTimeout) SendMedia(ctx context.Context, topicID int64, media *OutgoingMedia) (string, error) {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	return t.inner.SendMedia(ctx, topicID, media)
}

func (t *topicTimeout) React(ctx context.Context, messageID, emoji string) error {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	return t.inner.React(ctx, messageID, emoji)
}

func (t *topicTimeout) Pin(ctx context.Context, messageID string) error {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	return t.inner.Pin(ctx, messageID)
}

func (t *topicTimeout) DeleteMessage(ctx context.Context, messageID string) error {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	return t.inner.DeleteMessage(ctx, messageID)
}

func (t *topicTimeout) AnswerCallback(ctx context.Context, callbackID, text string) error {
	ctx, cancel := t.scope(ctx)
	defer cancel()
	return t.inner.AnswerCallback(ctx, callbackID, text)
}

func (t *topicTimeout) Events() <-chan *TopicEvent {
	return t.inner.Events()
}
