// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateWindow is one fixed-window counter for a (user, action) pair.
type rateWindow struct {
	start time.Time
	count int
}

// Gate is the access control gate: default-deny authorization (owner plus
// allow list, minus block list) followed by per-user fixed-window rate
// limiting. Authorization is checked strictly before rate limiting;
// unauthorized requests never mutate a counter.
type Gate struct {
	log     zerolog.Logger
	metrics *Metrics
	limit   RateLimitConfig
	clock   func() time.Time

	mu      sync.RWMutex
	owner   string
	allow   map[string]struct{}
	block   map[string]struct{}
	windows map[rateKey]*rateWindow
}

type rateKey struct {
	userID string
	action string
}

// NewGate builds a gate from the configured authorization set.
func NewGate(access AccessConfig, limit RateLimitConfig, metrics *Metrics, log zerolog.Logger) *Gate {
	g := &Gate{
		log:     log.With().Str("component", "gate").Logger(),
		metrics: metrics,
		limit:   limit,
		clock:   time.Now,
		owner:   access.Owner,
		allow:   make(map[string]struct{}, len(access.Allow)),
		block:   make(map[string]struct{}, len(access.Block)),
		windows: make(map[rateKey]*rateWindow),
	}
	for _, id := range access.Allow {
		g.allow[id] = struct{}{}
	}
	for _, id := range access.Block {
		g.block[id] = struct{}{}
	}
	return g
}

// IsAuthorized reports whether userID may use the bridge: the owner or an
// allow-listed ID, and not block-listed.
func (g *Gate) IsAuthorized(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, blocked := g.block[userID]; blocked {
		return false
	}
	if userID == g.owner {
		return true
	}
	_, ok := g.allow[userID]
	return ok
}

// CheckRateLimit applies the fixed-window counter for (userID, action). The
// first request after a window expires resets it (count=1, new start); a
// request inside the window increments and is allowed while the count stays
// within the budget.
func (g *Gate) CheckRateLimit(userID, action string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	key := rateKey{userID: userID, action: action}
	w := g.windows[key]
	if w == nil || now.Sub(w.start) > g.limit.Window() {
		g.windows[key] = &rateWindow{start: now, count: 1}
		return nil
	}
	w.count++
	if w.count > g.limit.MaxCount {
		g.metrics.RateLimitedTotal.Inc()
		return ErrRateLimited
	}
	return nil
}

// Check runs the full gate: authorization first, then rate limiting.
// An unauthorized user is logged and dropped without touching the counter.
func (g *Gate) Check(userID, action string) error {
	if !g.IsAuthorized(userID) {
		g.metrics.UnauthorizedTotal.Inc()
		g.log.Debug().Str("user_id", userID).Str("action", action).
			Msg("Dropping event from unauthorized user")
		return ErrNotAuthorized
	}
	return g.CheckRateLimit(userID, action)
}

// CheckInbound gates chat-side counterparties. They do not command the
// bridge, so the allow list does not apply; the block list and the rate
// limiter do.
func (g *Gate) CheckInbound(userID, action string) error {
	g.mu.RLock()
	_, blocked := g.block[userID]
	g.mu.RUnlock()
	if blocked {
		g.metrics.UnauthorizedTotal.Inc()
		g.log.Debug().Str("user_id", userID).Str("action", action).
			Msg("Dropping event from block-listed sender")
		return ErrNotAuthorized
	}
	return g.CheckRateLimit(userID, action)
}

// Allow adds userID to the allow list.
func (g *Gate) Allow(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allow[userID] = struct{}{}
	g.log.Info().Str("user_id", userID).Msg("User allow-listed")
}

// Block adds userID to the block list. Block entries override allow entries.
func (g *Gate) Block(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.block[userID] = struct{}{}
	g.log.Info().Str("user_id", userID).Msg("User block-listed")
}

// Unblock removes userID from the block list.
func (g *Gate) Unblock(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.block, userID)
	g.log.Info().Str("user_id", userID).Msg("User unblocked")
}

// Snapshot returns a copy of the current authorization set for the admin API.
func (g *Gate) Snapshot() (owner string, allow, block []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	allow = make([]string, 0, len(g.allow))
	for id := range g.allow {
		allow = append(allow, id)
	}
	block = make([]string, 0, len(g.block))
	for id := range g.block {
		block = append(block, id)
	}
	return g.owner, allow, block
}
