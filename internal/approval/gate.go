// SPDX-License-Identifier: MIT

// Package approval coordinates chat-driven moderator approval for searched
// clips. Requests live in memory and expire on a periodic sweep.
package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/metrics"
	"github.com/cliparino/cliparino/internal/twitch"
)

// Verdict is a terminal resolution for a pending request.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictDenied   Verdict = "denied"
)

var (
	ErrUnknownRequest = errors.New("approval: no pending request with that id")
	ErrExpired        = errors.New("approval: request expired")
	ErrNotAuthorized  = errors.New("approval: sender is not a broadcaster or moderator")
)

// DefaultTimeout bounds how long a request may stay pending.
const DefaultTimeout = 30 * time.Second

// sweepInterval is how often expired entries are collected.
const sweepInterval = 5 * time.Second

// Request is one pending approval.
type Request struct {
	ID        string
	Clip      twitch.Clip
	Requester string
	ExpiresAt time.Time
}

// Gate is the pending-request registry. All operations are atomic; a
// request reaches exactly one terminal state.
type Gate struct {
	mu      sync.Mutex
	pending map[string]Request
	now     func() time.Time
	newID   func() string
}

// NewGate creates an empty approval gate.
func NewGate() *Gate {
	return &Gate{
		pending: make(map[string]Request),
		now:     time.Now,
		newID:   shortID,
	}
}

// shortID returns an id short enough to type in chat.
func shortID() string {
	return strings.Split(uuid.NewString(), "-")[0]
}

// Open registers a request and returns its id and deadline. The caller is
// responsible for announcing the id in chat.
func (g *Gate) Open(clip twitch.Clip, requester string, timeout time.Duration) (string, time.Time) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.newID()
	for _, exists := g.pending[id]; exists; _, exists = g.pending[id] {
		id = g.newID()
	}
	deadline := g.now().Add(timeout)
	g.pending[id] = Request{ID: id, Clip: clip, Requester: requester, ExpiresAt: deadline}
	return id, deadline
}

// Resolve terminally settles a pending request. privileged reflects the
// actor's badge check done by the router; unprivileged actors cannot
// resolve anything. Approved resolutions return the stored clip.
func (g *Gate) Resolve(id string, verdict Verdict, actor string, privileged bool) (twitch.Clip, error) {
	if !privileged {
		return twitch.Clip{}, ErrNotAuthorized
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.pending[id]
	if !ok {
		return twitch.Clip{}, ErrUnknownRequest
	}
	if g.now().After(req.ExpiresAt) {
		delete(g.pending, id)
		metrics.ApprovalsTotal.WithLabelValues("expired").Inc()
		return twitch.Clip{}, ErrExpired
	}

	delete(g.pending, id)
	metrics.ApprovalsTotal.WithLabelValues(string(verdict)).Inc()
	logger := log.WithComponent("approval")
	logger.Info().
		Str("event", "approval.resolved").
		Str("id", id).
		Str("verdict", string(verdict)).
		Str("actor", actor).
		Str("clip_id", req.Clip.ID).
		Msg("approval request resolved")

	if verdict == VerdictApproved {
		return req.Clip, nil
	}
	return twitch.Clip{}, nil
}

// Pending returns the number of live requests.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Sweep drops every request past its expiry and returns how many were
// removed.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for id, req := range g.pending {
		if now.After(req.ExpiresAt) {
			delete(g.pending, id)
			removed++
			metrics.ApprovalsTotal.WithLabelValues("expired").Inc()
		}
	}
	return removed
}

// Run sweeps periodically until the context is cancelled.
func (g *Gate) Run(ctx context.Context) error {
	logger := log.WithComponent("approval")
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				logger.Debug().Str("event", "approval.swept").Int("expired", n).Msg("expired approval requests removed")
			}
		}
	}
}
