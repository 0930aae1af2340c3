// SPDX-License-Identifier: MIT

// Package router parses chat commands and drives the playback, approval,
// search, and shoutout pipelines.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cliparino/cliparino/internal/approval"
	"github.com/cliparino/cliparino/internal/events"
	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/metrics"
	"github.com/cliparino/cliparino/internal/queue"
	"github.com/cliparino/cliparino/internal/twitch"
)

// Engine is the playback surface the router drives.
type Engine interface {
	Play()
	Stop()
	Replay()
}

// Helix covers the Twitch API calls the router and shoutout pipeline make.
// Satisfied by *twitch.Client.
type Helix interface {
	GetClipByURL(ctx context.Context, raw string) (twitch.Clip, error)
	GetBroadcasterIDByLogin(ctx context.Context, login string) (twitch.User, error)
	GetClipsForBroadcaster(ctx context.Context, broadcasterID string, after time.Time, maxCount int) ([]twitch.Clip, error)
	GetChannelInfo(ctx context.Context, broadcasterID string) (twitch.ChannelInfo, error)
	SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error
	SendShoutout(ctx context.Context, fromID, toID string) error
}

// Searcher finds the best clip for free-text terms. Satisfied by
// *search.Service.
type Searcher interface {
	Best(ctx context.Context, broadcasterID, query string) (twitch.Clip, bool, error)
}

// Responder sends one short line to chat.
type Responder func(ctx context.Context, text string)

// Options tune the router.
type Options struct {
	// ExemptRoles skip the approval gate on search requests. Defaults to
	// broadcaster and moderator.
	ExemptRoles []string
	// ApprovalTimeout overrides the gate's default expiry.
	ApprovalTimeout time.Duration
	// DisableApproval turns the gate off entirely; search results enqueue
	// directly for everyone.
	DisableApproval bool
}

// Router dispatches parsed commands. Helix-bound commands run on short
// spawned goroutines so a slow API call never blocks event intake.
type Router struct {
	helix    Helix
	queue    *queue.Queue
	engine   Engine
	gate     *approval.Gate
	searcher Searcher
	shoutout *ShoutoutService
	respond  Responder

	exempt          map[string]struct{}
	approvalTimeout time.Duration
	disableApproval bool

	wg sync.WaitGroup
}

// NewRouter wires the command surface together. respond may be nil.
func NewRouter(helix Helix, q *queue.Queue, engine Engine, gate *approval.Gate, searcher Searcher, shoutout *ShoutoutService, respond Responder, opts Options) *Router {
	roles := opts.ExemptRoles
	if roles == nil {
		roles = []string{"broadcaster", "moderator"}
	}
	exempt := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		exempt[strings.ToLower(r)] = struct{}{}
	}

	timeout := opts.ApprovalTimeout
	if timeout <= 0 {
		timeout = approval.DefaultTimeout
	}

	return &Router{
		helix:           helix,
		queue:           q,
		engine:          engine,
		gate:            gate,
		searcher:        searcher,
		shoutout:        shoutout,
		respond:         respond,
		exempt:          exempt,
		approvalTimeout: timeout,
		disableApproval: opts.DisableApproval,
	}
}

// Run consumes the coordinator's event stream until the context is
// cancelled, then waits for in-flight command handlers.
func (r *Router) Run(ctx context.Context, in <-chan events.Event) error {
	defer r.wg.Wait()
	logger := log.WithComponentFromContext(ctx, "router")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-in:
			switch {
			case ev.Chat != nil:
				r.HandleMessage(ctx, ev.Chat)
			case ev.Raid != nil:
				logger.Info().
					Str("event", "router.raid").
					Str("from", ev.Raid.FromUser).
					Int("viewers", ev.Raid.ViewerCount).
					Msg("incoming raid")
			}
		}
	}
}

// HandleMessage parses one chat line. Non-commands are ignored silently.
func (r *Router) HandleMessage(ctx context.Context, msg *events.ChatMessage) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return
	}
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "!"))
	args := fields[1:]

	switch verb {
	case "watch":
		r.handleWatch(ctx, msg, args)
	case "stop":
		r.engine.Stop()
		metrics.CommandsTotal.WithLabelValues("stop", "accepted").Inc()
	case "replay":
		r.engine.Replay()
		metrics.CommandsTotal.WithLabelValues("replay", "accepted").Inc()
	case "so", "shoutout":
		r.handleShoutout(ctx, args)
	case "approve":
		r.handleResolve(ctx, msg, args, approval.VerdictApproved)
	case "deny":
		r.handleResolve(ctx, msg, args, approval.VerdictDenied)
	}
}

func (r *Router) handleWatch(ctx context.Context, msg *events.ChatMessage, args []string) {
	if len(args) == 0 {
		r.reply(ctx, "Usage: !watch <clip url> or !watch @<broadcaster> <search terms>")
		metrics.CommandsTotal.WithLabelValues("watch", "rejected").Inc()
		return
	}

	if strings.HasPrefix(args[0], "@") {
		broadcaster := strings.TrimPrefix(args[0], "@")
		terms := strings.Join(args[1:], " ")
		if broadcaster == "" || terms == "" {
			r.reply(ctx, "Usage: !watch @<broadcaster> <search terms>")
			metrics.CommandsTotal.WithLabelValues("watch", "rejected").Inc()
			return
		}
		r.spawn(ctx, func(ctx context.Context) { r.watchSearch(ctx, msg, broadcaster, terms) })
		return
	}

	raw := args[0]
	r.spawn(ctx, func(ctx context.Context) { r.watchDirect(ctx, raw) })
}

// watchDirect resolves a URL or bare clip id and enqueues it.
func (r *Router) watchDirect(ctx context.Context, raw string) {
	clip, err := r.helix.GetClipByURL(ctx, raw)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("watch", "error").Inc()
		switch {
		case errors.Is(err, twitch.ErrMalformedURL):
			r.reply(ctx, "That doesn't look like a Twitch clip link")
		case errors.Is(err, twitch.ErrNotFound):
			r.reply(ctx, "Couldn't find that clip")
		default:
			r.reply(ctx, "Twitch isn't answering right now, try again in a bit")
		}
		return
	}

	r.queue.Enqueue(clip, queue.SourceWatch)
	r.engine.Play()
	metrics.CommandsTotal.WithLabelValues("watch", "accepted").Inc()
}

// watchSearch finds the best clip for the terms and either enqueues it
// directly (exempt roles) or opens an approval request.
func (r *Router) watchSearch(ctx context.Context, msg *events.ChatMessage, broadcaster, terms string) {
	user, err := r.helix.GetBroadcasterIDByLogin(ctx, broadcaster)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("watch", "error").Inc()
		if errors.Is(err, twitch.ErrNotFound) {
			r.reply(ctx, fmt.Sprintf("No Twitch channel named %s", broadcaster))
		} else {
			r.reply(ctx, "Twitch isn't answering right now, try again in a bit")
		}
		return
	}

	clip, found, err := r.searcher.Best(ctx, user.ID, terms)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("watch", "error").Inc()
		r.reply(ctx, "Clip search failed, try again in a bit")
		return
	}
	if !found {
		metrics.CommandsTotal.WithLabelValues("watch", "rejected").Inc()
		r.reply(ctx, fmt.Sprintf("No clip of %s matching %q", broadcaster, terms))
		return
	}

	if r.disableApproval || r.isExempt(msg) {
		r.queue.Enqueue(clip, queue.SourceSearch)
		r.engine.Play()
		metrics.CommandsTotal.WithLabelValues("watch", "accepted").Inc()
		return
	}

	id, _ := r.gate.Open(clip, msg.User, r.approvalTimeout)
	metrics.ApprovalsTotal.WithLabelValues("opened").Inc()
	metrics.CommandsTotal.WithLabelValues("watch", "pending").Inc()
	r.reply(ctx, fmt.Sprintf("@%s wants to play: %s (%.0fs). Type !approve %s or !deny %s",
		msg.User, clip.Title, clip.Duration, id, id))
}

func (r *Router) handleShoutout(ctx context.Context, args []string) {
	if len(args) != 1 {
		r.reply(ctx, "Usage: !so <channel>")
		metrics.CommandsTotal.WithLabelValues("so", "rejected").Inc()
		return
	}
	login := strings.ToLower(strings.TrimPrefix(args[0], "@"))
	r.spawn(ctx, func(ctx context.Context) {
		if err := r.shoutout.Shoutout(ctx, login); err != nil {
			metrics.CommandsTotal.WithLabelValues("so", "error").Inc()
			if errors.Is(err, ErrNoClips) {
				r.reply(ctx, fmt.Sprintf("No recent clips found for %s", login))
			} else if errors.Is(err, twitch.ErrNotFound) {
				r.reply(ctx, fmt.Sprintf("No Twitch channel named %s", login))
			} else {
				r.reply(ctx, "Shoutout failed, try again in a bit")
			}
			return
		}
		metrics.CommandsTotal.WithLabelValues("so", "accepted").Inc()
	})
}

func (r *Router) handleResolve(ctx context.Context, msg *events.ChatMessage, args []string, verdict approval.Verdict) {
	verb := "approve"
	if verdict == approval.VerdictDenied {
		verb = "deny"
	}
	if len(args) != 1 {
		r.reply(ctx, fmt.Sprintf("Usage: !%s <id>", verb))
		metrics.CommandsTotal.WithLabelValues(verb, "rejected").Inc()
		return
	}

	privileged := msg.HasBadge("broadcaster") || msg.HasBadge("moderator")
	clip, err := r.gate.Resolve(args[0], verdict, msg.User, privileged)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(verb, "rejected").Inc()
		switch {
		case errors.Is(err, approval.ErrNotAuthorized):
			r.reply(ctx, "Only the broadcaster or moderators can do that")
		case errors.Is(err, approval.ErrExpired):
			r.reply(ctx, "That request has expired")
		default:
			r.reply(ctx, "No pending request with that id")
		}
		return
	}

	metrics.CommandsTotal.WithLabelValues(verb, "accepted").Inc()
	if verdict == approval.VerdictApproved {
		metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
		r.queue.Enqueue(clip, queue.SourceSearch)
		r.engine.Play()
		r.reply(ctx, fmt.Sprintf("Queued: %s", clip.Title))
	} else {
		metrics.ApprovalsTotal.WithLabelValues("denied").Inc()
	}
}

// isExempt reports whether the sender's badges skip the approval gate.
func (r *Router) isExempt(msg *events.ChatMessage) bool {
	for _, b := range msg.Badges {
		if _, ok := r.exempt[strings.ToLower(b)]; ok {
			return true
		}
	}
	return false
}

// spawn runs a Helix-bound handler off the intake loop.
func (r *Router) spawn(ctx context.Context, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
}

func (r *Router) reply(ctx context.Context, text string) {
	if r.respond != nil {
		r.respond(ctx, text)
	}
}
