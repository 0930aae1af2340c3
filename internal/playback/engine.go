// SPDX-License-Identifier: MIT

// Package playback owns the single-player state machine: it consumes the
// clip queue, drives the OBS browser source, and quarantines clips that
// repeatedly fail to start.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/metrics"
	"github.com/cliparino/cliparino/internal/queue"
)

// State is the engine's playback state.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StatePlaying  State = "playing"
	StateCooldown State = "cooldown"
	StateStopped  State = "stopped"
)

// Player is the slim OBS view the engine drives.
type Player interface {
	SetURL(ctx context.Context, url string) error
	SetVisible(ctx context.Context, visible bool) error
}

// Responder sends a short line to chat. May be nil when no chat channel is
// configured.
type Responder func(ctx context.Context, text string)

const (
	// maxFailures quarantines an entry after this many playback-start
	// failures.
	maxFailures = 3

	// commandBuffer bounds the engine inbox. Chat is lossy by nature:
	// overflow drops the command with a warning.
	commandBuffer = 32

	defaultClipSeconds = 30.0
	playBuffer         = 2 * time.Second
	minPlayDuration    = 5 * time.Second
	maxPlayDuration    = 300 * time.Second
	cooldownDwell      = 1 * time.Second

	// shutdownHideTimeout bounds the final hide so an unresponsive OBS
	// cannot hold up process shutdown.
	shutdownHideTimeout = 2 * time.Second

	blankURL = "about:blank"
)

type commandKind int

const (
	cmdPlay commandKind = iota
	cmdStop
	cmdReplay
	cmdObsDown
	cmdObsUp
)

type command struct {
	kind commandKind
}

// URLBuilder renders the player URL for a clip id.
type URLBuilder func(clipID string) string

// Engine is the playback state machine. Exactly one goroutine (Run)
// executes transitions; external callers only post commands.
type Engine struct {
	queue    *queue.Queue
	player   Player
	buildURL URLBuilder
	respond  Responder

	cmds chan command

	mu      sync.Mutex
	state   State
	current *queue.Entry

	// Test seams; production uses the package defaults.
	minPlay time.Duration
	maxPlay time.Duration
	dwell   time.Duration
}

// NewEngine creates an engine over the shared queue. respond may be nil.
func NewEngine(q *queue.Queue, player Player, buildURL URLBuilder, respond Responder) *Engine {
	return &Engine{
		queue:    q,
		player:   player,
		buildURL: buildURL,
		respond:  respond,
		cmds:     make(chan command, commandBuffer),
		state:    StateIdle,
		minPlay:  minPlayDuration,
		maxPlay:  maxPlayDuration,
		dwell:    cooldownDwell,
	}
}

// State returns the current playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Play asks the engine to start consuming the queue.
func (e *Engine) Play() { e.post(command{kind: cmdPlay}) }

// Stop halts current playback. The queue is left untouched.
func (e *Engine) Stop() { e.post(command{kind: cmdStop}) }

// Replay re-enqueues the last played clip at the head of the queue.
func (e *Engine) Replay() { e.post(command{kind: cmdReplay}) }

// NotifyObsConnState feeds OBS connection transitions into the engine.
func (e *Engine) NotifyObsConnState(up bool) {
	if up {
		e.post(command{kind: cmdObsUp})
	} else {
		e.post(command{kind: cmdObsDown})
	}
}

func (e *Engine) post(c command) {
	select {
	case e.cmds <- c:
	default:
		logger := log.WithComponent("playback")
		logger.Warn().
			Str("event", "playback.inbox_full").
			Int("kind", int(c.kind)).
			Msg("engine inbox full, dropping command")
	}
}

// Run executes the state machine until the context is cancelled. It is the
// single consumer of the command channel; no other goroutine mutates state.
func (e *Engine) Run(ctx context.Context) error {
	logger := log.WithComponentFromContext(ctx, "playback")

	var timerC <-chan time.Time
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	arm := func(d time.Duration) {
		timer.Reset(d)
		timerC = timer.C
	}
	disarm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			disarm()
			hideCtx, cancel := context.WithTimeout(context.Background(), shutdownHideTimeout)
			e.hidePlayer(hideCtx)
			cancel()
			return ctx.Err()

		case c := <-e.cmds:
			switch c.kind {
			case cmdPlay:
				if e.State() == StateIdle || e.State() == StateStopped {
					e.startNext(ctx, arm)
				}

			case cmdStop:
				switch e.State() {
				case StatePlaying, StateLoading, StateCooldown:
					disarm()
					e.hidePlayer(ctx)
					e.clearCurrent()
					e.setState(StateStopped)
					logger.Info().Str("event", "playback.stopped").Msg("playback stopped")
				case StateStopped:
					// Stop is idempotent.
				}

			case cmdReplay:
				e.handleReplay(ctx, arm)

			case cmdObsDown:
				if e.State() == StatePlaying || e.State() == StateLoading {
					disarm()
					entry := e.takeCurrent()
					if entry != nil {
						entry.FailureCount++
						e.requeueOrQuarantine(ctx, *entry, "obs disconnected")
					}
					e.setState(StateCooldown)
					arm(e.dwell)
				}

			case cmdObsUp:
				// An explicit Stop survives an OBS reconnect.
				if e.State() == StateIdle {
					e.startNext(ctx, arm)
				}
			}

		case <-timerC:
			timerC = nil
			switch e.State() {
			case StatePlaying:
				// Clip ran to completion.
				entry := e.takeCurrent()
				e.hidePlayer(ctx)
				if entry != nil {
					e.queue.SetLastPlayed(entry.Clip)
					metrics.ClipsPlayedTotal.WithLabelValues(string(entry.Source)).Inc()
					logger.Info().
						Str("event", "playback.finished").
						Str("clip_id", entry.Clip.ID).
						Msg("clip finished")
				}
				e.setState(StateCooldown)
				arm(e.dwell)

			case StateCooldown:
				e.setState(StateIdle)
				if e.queue.Count() > 0 {
					e.startNext(ctx, arm)
				}
			}
		}
	}
}

// startNext dequeues and attempts to start the head entry. Transitions
// Idle/Stopped -> Loading -> Playing, or handles the failure path.
func (e *Engine) startNext(ctx context.Context, arm func(time.Duration)) {
	logger := log.WithComponentFromContext(ctx, "playback")

	entry, ok := e.queue.Dequeue()
	if !ok {
		return
	}

	e.setState(StateLoading)
	e.setCurrent(&entry)
	logger.Info().
		Str("event", "playback.loading").
		Str("clip_id", entry.Clip.ID).
		Str("source", string(entry.Source)).
		Msg("loading clip")

	if err := e.player.SetURL(ctx, e.buildURL(entry.Clip.ID)); err != nil {
		e.failLoading(ctx, arm, err.Error())
		return
	}
	if err := e.player.SetVisible(ctx, true); err != nil {
		e.failLoading(ctx, arm, err.Error())
		return
	}

	e.setState(StatePlaying)
	arm(e.playDuration(entry.Clip.Duration))
	logger.Info().
		Str("event", "playback.playing").
		Str("clip_id", entry.Clip.ID).
		Float64("duration_s", entry.Clip.Duration).
		Msg("clip playing")
}

func (e *Engine) failLoading(ctx context.Context, arm func(time.Duration), reason string) {
	entry := e.takeCurrent()
	if entry != nil {
		entry.FailureCount++
		e.requeueOrQuarantine(ctx, *entry, reason)
	}
	e.setState(StateCooldown)
	arm(e.dwell)
}

// requeueOrQuarantine returns a failed entry to the head of the queue, or
// drops it after maxFailures. Quarantine is in-memory only.
func (e *Engine) requeueOrQuarantine(ctx context.Context, entry queue.Entry, reason string) {
	logger := log.WithComponentFromContext(ctx, "playback")

	if entry.FailureCount < maxFailures {
		e.queue.EnqueueFront(entry)
		logger.Warn().
			Str("event", "playback.start_failed").
			Str("clip_id", entry.Clip.ID).
			Int("failures", entry.FailureCount).
			Str("reason", reason).
			Msg("clip failed to start, requeued at head")
		return
	}

	metrics.ClipsQuarantinedTotal.Inc()
	logger.Error().
		Str("event", "playback.quarantined").
		Str("clip_id", entry.Clip.ID).
		Int("failures", entry.FailureCount).
		Str("reason", reason).
		Msg("clip quarantined after repeated failures")
	if e.respond != nil {
		e.respond(ctx, "Skipping clip, try again later")
	}
}

// handleReplay puts the last played clip at the head of the queue. When
// the engine is busy the replay runs after the current clip.
func (e *Engine) handleReplay(ctx context.Context, arm func(time.Duration)) {
	logger := log.WithComponentFromContext(ctx, "playback")

	last := e.queue.LastPlayed()
	if last == nil {
		logger.Info().Str("event", "playback.replay_empty").Msg("replay requested with nothing played yet")
		if e.respond != nil {
			e.respond(ctx, "Nothing to replay yet")
		}
		return
	}

	e.queue.EnqueueFront(queue.Entry{
		Clip:       *last,
		Source:     queue.SourceReplay,
		EnqueuedAt: time.Now(),
	})
	logger.Info().Str("event", "playback.replay").Str("clip_id", last.ID).Msg("replaying last clip")

	if e.State() == StateIdle || e.State() == StateStopped {
		e.startNext(ctx, arm)
	}
}

func (e *Engine) playDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		seconds = defaultClipSeconds
	}
	d := time.Duration(seconds*1000)*time.Millisecond + playBuffer
	if d < e.minPlay {
		d = e.minPlay
	}
	if d > e.maxPlay {
		d = e.maxPlay
	}
	return d
}

// hidePlayer blanks and hides the source; errors are logged, not fatal.
func (e *Engine) hidePlayer(ctx context.Context) {
	logger := log.WithComponentFromContext(ctx, "playback")
	if err := e.player.SetVisible(ctx, false); err != nil {
		logger.Warn().Err(err).Str("event", "playback.hide_failed").Msg("could not hide browser source")
	}
	if err := e.player.SetURL(ctx, blankURL); err != nil {
		logger.Warn().Err(err).Str("event", "playback.blank_failed").Msg("could not blank browser source")
	}
}

func (e *Engine) setCurrent(entry *queue.Entry) {
	e.mu.Lock()
	e.current = entry
	e.mu.Unlock()
}

func (e *Engine) takeCurrent() *queue.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.current
	e.current = nil
	return entry
}

func (e *Engine) clearCurrent() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}
