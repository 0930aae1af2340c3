// SPDX-License-Identifier: MIT

package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/queue"
	"github.com/cliparino/cliparino/internal/twitch"
)

// ErrNoClips means no clip of the target channel passed the filters in any
// search window.
var ErrNoClips = errors.New("shoutout: no matching clips")

// shoutoutWindows are the expanding lookback windows, in days. The first
// window with a usable clip wins.
var shoutoutWindows = []int{1, 7, 30, 90, 365}

// ShoutoutConfig mirrors the Shoutout.* configuration keys.
type ShoutoutConfig struct {
	EnableMessage bool
	// MessageTemplate supports {broadcaster} and {game}.
	MessageTemplate string
	// UseFeaturedFirst prefers featured clips within a window.
	UseFeaturedFirst bool
	// MaxClipSeconds filters clips longer than this.
	MaxClipSeconds float64
	// MaxClipAgeDays filters clips older than this.
	MaxClipAgeDays int
	// SendTwitchShoutout additionally fires the native /shoutout.
	SendTwitchShoutout bool

	// BroadcasterID and BotUserID identify our channel and the sending
	// account for outbound Helix calls.
	BroadcasterID string
	BotUserID     string
}

// ShoutoutService picks and plays a clip of another channel.
type ShoutoutService struct {
	helix  Helix
	queue  *queue.Queue
	engine Engine
	cfg    ShoutoutConfig

	now  func() time.Time
	pick func(n int) int
}

// NewShoutoutService wires the !so pipeline.
func NewShoutoutService(helix Helix, q *queue.Queue, engine Engine, cfg ShoutoutConfig) *ShoutoutService {
	return &ShoutoutService{
		helix:  helix,
		queue:  q,
		engine: engine,
		cfg:    cfg,
		now:    time.Now,
		pick:   rand.Intn,
	}
}

// Shoutout resolves the login, picks a clip from the first non-empty
// window, optionally announces it, and enqueues it for playback.
func (s *ShoutoutService) Shoutout(ctx context.Context, login string) error {
	logger := log.WithComponentFromContext(ctx, "shoutout")

	user, err := s.helix.GetBroadcasterIDByLogin(ctx, login)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", login, err)
	}

	clip, err := s.pickClip(ctx, user.ID)
	if err != nil {
		return err
	}

	if s.cfg.EnableMessage && s.cfg.MessageTemplate != "" {
		if err := s.announce(ctx, user); err != nil {
			// The clip still plays if chat output fails.
			logger.Warn().Err(err).Str("event", "shoutout.announce_failed").Msg("shoutout message not sent")
		}
	}

	if s.cfg.SendTwitchShoutout {
		if err := s.helix.SendShoutout(ctx, s.cfg.BroadcasterID, user.ID); err != nil {
			logger.Warn().Err(err).Str("event", "shoutout.native_failed").Msg("native shoutout not sent")
		}
	}

	s.queue.Enqueue(clip, queue.SourceShoutout)
	s.engine.Play()
	logger.Info().
		Str("event", "shoutout.queued").
		Str("login", login).
		Str("clip_id", clip.ID).
		Msg("shoutout clip queued")
	return nil
}

// pickClip walks the expanding windows and returns a random clip from the
// first window with survivors.
func (s *ShoutoutService) pickClip(ctx context.Context, broadcasterID string) (twitch.Clip, error) {
	now := s.now()
	for _, days := range shoutoutWindows {
		after := now.AddDate(0, 0, -days)
		clips, err := s.helix.GetClipsForBroadcaster(ctx, broadcasterID, after, 100)
		if err != nil {
			return twitch.Clip{}, fmt.Errorf("list clips: %w", err)
		}

		pool := s.filter(clips, now)
		if len(pool) == 0 {
			continue
		}

		if s.cfg.UseFeaturedFirst {
			if featured := featuredOnly(pool); len(featured) > 0 {
				pool = featured
			}
		}
		return pool[s.pick(len(pool))], nil
	}
	return twitch.Clip{}, ErrNoClips
}

func (s *ShoutoutService) filter(clips []twitch.Clip, now time.Time) []twitch.Clip {
	maxAge := time.Duration(s.cfg.MaxClipAgeDays) * 24 * time.Hour
	var out []twitch.Clip
	for _, c := range clips {
		if s.cfg.MaxClipSeconds > 0 && c.Duration > s.cfg.MaxClipSeconds {
			continue
		}
		if maxAge > 0 && now.Sub(c.CreatedAt) > maxAge {
			continue
		}
		out = append(out, c)
	}
	return out
}

func featuredOnly(clips []twitch.Clip) []twitch.Clip {
	var out []twitch.Clip
	for _, c := range clips {
		if c.Featured() {
			out = append(out, c)
		}
	}
	return out
}

// announce renders the template and sends it to our chat.
func (s *ShoutoutService) announce(ctx context.Context, user twitch.User) error {
	info, err := s.helix.GetChannelInfo(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("channel info: %w", err)
	}

	text := strings.NewReplacer(
		"{broadcaster}", info.BroadcasterName,
		"{game}", info.GameName,
	).Replace(s.cfg.MessageTemplate)

	return s.helix.SendChatMessage(ctx, s.cfg.BroadcasterID, s.cfg.BotUserID, text)
}
