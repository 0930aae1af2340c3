// SPDX-License-Identifier: MIT

package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliparino/cliparino/internal/queue"
	"github.com/cliparino/cliparino/internal/twitch"
)

func newShoutoutFixture(cfg ShoutoutConfig) (*ShoutoutService, *fakeHelix, *fakeEngine, *queue.Queue) {
	helix := &fakeHelix{}
	engine := &fakeEngine{}
	q := queue.New()
	s := NewShoutoutService(helix, q, engine, cfg)
	s.pick = func(int) int { return 0 } // deterministic
	return s, helix, engine, q
}

func TestShoutoutExpandsWindowsUntilHit(t *testing.T) {
	s, helix, engine, q := newShoutoutFixture(ShoutoutConfig{})
	helix.user = twitch.User{ID: "55", Login: "friend"}
	// Day and week windows empty, month window has a clip.
	helix.windows = [][]twitch.Clip{
		nil,
		nil,
		{{ID: "monthly", Title: "From last month", CreatedAt: time.Now().AddDate(0, 0, -20)}},
	}

	require.NoError(t, s.Shoutout(context.Background(), "friend"))

	assert.Len(t, helix.afters, 3, "stopped at the first non-empty window")
	require.Equal(t, 1, q.Count())
	head, _ := q.Peek()
	assert.Equal(t, "monthly", head.Clip.ID)
	assert.Equal(t, queue.SourceShoutout, head.Source)
	assert.Equal(t, 1, engine.plays)
}

func TestShoutoutNoClipsAnywhere(t *testing.T) {
	s, helix, _, q := newShoutoutFixture(ShoutoutConfig{})
	helix.user = twitch.User{ID: "55"}

	err := s.Shoutout(context.Background(), "friend")

	assert.ErrorIs(t, err, ErrNoClips)
	assert.Equal(t, 5, len(helix.afters), "all five windows tried")
	assert.Equal(t, 0, q.Count())
}

func TestShoutoutFiltersLengthAndAge(t *testing.T) {
	s, helix, _, q := newShoutoutFixture(ShoutoutConfig{
		MaxClipSeconds: 60,
		MaxClipAgeDays: 30,
	})
	helix.user = twitch.User{ID: "55"}
	now := time.Now()
	helix.windows = [][]twitch.Clip{
		{
			{ID: "too-long", Duration: 120, CreatedAt: now.AddDate(0, 0, -1)},
			{ID: "too-old", Duration: 20, CreatedAt: now.AddDate(0, 0, -90)},
			{ID: "just-right", Duration: 20, CreatedAt: now.AddDate(0, 0, -1)},
		},
	}

	require.NoError(t, s.Shoutout(context.Background(), "friend"))

	head, _ := q.Peek()
	assert.Equal(t, "just-right", head.Clip.ID)
}

func TestShoutoutPrefersFeaturedClips(t *testing.T) {
	s, helix, _, q := newShoutoutFixture(ShoutoutConfig{UseFeaturedFirst: true})
	helix.user = twitch.User{ID: "55"}
	now := time.Now()
	helix.windows = [][]twitch.Clip{
		{
			{ID: "plain", CreatedAt: now, FeaturedKnown: true, IsFeatured: false},
			{ID: "featured", CreatedAt: now, FeaturedKnown: true, IsFeatured: true},
		},
	}

	require.NoError(t, s.Shoutout(context.Background(), "friend"))

	head, _ := q.Peek()
	assert.Equal(t, "featured", head.Clip.ID)
}

func TestShoutoutFeaturedFallbackByViewCount(t *testing.T) {
	// Older Helix responses omit is_featured; 100+ views stands in.
	s, helix, _, q := newShoutoutFixture(ShoutoutConfig{UseFeaturedFirst: true})
	helix.user = twitch.User{ID: "55"}
	now := time.Now()
	helix.windows = [][]twitch.Clip{
		{
			{ID: "quiet", CreatedAt: now, ViewCount: 3},
			{ID: "popular", CreatedAt: now, ViewCount: 250},
		},
	}

	require.NoError(t, s.Shoutout(context.Background(), "friend"))

	head, _ := q.Peek()
	assert.Equal(t, "popular", head.Clip.ID)
}

func TestShoutoutMessageAndNativeShoutout(t *testing.T) {
	s, helix, _, _ := newShoutoutFixture(ShoutoutConfig{
		EnableMessage:      true,
		MessageTemplate:    "Go follow {broadcaster}, last seen playing {game}!",
		SendTwitchShoutout: true,
		BroadcasterID:      "me",
		BotUserID:          "bot",
	})
	helix.user = twitch.User{ID: "55", Login: "friend"}
	helix.info = twitch.ChannelInfo{BroadcasterName: "Friend", GameName: "Tetris"}
	helix.windows = [][]twitch.Clip{{{ID: "clip", CreatedAt: time.Now()}}}

	require.NoError(t, s.Shoutout(context.Background(), "friend"))

	require.Len(t, helix.sent, 1)
	assert.Equal(t, "Go follow Friend, last seen playing Tetris!", helix.sent[0])
	require.Len(t, helix.shouted, 1)
	assert.Equal(t, [2]string{"me", "55"}, helix.shouted[0])
}

func TestShoutoutMessageDisabled(t *testing.T) {
	s, helix, _, _ := newShoutoutFixture(ShoutoutConfig{
		MessageTemplate: "never sent",
	})
	helix.user = twitch.User{ID: "55"}
	helix.windows = [][]twitch.Clip{{{ID: "clip", CreatedAt: time.Now()}}}

	require.NoError(t, s.Shoutout(context.Background(), "friend"))

	assert.Empty(t, helix.sent)
	assert.Empty(t, helix.shouted)
}
