// SPDX-License-Identifier: MIT

package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliparino/cliparino/internal/queue"
	"github.com/cliparino/cliparino/internal/twitch"
)

type fakePlayer struct {
	mu          sync.Mutex
	urls        []string
	visible     bool
	failURLs    int // fail the next N SetURL calls
	hadDeadline bool
}

func (p *fakePlayer) SetURL(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failURLs > 0 {
		p.failURLs--
		return errors.New("obs not reachable")
	}
	p.urls = append(p.urls, url)
	return nil
}

func (p *fakePlayer) SetVisible(ctx context.Context, visible bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, p.hadDeadline = ctx.Deadline()
	p.visible = visible
	return nil
}

func (p *fakePlayer) lastCtxHadDeadline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hadDeadline
}

func (p *fakePlayer) urlList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.urls))
	copy(out, p.urls)
	return out
}

func (p *fakePlayer) isVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

func (p *fakePlayer) setFailures(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failURLs = n
}

type fakeResponder struct {
	mu    sync.Mutex
	lines []string
}

func (r *fakeResponder) respond(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
}

func (r *fakeResponder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func testClip(id string) twitch.Clip {
	return twitch.Clip{ID: id, Title: "clip " + id, Duration: 0.001}
}

func buildTestURL(id string) string { return "http://localhost:8080/player?clip=" + id }

// newTestEngine starts an engine with fast test timings. tweak runs before
// the engine goroutine starts, so tests can adjust timings race-free.
func newTestEngine(t *testing.T, player Player, respond Responder, tweak func(*Engine)) (*Engine, *queue.Queue) {
	t.Helper()
	q := queue.New()
	e := NewEngine(q, player, buildTestURL, respond)
	e.minPlay = 10 * time.Millisecond
	e.maxPlay = 30 * time.Millisecond
	e.dwell = 10 * time.Millisecond
	if tweak != nil {
		tweak(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()
	return e, q
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlaysQueuedClipToCompletion(t *testing.T) {
	player := &fakePlayer{}
	e, q := newTestEngine(t, player, nil, nil)

	q.Enqueue(testClip("abc"), queue.SourceWatch)
	e.Play()

	waitFor(t, func() bool { return q.LastPlayed() != nil }, "clip never completed")
	assert.Equal(t, "abc", q.LastPlayed().ID)

	waitFor(t, func() bool { return e.State() == StateIdle }, "engine did not return to idle")
	urls := player.urlList()
	require.GreaterOrEqual(t, len(urls), 2)
	assert.Equal(t, buildTestURL("abc"), urls[0])
	assert.Equal(t, blankURL, urls[len(urls)-1])
	assert.False(t, player.isVisible(), "source hidden after completion")
}

func TestDrainsQueueInOrder(t *testing.T) {
	player := &fakePlayer{}
	e, q := newTestEngine(t, player, nil, nil)

	q.Enqueue(testClip("one"), queue.SourceWatch)
	q.Enqueue(testClip("two"), queue.SourceWatch)
	q.Enqueue(testClip("three"), queue.SourceWatch)
	e.Play()

	waitFor(t, func() bool {
		last := q.LastPlayed()
		return last != nil && last.ID == "three" && e.State() == StateIdle
	}, "queue never drained")

	var played []string
	for _, u := range player.urlList() {
		if u != blankURL {
			played = append(played, u)
		}
	}
	assert.Equal(t, []string{buildTestURL("one"), buildTestURL("two"), buildTestURL("three")}, played)
}

func TestStopIsIdempotentAndKeepsQueue(t *testing.T) {
	player := &fakePlayer{}
	e, q := newTestEngine(t, player, nil, func(e *Engine) {
		// Keep the clip "playing" for the whole test.
		e.minPlay = time.Hour
		e.maxPlay = 2 * time.Hour
	})

	q.Enqueue(testClip("abc"), queue.SourceWatch)
	q.Enqueue(testClip("def"), queue.SourceWatch)
	e.Play()

	waitFor(t, func() bool { return e.State() == StatePlaying }, "clip never started")

	e.Stop()
	waitFor(t, func() bool { return e.State() == StateStopped }, "engine did not stop")
	assert.False(t, player.isVisible())
	assert.Nil(t, q.LastPlayed(), "stopped clip must not become last played")
	assert.Equal(t, 1, q.Count(), "queue preserved across stop")

	e.Stop() // second stop is a no-op
	assert.Equal(t, StateStopped, e.State())

	// Play resumes from the queue.
	e.Play()
	waitFor(t, func() bool { return e.State() == StatePlaying }, "engine did not resume")
}

func TestReplayWithNothingPlayed(t *testing.T) {
	player := &fakePlayer{}
	responder := &fakeResponder{}
	e, _ := newTestEngine(t, player, responder.respond, nil)

	e.Replay()

	waitFor(t, func() bool { return len(responder.all()) > 0 }, "no replay response")
	assert.Contains(t, responder.all()[0], "Nothing to replay")
	assert.Equal(t, StateIdle, e.State())
}

func TestReplayLastPlayed(t *testing.T) {
	player := &fakePlayer{}
	e, q := newTestEngine(t, player, nil, nil)

	q.Enqueue(testClip("abc"), queue.SourceWatch)
	e.Play()
	waitFor(t, func() bool {
		return q.LastPlayed() != nil && e.State() == StateIdle
	}, "first play never finished")

	e.Replay()

	waitFor(t, func() bool {
		count := 0
		for _, u := range player.urlList() {
			if u == buildTestURL("abc") {
				count++
			}
		}
		return count == 2
	}, "replay never loaded the clip again")
}

func TestQuarantineAfterThreeFailures(t *testing.T) {
	player := &fakePlayer{}
	player.setFailures(100)
	responder := &fakeResponder{}
	e, q := newTestEngine(t, player, responder.respond, nil)

	q.Enqueue(testClip("broken"), queue.SourceWatch)
	e.Play()

	waitFor(t, func() bool {
		for _, line := range responder.all() {
			if line == "Skipping clip, try again later" {
				return true
			}
		}
		return false
	}, "quarantine apology never sent")

	waitFor(t, func() bool { return e.State() == StateIdle }, "engine did not settle")
	assert.Equal(t, 0, q.Count(), "quarantined clip must not remain queued")
	assert.Nil(t, q.LastPlayed(), "failed clip must not become last played")
}

func TestObsDisconnectRequeuesCurrentClip(t *testing.T) {
	player := &fakePlayer{}
	e, q := newTestEngine(t, player, nil, func(e *Engine) {
		e.minPlay = time.Hour
		e.maxPlay = 2 * time.Hour
		e.dwell = time.Hour // hold in cooldown so the requeued head is observable
	})

	q.Enqueue(testClip("abc"), queue.SourceWatch)
	e.Play()
	waitFor(t, func() bool { return e.State() == StatePlaying }, "clip never started")

	e.NotifyObsConnState(false)

	waitFor(t, func() bool { return e.State() == StateCooldown }, "engine did not enter cooldown")
	head, ok := q.Peek()
	require.True(t, ok, "interrupted clip requeued at head")
	assert.Equal(t, "abc", head.Clip.ID)
	assert.Equal(t, 1, head.FailureCount)
	assert.Nil(t, q.LastPlayed())
}

func TestShutdownHideIsBounded(t *testing.T) {
	player := &fakePlayer{}
	e := NewEngine(queue.New(), player, buildTestURL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.True(t, player.lastCtxHadDeadline(), "shutdown hide must carry a deadline")
	assert.False(t, player.isVisible())
}

func TestFullInboxDropsWithoutBlocking(t *testing.T) {
	// No Run goroutine: the inbox fills up and overflow must not block.
	e := NewEngine(queue.New(), &fakePlayer{}, buildTestURL, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*commandBuffer; i++ {
			e.Play()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posting to a full inbox blocked")
	}
	assert.Equal(t, commandBuffer, len(e.cmds))
}

func TestPlayDurationClamps(t *testing.T) {
	e := NewEngine(queue.New(), &fakePlayer{}, buildTestURL, nil)

	assert.Equal(t, 32*time.Second, e.playDuration(0), "zero duration falls back to the 30s default")
	assert.Equal(t, 32*time.Second, e.playDuration(-5))
	assert.Equal(t, 5*time.Second, e.playDuration(1), "short clips clamp to the floor")
	assert.Equal(t, 300*time.Second, e.playDuration(3600), "long clips clamp to the ceiling")
	assert.Equal(t, 12*time.Second, e.playDuration(10))
}
