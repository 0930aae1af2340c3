// SPDX-License-Identifier: MIT

// Package queue provides the FIFO clip queue and the last-played slot
// shared between the command router and the playback engine.
package queue

import (
	"sync"
	"time"

	"github.com/cliparino/cliparino/internal/metrics"
	"github.com/cliparino/cliparino/internal/twitch"
)

// Source tags how a clip entered the queue.
type Source string

const (
	SourceWatch    Source = "watch"
	SourceShoutout Source = "shoutout"
	SourceReplay   Source = "replay"
	SourceSearch   Source = "search"
)

// Entry wraps a clip with its queue bookkeeping. FailureCount only ever
// increments, on playback-start failure; at three failures the engine
// quarantines the entry.
type Entry struct {
	Clip         twitch.Clip
	Source       Source
	EnqueuedAt   time.Time
	FailureCount int
	// Priority is reserved for a future shoutout fast lane; nothing reads it.
	Priority int
}

// Queue is a strict-FIFO clip queue plus the last-played slot. Safe under
// concurrent producers and a single consumer.
type Queue struct {
	mu         sync.Mutex
	entries    []Entry
	lastPlayed *twitch.Clip
	now        func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{now: time.Now}
}

// Enqueue appends a clip and returns the resulting queue length.
func (q *Queue) Enqueue(clip twitch.Clip, source Source) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, Entry{Clip: clip, Source: source, EnqueuedAt: q.now()})
	metrics.QueueDepth.Set(float64(len(q.entries)))
	return len(q.entries)
}

// EnqueueFront puts an existing entry back at the head, preserving its
// failure count. Used for retry-after-failure and replay.
func (q *Queue) EnqueueFront(entry Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]Entry{entry}, q.entries...)
	metrics.QueueDepth.Set(float64(len(q.entries)))
	return len(q.entries)
}

// Dequeue removes and returns the head entry.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	metrics.QueueDepth.Set(float64(len(q.entries)))
	return head, true
}

// Peek returns the head entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Count returns the current queue length.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// LastPlayed returns the most recently completed clip, or nil before the
// first successful playback. The slot is independent of the queue and
// survives stop.
func (q *Queue) LastPlayed() *twitch.Clip {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastPlayed == nil {
		return nil
	}
	cp := *q.lastPlayed
	return &cp
}

// SetLastPlayed atomically replaces the last-played slot.
func (q *Queue) SetLastPlayed(clip twitch.Clip) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastPlayed = &clip
}
