// SPDX-License-Identifier: MIT

// Package events provides the two chat transports (EventSub WebSocket and
// IRC) behind one event stream, plus the coordinator that fails over
// between them.
package events

import "context"

// ChatMessage is a normalized chat line from either transport.
type ChatMessage struct {
	User      string
	UserID    string
	ChannelID string
	Text      string
	// Badges holds badge set ids, e.g. "broadcaster", "moderator".
	Badges []string
}

// Raid is an incoming raid notification.
type Raid struct {
	FromUser    string
	ToUser      string
	ViewerCount int
}

// Event is a tagged variant: exactly one field is non-nil.
type Event struct {
	Chat *ChatMessage
	Raid *Raid
}

// HasBadge reports whether the message carries the given badge set id.
func (m *ChatMessage) HasBadge(id string) bool {
	for _, b := range m.Badges {
		if b == id {
			return true
		}
	}
	return false
}

// Source is one chat transport. Run connects, calls ready once the
// transport is established, and streams events until failure or
// cancellation.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Event, ready func()) error
}
