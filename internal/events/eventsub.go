// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cliparino/cliparino/internal/log"
)

const (
	// DefaultEventSubURL is Twitch's EventSub WebSocket endpoint.
	DefaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

	// welcomeTimeout bounds the wait for the session_welcome frame.
	welcomeTimeout = 10 * time.Second

	// keepaliveSlack is added to the negotiated keepalive interval before
	// a silent connection counts as dead.
	keepaliveSlack = 5 * time.Second
)

// ErrSessionReconnect signals that Twitch asked us to reconnect; the
// coordinator restarts the source.
var ErrSessionReconnect = errors.New("eventsub: session reconnect requested")

// Subscriber creates EventSub subscriptions bound to a WebSocket session.
// Satisfied by *twitch.Client.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) error
}

// EventSubSource streams chat and raid events over Twitch's EventSub
// WebSocket transport.
type EventSubSource struct {
	URL           string // defaults to DefaultEventSubURL
	Subscriber    Subscriber
	BroadcasterID string
	// UserID is the authenticated chatter the chat subscription reads as.
	UserID string

	dialer *websocket.Dialer
}

// NewEventSubSource creates the primary transport.
func NewEventSubSource(sub Subscriber, broadcasterID, userID string) *EventSubSource {
	return &EventSubSource{
		URL:           DefaultEventSubURL,
		Subscriber:    sub,
		BroadcasterID: broadcasterID,
		UserID:        userID,
		dialer:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (s *EventSubSource) Name() string { return "eventsub" }

type eventSubFrame struct {
	Metadata struct {
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload struct {
		Session struct {
			ID                      string `json:"id"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		} `json:"session"`
		Subscription struct {
			Type string `json:"type"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

type chatMessageEvent struct {
	ChatterUserID   string `json:"chatter_user_id"`
	ChatterUserName string `json:"chatter_user_name"`
	BroadcasterID   string `json:"broadcaster_user_id"`
	Message         struct {
		Text string `json:"text"`
	} `json:"message"`
	Badges []struct {
		SetID string `json:"set_id"`
	} `json:"badges"`
}

type raidEvent struct {
	FromUserName string `json:"from_broadcaster_user_name"`
	ToUserName   string `json:"to_broadcaster_user_name"`
	Viewers      int    `json:"viewers"`
}

// Run connects, subscribes, and streams until the socket dies or the
// context is cancelled.
func (s *EventSubSource) Run(ctx context.Context, out chan<- Event, ready func()) error {
	logger := log.WithComponentFromContext(ctx, "eventsub")

	conn, _, err := s.dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("eventsub dial: %w", err)
	}
	defer conn.Close()

	// Unblock reads promptly on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	frame, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("eventsub welcome: %w", err)
	}
	if frame.Metadata.MessageType != "session_welcome" {
		return fmt.Errorf("eventsub: expected session_welcome, got %q", frame.Metadata.MessageType)
	}
	sessionID := frame.Payload.Session.ID
	keepalive := time.Duration(frame.Payload.Session.KeepaliveTimeoutSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}

	if err := s.subscribe(ctx, sessionID); err != nil {
		return err
	}
	logger.Info().
		Str("event", "eventsub.connected").
		Str("session_id", sessionID).
		Msg("eventsub session established")
	ready()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(keepalive + keepaliveSlack))
		frame, err := readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("eventsub read: %w", err)
		}

		switch frame.Metadata.MessageType {
		case "session_keepalive":
			// Deadline already refreshed.

		case "session_reconnect":
			return ErrSessionReconnect

		case "revocation":
			return fmt.Errorf("eventsub: subscription %q revoked", frame.Payload.Subscription.Type)

		case "notification":
			ev, ok := normalizeNotification(frame)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *EventSubSource) subscribe(ctx context.Context, sessionID string) error {
	chatCond := map[string]string{
		"broadcaster_user_id": s.BroadcasterID,
		"user_id":             s.UserID,
	}
	if err := s.Subscriber.CreateEventSubSubscription(ctx, "channel.chat.message", "1", chatCond, sessionID); err != nil {
		return fmt.Errorf("subscribe chat: %w", err)
	}

	raidCond := map[string]string{"to_broadcaster_user_id": s.BroadcasterID}
	if err := s.Subscriber.CreateEventSubSubscription(ctx, "channel.raid", "1", raidCond, sessionID); err != nil {
		return fmt.Errorf("subscribe raid: %w", err)
	}
	return nil
}

func normalizeNotification(frame eventSubFrame) (Event, bool) {
	switch frame.Payload.Subscription.Type {
	case "channel.chat.message":
		var ev chatMessageEvent
		if err := json.Unmarshal(frame.Payload.Event, &ev); err != nil {
			return Event{}, false
		}
		badges := make([]string, 0, len(ev.Badges))
		for _, b := range ev.Badges {
			badges = append(badges, b.SetID)
		}
		return Event{Chat: &ChatMessage{
			User:      ev.ChatterUserName,
			UserID:    ev.ChatterUserID,
			ChannelID: ev.BroadcasterID,
			Text:      ev.Message.Text,
			Badges:    badges,
		}}, true

	case "channel.raid":
		var ev raidEvent
		if err := json.Unmarshal(frame.Payload.Event, &ev); err != nil {
			return Event{}, false
		}
		return Event{Raid: &Raid{
			FromUser:    ev.FromUserName,
			ToUser:      ev.ToUserName,
			ViewerCount: ev.Viewers,
		}}, true
	}
	return Event{}, false
}

func readFrame(conn *websocket.Conn) (eventSubFrame, error) {
	var frame eventSubFrame
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return frame, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
