// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSubscriber struct {
	mu    sync.Mutex
	types []string
	sess  string
}

func (f *fakeSubscriber) CreateEventSubSubscription(_ context.Context, subType, _ string, _ map[string]string, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, subType)
	f.sess = sessionID
	return nil
}

func (f *fakeSubscriber) subscribed() ([]string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.types))
	copy(out, f.types)
	return out, f.sess
}

// mockEventSub serves the session_welcome frame and then the scripted
// frames, closing the socket afterwards.
func mockEventSub(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		welcome := `{"metadata":{"message_type":"session_welcome"},"payload":{"session":{"id":"sess-1","keepalive_timeout_seconds":10}}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(welcome)); err != nil {
			return
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold briefly so the client drains before the close.
		time.Sleep(50 * time.Millisecond)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func runSource(t *testing.T, src Source) (<-chan Event, <-chan error, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 16)
	errc := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errc <- src.Run(ctx, out, func() {})
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("source did not stop on cancellation")
		}
	})
	return out, errc, cancel
}

func TestEventSubNormalizesNotifications(t *testing.T) {
	chat := `{"metadata":{"message_type":"notification"},"payload":{"subscription":{"type":"channel.chat.message"},` +
		`"event":{"chatter_user_id":"42","chatter_user_name":"Alice","broadcaster_user_id":"7",` +
		`"message":{"text":"!watch abc"},"badges":[{"set_id":"moderator"},{"set_id":"subscriber"}]}}}`
	raid := `{"metadata":{"message_type":"notification"},"payload":{"subscription":{"type":"channel.raid"},` +
		`"event":{"from_broadcaster_user_name":"Bob","to_broadcaster_user_name":"Streamer","viewers":42}}}`
	keepalive := `{"metadata":{"message_type":"session_keepalive"},"payload":{}}`

	server := mockEventSub(t, []string{keepalive, chat, raid})
	subs := &fakeSubscriber{}
	src := NewEventSubSource(subs, "7", "99")
	src.URL = wsURL(server)

	out, errc, _ := runSource(t, src)

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-out:
			got = append(got, ev)
		case err := <-errc:
			t.Fatalf("source died early: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}

	require.NotNil(t, got[0].Chat)
	assert.Equal(t, "Alice", got[0].Chat.User)
	assert.Equal(t, "42", got[0].Chat.UserID)
	assert.Equal(t, "7", got[0].Chat.ChannelID)
	assert.Equal(t, "!watch abc", got[0].Chat.Text)
	assert.True(t, got[0].Chat.HasBadge("moderator"))

	require.NotNil(t, got[1].Raid)
	assert.Equal(t, "Bob", got[1].Raid.FromUser)
	assert.Equal(t, 42, got[1].Raid.ViewerCount)

	types, sess := subs.subscribed()
	assert.Equal(t, []string{"channel.chat.message", "channel.raid"}, types)
	assert.Equal(t, "sess-1", sess)
}

func TestEventSubReconnectRequest(t *testing.T) {
	reconnect := `{"metadata":{"message_type":"session_reconnect"},"payload":{"session":{"reconnect_url":"wss://elsewhere"}}}`
	server := mockEventSub(t, []string{reconnect})
	src := NewEventSubSource(&fakeSubscriber{}, "7", "99")
	src.URL = wsURL(server)

	_, errc, _ := runSource(t, src)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSessionReconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not return on reconnect request")
	}
}

func TestEventSubSocketCloseIsFatal(t *testing.T) {
	server := mockEventSub(t, nil)
	src := NewEventSubSource(&fakeSubscriber{}, "7", "99")
	src.URL = wsURL(server)

	_, errc, _ := runSource(t, src)

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not return after socket close")
	}
}
