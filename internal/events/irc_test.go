// SPDX-License-Identifier: MIT

package events

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct{ token string }

func (f fakeTokens) Token(context.Context) (string, error) { return f.token, nil }
func (f fakeTokens) Refresh(context.Context) error         { return nil }

// mockIRC accepts one connection, records inbound lines, and replays the
// scripted lines once the client joins.
func mockIRC(t *testing.T, script []string) (addr string, received <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	lines := make(chan string, 32)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			line := sc.Text()
			select {
			case lines <- line:
			default:
			}
			if strings.HasPrefix(line, "JOIN ") {
				for _, out := range script {
					fmt.Fprintf(conn, "%s\r\n", out)
				}
			}
		}
	}()
	return ln.Addr().String(), lines
}

func collectLines(received <-chan string, want func(string) bool, timeout time.Duration) (string, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case line := <-received:
			if want(line) {
				return line, true
			}
		case <-deadline:
			return "", false
		}
	}
}

func TestIRCHandshakeEventsAndPing(t *testing.T) {
	script := []string{
		`@badges=broadcaster/1,subscriber/12;display-name=Alice;room-id=7;user-id=42 :alice!alice@alice.tmi.twitch.tv PRIVMSG #streamer :!stop`,
		`@msg-id=raid;msg-param-displayName=Bob;msg-param-viewerCount=23 :tmi.twitch.tv USERNOTICE #streamer :raid incoming`,
		`PING :tmi.twitch.tv`,
	}
	addr, received := mockIRC(t, script)

	src := NewIRCSource(fakeTokens{token: "tok"}, "cliparino", "streamer")
	src.Addr = addr
	out, errc, _ := runSource(t, src)

	_, ok := collectLines(received, func(l string) bool { return l == "PASS oauth:tok" }, 2*time.Second)
	assert.True(t, ok, "PASS with oauth prefix sent")
	_, ok = collectLines(received, func(l string) bool { return l == "CAP REQ :twitch.tv/tags twitch.tv/commands" }, 2*time.Second)
	assert.True(t, ok, "capabilities requested")

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
	assert.Equal(t, "!stop", got[0].Chat.Text)
	assert.Equal(t, []string{"broadcaster", "subscriber"}, got[0].Chat.Badges)

	require.NotNil(t, got[1].Raid)
	assert.Equal(t, "Bob", got[1].Raid.FromUser)
	assert.Equal(t, "streamer", got[1].Raid.ToUser)
	assert.Equal(t, 23, got[1].Raid.ViewerCount)

	_, ok = collectLines(received, func(l string) bool { return l == "PONG :tmi.twitch.tv" }, 2*time.Second)
	assert.True(t, ok, "PING answered with PONG")
}

func TestIRCAuthFailure(t *testing.T) {
	addr, _ := mockIRC(t, []string{`:tmi.twitch.tv NOTICE * :Login authentication failed`})

	src := NewIRCSource(fakeTokens{token: "bad"}, "cliparino", "streamer")
	src.Addr = addr
	_, errc, _ := runSource(t, src)

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
	case <-time.After(2 * time.Second):
		t.Fatal("source did not surface the auth failure")
	}
}

func TestParseIRCLine(t *testing.T) {
	msg := parseIRCLine(`@display-name=A\sB;empty= :a!a@a.tmi.twitch.tv PRIVMSG #chan :hello world`)
	assert.Equal(t, "PRIVMSG", msg.command)
	assert.Equal(t, []string{"#chan"}, msg.params)
	assert.Equal(t, "hello world", msg.trailing)
	assert.Equal(t, "A B", msg.tags["display-name"], "tag escapes decoded")
	assert.Equal(t, "A B", msg.displayName())

	ping := parseIRCLine("PING :tmi.twitch.tv")
	assert.Equal(t, "PING", ping.command)
	assert.Equal(t, "tmi.twitch.tv", ping.trailing)
}

func TestParseBadges(t *testing.T) {
	assert.Nil(t, parseBadges(""))
	assert.Equal(t, []string{"broadcaster", "vip"}, parseBadges("broadcaster/1,vip/1"))
}
