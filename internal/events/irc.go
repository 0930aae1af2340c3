// SPDX-License-Identifier: MIT

package events

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/twitch"
)

const (
	// DefaultIRCAddr is Twitch's plaintext chat endpoint.
	DefaultIRCAddr = "irc.chat.twitch.tv:6667"

	// ircReadTimeout bounds silence on the socket; Twitch pings roughly
	// every five minutes.
	ircReadTimeout = 6 * time.Minute
)

// IRCSource is the fallback chat transport.
type IRCSource struct {
	Addr    string // defaults to DefaultIRCAddr
	Tokens  twitch.TokenProvider
	Nick    string
	Channel string // channel login, without leading '#'
}

// NewIRCSource creates the fallback transport joined to the broadcaster's
// channel.
func NewIRCSource(tokens twitch.TokenProvider, nick, channel string) *IRCSource {
	return &IRCSource{
		Addr:    DefaultIRCAddr,
		Tokens:  tokens,
		Nick:    nick,
		Channel: strings.TrimPrefix(channel, "#"),
	}
}

func (s *IRCSource) Name() string { return "irc" }

// Run connects, authenticates, joins, and streams until the socket dies or
// the context is cancelled.
func (s *IRCSource) Run(ctx context.Context, out chan<- Event, ready func()) error {
	logger := log.WithComponentFromContext(ctx, "irc")

	token, err := s.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("irc token: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("irc dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	w := bufio.NewWriter(conn)
	send := func(line string) error {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			return err
		}
		return w.Flush()
	}

	for _, line := range []string{
		"PASS oauth:" + token,
		"NICK " + s.Nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"JOIN #" + s.Channel,
	} {
		if err := send(line); err != nil {
			return fmt.Errorf("irc handshake: %w", err)
		}
	}
	logger.Info().Str("event", "irc.connected").Str("channel", s.Channel).Msg("irc joined")
	ready()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(ircReadTimeout))
		if !scanner.Scan() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("irc read: %w", err)
			}
			return fmt.Errorf("irc: connection closed")
		}

		msg := parseIRCLine(scanner.Text())
		switch msg.command {
		case "PING":
			if err := send("PONG :" + msg.trailing); err != nil {
				return fmt.Errorf("irc pong: %w", err)
			}

		case "NOTICE":
			// Login failures arrive as a NOTICE before the server closes.
			if strings.Contains(msg.trailing, "authentication failed") {
				return fmt.Errorf("irc: %s", msg.trailing)
			}

		case "PRIVMSG":
			ev := Event{Chat: &ChatMessage{
				User:      msg.displayName(),
				UserID:    msg.tags["user-id"],
				ChannelID: msg.tags["room-id"],
				Text:      msg.trailing,
				Badges:    parseBadges(msg.tags["badges"]),
			}}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}

		case "USERNOTICE":
			if msg.tags["msg-id"] != "raid" {
				continue
			}
			viewers, _ := strconv.Atoi(msg.tags["msg-param-viewerCount"])
			ev := Event{Raid: &Raid{
				FromUser:    msg.tags["msg-param-displayName"],
				ToUser:      s.Channel,
				ViewerCount: viewers,
			}}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ircMessage is one parsed line: @tags :prefix COMMAND params :trailing
type ircMessage struct {
	tags     map[string]string
	prefix   string
	command  string
	params   []string
	trailing string
}

// displayName prefers the display-name tag, falling back to the nick from
// the prefix.
func (m ircMessage) displayName() string {
	if name := m.tags["display-name"]; name != "" {
		return name
	}
	if i := strings.IndexByte(m.prefix, '!'); i > 0 {
		return m.prefix[:i]
	}
	return m.prefix
}

func parseIRCLine(line string) ircMessage {
	msg := ircMessage{tags: map[string]string{}}

	if strings.HasPrefix(line, "@") {
		rawTags, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return msg
		}
		for _, tag := range strings.Split(rawTags, ";") {
			key, value, _ := strings.Cut(tag, "=")
			msg.tags[key] = unescapeTag(value)
		}
		line = rest
	}

	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return msg
		}
		msg.prefix = prefix
		line = rest
	}

	if body, trailing, ok := strings.Cut(line, " :"); ok {
		msg.trailing = trailing
		line = body
	}

	fields := strings.Fields(line)
	if len(fields) > 0 {
		msg.command = fields[0]
		msg.params = fields[1:]
	}
	return msg
}

// unescapeTag reverses IRCv3 tag-value escaping.
func unescapeTag(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i == len(v)-1 {
			b.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// parseBadges extracts badge set ids from "broadcaster/1,subscriber/12".
func parseBadges(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	badges := make([]string, 0, len(parts))
	for _, p := range parts {
		set, _, _ := strings.Cut(p, "/")
		if set != "" {
			badges = append(badges, set)
		}
	}
	return badges
}
