// SPDX-License-Identifier: MIT

package twitch

import (
	"net/url"
	"regexp"
	"strings"
)

// slugPattern matches the clip slug shapes Twitch generates. Historic slugs
// are CamelCase words; newer ones append a dash and a random suffix.
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ParseClipID extracts a clip slug from a raw chat token. Accepted shapes:
//
//	<slug>
//	https://clips.twitch.tv/<slug>
//	https://www.twitch.tv/<channel>/clip/<slug>
//	https://m.twitch.tv/clip/<slug>
//
// Anything else returns ErrMalformedURL without touching the network.
func ParseClipID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMalformedURL
	}

	if !strings.Contains(raw, "/") && !strings.Contains(raw, ".") {
		if slugPattern.MatchString(raw) {
			return raw, nil
		}
		return "", ErrMalformedURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrMalformedURL
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrMalformedURL
	}

	host := strings.ToLower(u.Hostname())
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")

	var slug string
	switch host {
	case "clips.twitch.tv":
		if len(segments) == 1 {
			slug = segments[0]
		}
	case "www.twitch.tv", "twitch.tv":
		// /<channel>/clip/<slug>
		if len(segments) == 3 && segments[1] == "clip" {
			slug = segments[2]
		}
	case "m.twitch.tv":
		// /clip/<slug> or /<channel>/clip/<slug>
		if len(segments) == 2 && segments[0] == "clip" {
			slug = segments[1]
		} else if len(segments) == 3 && segments[1] == "clip" {
			slug = segments[2]
		}
	}

	if slug == "" || !slugPattern.MatchString(slug) {
		return "", ErrMalformedURL
	}
	return slug, nil
}
