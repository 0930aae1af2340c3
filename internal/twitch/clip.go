// SPDX-License-Identifier: MIT

// Package twitch provides the typed Helix client and the clip data model
// consumed by the playback core.
package twitch

import "time"

// Clip is the atomic playback unit. Instances are immutable once resolved;
// the queue and the last-played slot hold references, never copies that
// mutate.
type Clip struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	EmbedURL        string  `json:"embed_url"`
	BroadcasterID   string  `json:"broadcaster_id"`
	BroadcasterName string  `json:"broadcaster_name"`
	CreatorName     string  `json:"creator_name"`
	GameID          string  `json:"game_id"`
	GameName        string  `json:"game_name,omitempty"`
	Title           string  `json:"title"`
	Duration        float64 `json:"duration"`
	ViewCount       int     `json:"view_count"`
	IsFeatured      bool    `json:"is_featured"`
	// FeaturedKnown records whether the Helix response carried the
	// is_featured field at all. Older responses omit it.
	FeaturedKnown bool      `json:"featured_known,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Featured reports whether the clip should be treated as featured. When the
// Helix response did not carry the flag, clips with at least 100 views count
// as featured.
func (c Clip) Featured() bool {
	if c.FeaturedKnown {
		return c.IsFeatured
	}
	return c.ViewCount >= 100
}

// User is a resolved Twitch account.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// ChannelInfo is the broadcaster display name and current category.
type ChannelInfo struct {
	BroadcasterID   string `json:"broadcaster_id"`
	BroadcasterName string `json:"broadcaster_name"`
	GameName        string `json:"game_name"`
}
