// SPDX-License-Identifier: MIT

// Package config loads, validates, and hot-reloads the daemon
// configuration. Precedence: environment (CLIPARINO_*) over YAML file over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// OBSConfig is the obs-websocket connection target.
type OBSConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// PlayerConfig is the desired OBS scene/source layout and the player page
// base URL.
type PlayerConfig struct {
	SceneName  string `yaml:"sceneName"`
	SourceName string `yaml:"sourceName"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	URL        string `yaml:"url"`
}

// ShoutoutConfig maps the Shoutout.* keys.
type ShoutoutConfig struct {
	EnableMessage      bool    `yaml:"enableMessage"`
	MessageTemplate    string  `yaml:"messageTemplate"`
	UseFeaturedClips   bool    `yaml:"useFeaturedClips"`
	MaxClipLength      float64 `yaml:"maxClipLength"`
	MaxClipAge         int     `yaml:"maxClipAge"`
	SendTwitchShoutout bool    `yaml:"sendTwitchShoutout"`
}

// ClipSearchConfig maps the ClipSearch.* keys.
type ClipSearchConfig struct {
	SearchWindowDays       int      `yaml:"searchWindowDays"`
	FuzzyMatchThreshold    float64  `yaml:"fuzzyMatchThreshold"`
	RequireApproval        bool     `yaml:"requireApproval"`
	ApprovalTimeoutSeconds int      `yaml:"approvalTimeoutSeconds"`
	ExemptRoles            []string `yaml:"exemptRoles"`
}

// TwitchConfig identifies the channel and the sending account. Tokens come
// from the external token provider, never from here.
type TwitchConfig struct {
	ClientID      string `yaml:"clientID"`
	BroadcasterID string `yaml:"broadcasterID"`
	BotUserID     string `yaml:"botUserID"`
	BotLogin      string `yaml:"botLogin"`
	Channel       string `yaml:"channel"`
}

// Config is the whole daemon configuration.
type Config struct {
	LogLevel   string           `yaml:"logLevel"`
	ListenAddr string           `yaml:"listenAddr"`
	OBS        OBSConfig        `yaml:"obs"`
	Player     PlayerConfig     `yaml:"player"`
	Shoutout   ShoutoutConfig   `yaml:"shoutout"`
	ClipSearch ClipSearchConfig `yaml:"clipSearch"`
	Twitch     TwitchConfig     `yaml:"twitch"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:   "info",
		ListenAddr: ":8080",
		OBS: OBSConfig{
			Host: "localhost",
			Port: 4455,
		},
		Player: PlayerConfig{
			SceneName:  "Cliparino",
			SourceName: "CliparinoPlayer",
			Width:      1920,
			Height:     1080,
			URL:        "http://localhost:8080/player",
		},
		Shoutout: ShoutoutConfig{
			EnableMessage:    true,
			MessageTemplate:  "Check out {broadcaster}, they were last playing {game}!",
			UseFeaturedClips: true,
			MaxClipLength:    60,
			MaxClipAge:       365,
		},
		ClipSearch: ClipSearchConfig{
			SearchWindowDays:       90,
			FuzzyMatchThreshold:    0.4,
			RequireApproval:        true,
			ApprovalTimeoutSeconds: 30,
			ExemptRoles:            []string{"broadcaster", "moderator"},
		},
	}
}

// Load builds a configuration from defaults, then the YAML file at path
// (optional, "" skips), then CLIPARINO_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Config) error {
	if cfg.OBS.Host == "" {
		return fmt.Errorf("config: obs.host must not be empty")
	}
	if cfg.OBS.Port <= 0 || cfg.OBS.Port > 65535 {
		return fmt.Errorf("config: obs.port %d out of range", cfg.OBS.Port)
	}
	if cfg.Player.SceneName == "" || cfg.Player.SourceName == "" {
		return fmt.Errorf("config: player scene and source names must not be empty")
	}
	if cfg.Player.Width <= 0 || cfg.Player.Height <= 0 {
		return fmt.Errorf("config: player dimensions must be positive")
	}
	if cfg.Player.URL == "" {
		return fmt.Errorf("config: player.url must not be empty")
	}
	if cfg.ClipSearch.SearchWindowDays <= 0 {
		return fmt.Errorf("config: clipSearch.searchWindowDays must be positive")
	}
	if cfg.ClipSearch.FuzzyMatchThreshold < 0 || cfg.ClipSearch.FuzzyMatchThreshold > 1 {
		return fmt.Errorf("config: clipSearch.fuzzyMatchThreshold must be within [0,1]")
	}
	if cfg.ClipSearch.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("config: clipSearch.approvalTimeoutSeconds must be positive")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.LogLevel)
	}
	return nil
}

// applyEnv overlays CLIPARINO_* variables. Unset or empty variables leave
// the current value alone.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("CLIPARINO_LOG_LEVEL", &cfg.LogLevel)
	setString("CLIPARINO_LISTEN_ADDR", &cfg.ListenAddr)

	setString("CLIPARINO_OBS_HOST", &cfg.OBS.Host)
	setInt("CLIPARINO_OBS_PORT", &cfg.OBS.Port)
	setString("CLIPARINO_OBS_PASSWORD", &cfg.OBS.Password)

	setString("CLIPARINO_PLAYER_SCENE", &cfg.Player.SceneName)
	setString("CLIPARINO_PLAYER_SOURCE", &cfg.Player.SourceName)
	setInt("CLIPARINO_PLAYER_WIDTH", &cfg.Player.Width)
	setInt("CLIPARINO_PLAYER_HEIGHT", &cfg.Player.Height)
	setString("CLIPARINO_PLAYER_URL", &cfg.Player.URL)

	setBool("CLIPARINO_SHOUTOUT_ENABLE_MESSAGE", &cfg.Shoutout.EnableMessage)
	setString("CLIPARINO_SHOUTOUT_TEMPLATE", &cfg.Shoutout.MessageTemplate)
	setBool("CLIPARINO_SHOUTOUT_FEATURED", &cfg.Shoutout.UseFeaturedClips)
	setFloat("CLIPARINO_SHOUTOUT_MAX_CLIP_LENGTH", &cfg.Shoutout.MaxClipLength)
	setInt("CLIPARINO_SHOUTOUT_MAX_CLIP_AGE", &cfg.Shoutout.MaxClipAge)
	setBool("CLIPARINO_SHOUTOUT_NATIVE", &cfg.Shoutout.SendTwitchShoutout)

	setInt("CLIPARINO_SEARCH_WINDOW_DAYS", &cfg.ClipSearch.SearchWindowDays)
	setFloat("CLIPARINO_SEARCH_FUZZY_THRESHOLD", &cfg.ClipSearch.FuzzyMatchThreshold)
	setBool("CLIPARINO_SEARCH_REQUIRE_APPROVAL", &cfg.ClipSearch.RequireApproval)
	setInt("CLIPARINO_SEARCH_APPROVAL_TIMEOUT", &cfg.ClipSearch.ApprovalTimeoutSeconds)
	if v := os.Getenv("CLIPARINO_SEARCH_EXEMPT_ROLES"); v != "" {
		var roles []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		cfg.ClipSearch.ExemptRoles = roles
	}

	setString("CLIPARINO_TWITCH_CLIENT_ID", &cfg.Twitch.ClientID)
	setString("CLIPARINO_TWITCH_BROADCASTER_ID", &cfg.Twitch.BroadcasterID)
	setString("CLIPARINO_TWITCH_BOT_USER_ID", &cfg.Twitch.BotUserID)
	setString("CLIPARINO_TWITCH_BOT_LOGIN", &cfg.Twitch.BotLogin)
	setString("CLIPARINO_TWITCH_CHANNEL", &cfg.Twitch.Channel)
}
