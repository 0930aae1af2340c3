// SPDX-License-Identifier: MIT

// Command cliparino is the clip-playback daemon: it watches Twitch chat
// for clip commands and drives an OBS browser source to play them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cliparino/cliparino/internal/api"
	"github.com/cliparino/cliparino/internal/approval"
	"github.com/cliparino/cliparino/internal/config"
	"github.com/cliparino/cliparino/internal/events"
	"github.com/cliparino/cliparino/internal/health"
	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/obs"
	"github.com/cliparino/cliparino/internal/playback"
	"github.com/cliparino/cliparino/internal/queue"
	"github.com/cliparino/cliparino/internal/router"
	"github.com/cliparino/cliparino/internal/search"
	"github.com/cliparino/cliparino/internal/twitch"
	"github.com/cliparino/cliparino/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cliparino %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Safe defaults until the configured level is known.
	log.Configure(log.Config{Level: "info", Service: "cliparino", Version: version.Version})
	logger := log.WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "cliparino", Version: version.Version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon terminated")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, configPath string) error {
	logger := log.WithComponent("main")
	reporter := health.NewReporter()

	holder := config.NewHolder(cfg, configPath)
	if err := holder.StartWatcher(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	// The token provider is external by design; the daemon only needs a
	// live access token per call. CLIPARINO_TWITCH_TOKEN feeds the simple
	// static provider.
	tokens := &twitch.StaticTokenProvider{AccessToken: os.Getenv("CLIPARINO_TWITCH_TOKEN")}
	helix := twitch.NewClient(tokens, twitch.Options{ClientID: cfg.Twitch.ClientID})

	store := obs.NewStore(desiredState(cfg))
	supervisor := obs.NewSupervisor(store, connTarget(cfg), reporter)
	player := obs.NewPlayer(supervisor.Controller(), store)

	q := queue.New()
	respond := func(ctx context.Context, text string) {
		if cfg.Twitch.BroadcasterID == "" || cfg.Twitch.BotUserID == "" {
			return
		}
		if err := helix.SendChatMessage(ctx, cfg.Twitch.BroadcasterID, cfg.Twitch.BotUserID, text); err != nil {
			logger.Warn().Err(err).Str("event", "chat.send_failed").Msg("chat reply not sent")
		}
	}

	buildURL := func(clipID string) string {
		return cfg.Player.URL + "?clip=" + url.QueryEscape(clipID)
	}
	engine := playback.NewEngine(q, player, buildURL, respond)

	gate := approval.NewGate()
	searcher := search.New(helix, search.Options{
		WindowDays:     cfg.ClipSearch.SearchWindowDays,
		FuzzyThreshold: cfg.ClipSearch.FuzzyMatchThreshold,
	})
	shoutout := router.NewShoutoutService(helix, q, engine, router.ShoutoutConfig{
		EnableMessage:      cfg.Shoutout.EnableMessage,
		MessageTemplate:    cfg.Shoutout.MessageTemplate,
		UseFeaturedFirst:   cfg.Shoutout.UseFeaturedClips,
		MaxClipSeconds:     cfg.Shoutout.MaxClipLength,
		MaxClipAgeDays:     cfg.Shoutout.MaxClipAge,
		SendTwitchShoutout: cfg.Shoutout.SendTwitchShoutout,
		BroadcasterID:      cfg.Twitch.BroadcasterID,
		BotUserID:          cfg.Twitch.BotUserID,
	})
	commands := router.NewRouter(helix, q, engine, gate, searcher, shoutout, respond, router.Options{
		ExemptRoles:     cfg.ClipSearch.ExemptRoles,
		ApprovalTimeout: approvalTimeout(cfg),
		DisableApproval: !cfg.ClipSearch.RequireApproval,
	})

	eventsub := events.NewEventSubSource(helix, cfg.Twitch.BroadcasterID, cfg.Twitch.BotUserID)
	irc := events.NewIRCSource(tokens, cfg.Twitch.BotLogin, cfg.Twitch.Channel)
	coordinator := events.NewCoordinator(eventsub, irc, reporter)

	server := api.NewServer(reporter, version.Version, parentHost(cfg.Player.URL))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return commands.Run(ctx, coordinator.Events()) })
	g.Go(func() error { return gate.Run(ctx) })
	g.Go(func() error { return server.Run(ctx, cfg.ListenAddr) })

	// OBS connection transitions gate playback.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case up := <-supervisor.ConnState():
				engine.NotifyObsConnState(up)
			}
		}
	})

	// SIGHUP forces a config reload; file changes arrive via the watcher.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	updates := make(chan config.Config, 1)
	holder.RegisterListener(updates)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-hup:
				_ = holder.Reload(ctx)
			case next := <-updates:
				logger.Info().Str("event", "config.applied").Msg("applying reloaded configuration")
				store.Reset(desiredState(next))
				supervisor.SetTarget(connTarget(next))
			}
		}
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func desiredState(cfg config.Config) obs.DesiredState {
	return obs.DesiredState{
		SceneName:  cfg.Player.SceneName,
		SourceName: cfg.Player.SourceName,
		Width:      cfg.Player.Width,
		Height:     cfg.Player.Height,
		URL:        cfg.Player.URL,
	}
}

func connTarget(cfg config.Config) obs.ConnTarget {
	return obs.ConnTarget{
		Host:     cfg.OBS.Host,
		Port:     cfg.OBS.Port,
		Password: cfg.OBS.Password,
	}
}

func approvalTimeout(cfg config.Config) time.Duration {
	return time.Duration(cfg.ClipSearch.ApprovalTimeoutSeconds) * time.Second
}

// parentHost extracts the hostname for Twitch's embed parent parameter.
func parentHost(playerURL string) string {
	u, err := url.Parse(playerURL)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}
