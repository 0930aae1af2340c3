// SPDX-License-Identifier: MIT

// Package api serves the local HTTP surface: the player page for the OBS
// browser source, health endpoints, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cliparino/cliparino/internal/health"
	"github.com/cliparino/cliparino/internal/log"
)

const shutdownGrace = 5 * time.Second

// playerPage renders the clip embed for the OBS browser source. Without a
// clip parameter it stays black, matching the hidden-source idle state.
var playerPage = template.Must(template.New("player").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Cliparino</title>
<style>
  html, body { margin: 0; padding: 0; background: #000; width: 100%; height: 100%; overflow: hidden; }
  iframe { border: 0; width: 100%; height: 100%; }
</style>
</head>
<body>
{{- if .ClipID }}
<iframe src="https://clips.twitch.tv/embed?clip={{ .ClipID }}&parent={{ .Parent }}&autoplay=true&muted=false" allow="autoplay" allowfullscreen></iframe>
{{- end }}
</body>
</html>
`))

// Server is the local HTTP surface.
type Server struct {
	health *health.Handler
	// parent is the hostname handed to the Twitch embed's parent parameter.
	parent string
}

// NewServer builds the HTTP surface. parent is the hostname the player
// page is served from, as required by Twitch's embed allowlist.
func NewServer(reporter *health.Reporter, version, parent string) *Server {
	if parent == "" {
		parent = "localhost"
	}
	return &Server{
		health: health.NewHandler(reporter, version),
		parent: parent,
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/player", s.servePlayer)
	return r
}

func (s *Server) servePlayer(w http.ResponseWriter, r *http.Request) {
	data := struct {
		ClipID string
		Parent string
	}{
		ClipID: r.URL.Query().Get("clip"),
		Parent: s.parent,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := playerPage.Execute(w, data); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Str("event", "api.player_render_failed").Msg("player page render failed")
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	logger := log.WithComponentFromContext(ctx, "api")

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("event", "api.listening").Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
