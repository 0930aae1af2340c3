// SPDX-License-Identifier: MIT

package obs

import (
	"context"
	"sync"
)

// Store holds the desired state shared by the supervisor and the playback
// engine. The engine retargets the browser source while clips play; routing
// those updates through the store keeps the drift check from fighting the
// player.
type Store struct {
	mu sync.Mutex
	d  DesiredState
}

// NewStore creates a store seeded from configuration.
func NewStore(d DesiredState) *Store {
	return &Store{d: d}
}

// Snapshot returns the current desired state.
func (s *Store) Snapshot() DesiredState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d
}

// SetURL records a new desired browser-source URL.
func (s *Store) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.URL = url
}

// Reset replaces the whole desired state, e.g. after a config reload.
func (s *Store) Reset(d DesiredState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = d
}

// Player is the slim playback-facing view over the controller: retarget,
// show, and hide the managed browser source. URL changes flow through the
// store so the supervisor's drift comparison tracks them.
type Player struct {
	ctrl  *Controller
	store *Store
}

// NewPlayer binds a controller to the shared desired-state store.
func NewPlayer(ctrl *Controller, store *Store) *Player {
	return &Player{ctrl: ctrl, store: store}
}

// SetURL retargets the browser source and records the new desired URL.
func (p *Player) SetURL(ctx context.Context, rawURL string) error {
	d := p.store.Snapshot()
	if err := p.ctrl.SetBrowserSourceURL(ctx, d.SourceName, rawURL); err != nil {
		return err
	}
	p.store.SetURL(rawURL)
	return nil
}

// SetVisible toggles the managed source.
func (p *Player) SetVisible(ctx context.Context, visible bool) error {
	d := p.store.Snapshot()
	return p.ctrl.SetSourceVisibility(ctx, d.SceneName, d.SourceName, visible)
}

// Refresh reloads the embedded browser page.
func (p *Player) Refresh(ctx context.Context) error {
	d := p.store.Snapshot()
	return p.ctrl.RefreshBrowserSource(ctx, d.SourceName)
}
