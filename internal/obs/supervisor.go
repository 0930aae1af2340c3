// SPDX-License-Identifier: MIT

package obs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cliparino/cliparino/internal/backoff"
	"github.com/cliparino/cliparino/internal/health"
	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/metrics"
)

const (
	componentName = "obs"

	// driftInterval is how often the observed state is compared against
	// the desired state while connected.
	driftInterval = 60 * time.Second

	// maxReconnectAttempts bounds one reconnect episode; after that the
	// supervisor waits for an external trigger.
	maxReconnectAttempts = 10
)

// ConnTarget is where the supervisor connects.
type ConnTarget struct {
	Host     string
	Port     int
	Password string
}

// Supervisor owns the OBS connection lifecycle: initial connect, reconnect
// with backoff, and the periodic drift check. All three run on one task and
// never race.
type Supervisor struct {
	ctrl       *Controller
	store      *Store
	reporter   *health.Reporter
	policy     backoff.Policy
	driftEvery time.Duration

	// target is read by the supervisor task and replaced from the
	// config-reload goroutine.
	targetMu sync.Mutex
	target   ConnTarget

	// disconnects carries read-loop failures into the supervisor task.
	disconnects chan error
	// retry is the external trigger after attempts are exhausted
	// (config change or manual retry). Latest wins.
	retry chan struct{}
	// connState notifies the playback engine; single slot, latest wins.
	connState chan bool
}

// NewSupervisor creates a supervisor owning a fresh controller. The
// controller is exposed for the playback-facing Player wrapper.
func NewSupervisor(store *Store, target ConnTarget, reporter *health.Reporter) *Supervisor {
	s := &Supervisor{
		store:       store,
		target:      target,
		reporter:    reporter,
		policy:      backoff.Default,
		driftEvery:  driftInterval,
		disconnects: make(chan error, 1),
		retry:       make(chan struct{}, 1),
		connState:   make(chan bool, 1),
	}
	s.ctrl = NewController(s.OnDisconnect)
	return s
}

// Controller returns the supervised connection for use by the player.
func (s *Supervisor) Controller() *Controller {
	return s.ctrl
}

// OnDisconnect feeds a connection loss into the supervisor. Safe to call
// from the controller's read loop.
func (s *Supervisor) OnDisconnect(err error) {
	select {
	case s.disconnects <- err:
	default:
	}
	s.notifyConn(false)
}

// TriggerRetry requests a reconnect attempt after exhaustion, e.g. on a
// configuration change.
func (s *Supervisor) TriggerRetry() {
	select {
	case s.retry <- struct{}{}:
	default:
	}
}

// SetTarget replaces the connection target (config reload) and triggers a
// reconnect. Safe to call from any goroutine.
func (s *Supervisor) SetTarget(target ConnTarget) {
	s.targetMu.Lock()
	s.target = target
	s.targetMu.Unlock()
	s.TriggerRetry()
}

func (s *Supervisor) currentTarget() ConnTarget {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	return s.target
}

// ConnState exposes the single-slot connection notifier consumed by the
// playback engine.
func (s *Supervisor) ConnState() <-chan bool {
	return s.connState
}

func (s *Supervisor) notifyConn(up bool) {
	// Latest wins: drop a stale pending notification.
	select {
	case <-s.connState:
	default:
	}
	s.connState <- up
}

// Run is the supervisor task. It returns when the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.WithComponentFromContext(ctx, "obs-supervisor")

	if err := s.connect(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "obs.initial_connect_failed").Msg("initial OBS connect failed")
		s.reporter.Report(componentName, health.StatusUnhealthy, err.Error())
		if !s.reconnectLoop(ctx) {
			// Exhausted; stay up and wait for triggers below.
			logger.Warn().Str("event", "obs.reconnect_exhausted").Msg("waiting for external retry trigger")
		}
	}

	ticker := time.NewTicker(s.driftEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.ctrl.Disconnect()
			return ctx.Err()

		case err := <-s.disconnects:
			reason := "connection lost"
			if err != nil {
				reason = err.Error()
			}
			s.reporter.Report(componentName, health.StatusUnhealthy, reason)
			if !s.reconnectLoop(ctx) {
				logger.Warn().Str("event", "obs.reconnect_exhausted").Msg("waiting for external retry trigger")
			}

		case <-s.retry:
			// A retarget while connected tears the old connection down
			// first; Disconnect suppresses the read loop's disconnect
			// callback, so this does not double-trigger a reconnect.
			if s.ctrl.IsConnected() {
				_ = s.ctrl.Disconnect()
			}
			if err := s.connect(ctx); err != nil {
				s.reporter.Report(componentName, health.StatusUnhealthy, err.Error())
				s.reconnectLoop(ctx)
			}

		case <-ticker.C:
			if s.ctrl.IsConnected() {
				s.checkDrift(ctx)
			}
		}
	}
}

// connect performs one connection attempt and, on success, converges the
// scene and source and reports healthy.
func (s *Supervisor) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	target := s.currentTarget()
	if err := s.ctrl.Connect(cctx, target.Host, target.Port, target.Password); err != nil {
		metrics.OBSReconnectsTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.OBSReconnectsTotal.WithLabelValues("success").Inc()

	if err := s.ctrl.EnsureSceneAndSource(ctx, s.store.Snapshot()); err != nil {
		return fmt.Errorf("ensure scene and source: %w", err)
	}
	s.reporter.Report(componentName, health.StatusHealthy, "")
	s.notifyConn(true)
	return nil
}

// reconnectLoop retries with backoff, at most maxReconnectAttempts per
// episode. Returns true when reconnected.
func (s *Supervisor) reconnectLoop(ctx context.Context) bool {
	logger := log.WithComponentFromContext(ctx, "obs-supervisor")

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if err := backoff.Sleep(ctx, s.policy.Delay(attempt)); err != nil {
			return false
		}

		err := s.connect(ctx)
		if err == nil {
			s.reporter.RecordRepair(componentName, "reconnected")
			logger.Info().Str("event", "obs.reconnected").Int("attempt", attempt+1).Msg("obs reconnected")
			return true
		}

		s.reporter.RecordRepair(componentName, fmt.Sprintf("reconnect attempt %d failed: %v", attempt+1, err))
		logger.Warn().Err(err).Str("event", "obs.reconnect_failed").Int("attempt", attempt+1).Msg("obs reconnect attempt failed")
	}

	s.reporter.Report(componentName, health.StatusUnhealthy, "reconnect attempts exhausted")
	return false
}

// checkDrift compares the observed state against the desired state and
// repairs any divergence.
func (s *Supervisor) checkDrift(ctx context.Context) {
	logger := log.WithComponentFromContext(ctx, "obs-supervisor")
	desired := s.store.Snapshot()

	observed, err := s.ctrl.ObserveState(ctx, desired)
	if err != nil {
		s.reporter.Report(componentName, health.StatusDegraded, "drift check failed: "+err.Error())
		return
	}

	fields := driftFields(desired, observed)
	if len(fields) == 0 {
		return
	}

	s.reporter.Report(componentName, health.StatusDegraded, "drift detected: "+strings.Join(fields, ", "))
	s.reporter.RecordRepair(componentName, "drift detected: "+strings.Join(fields, ", "))
	logger.Warn().
		Str("event", "obs.drift_detected").
		Strs("fields", fields).
		Msg("obs state drifted from desired")

	if err := s.ctrl.EnsureSceneAndSource(ctx, desired); err != nil {
		s.reporter.Report(componentName, health.StatusDegraded, "drift repair failed: "+err.Error())
		return
	}
	if err := s.ctrl.RefreshBrowserSource(ctx, desired.SourceName); err != nil {
		s.reporter.Report(componentName, health.StatusDegraded, "refresh failed: "+err.Error())
		return
	}

	// Re-check before declaring recovery.
	observed, err = s.ctrl.ObserveState(ctx, desired)
	if err == nil && len(driftFields(desired, observed)) == 0 {
		metrics.OBSDriftRepairsTotal.Inc()
		s.reporter.Report(componentName, health.StatusHealthy, "")
	}
}

func driftFields(desired DesiredState, observed ObservedState) []string {
	var fields []string
	if observed.URL != desired.URL {
		fields = append(fields, "URL")
	}
	if observed.Width != desired.Width {
		fields = append(fields, "Width")
	}
	if observed.Height != desired.Height {
		fields = append(fields, "Height")
	}
	return fields
}
