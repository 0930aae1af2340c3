// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"time"

	"github.com/cliparino/cliparino/internal/backoff"
	"github.com/cliparino/cliparino/internal/health"
	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/metrics"
)

const (
	coordinatorComponent = "events"

	// defaultStartWindow bounds how long a transport may take to become
	// ready before the coordinator moves on.
	defaultStartWindow = 10 * time.Second

	// eventBuffer smooths bursts between the transport and the router.
	eventBuffer = 64
)

// Coordinator runs the primary transport with IRC fallback. Exactly one
// transport is live at a time; all its events flow through Events().
type Coordinator struct {
	primary  Source
	fallback Source
	reporter *health.Reporter
	policy   backoff.Policy

	startWindow time.Duration
	events      chan Event
}

// NewCoordinator wires the two transports to one event stream.
func NewCoordinator(primary, fallback Source, reporter *health.Reporter) *Coordinator {
	return &Coordinator{
		primary:     primary,
		fallback:    fallback,
		reporter:    reporter,
		policy:      backoff.Default,
		startWindow: defaultStartWindow,
		events:      make(chan Event, eventBuffer),
	}
}

// Events is the merged stream the router consumes.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Run cycles transports until the context is cancelled: EventSub first,
// IRC on failure, backoff, then EventSub again.
func (c *Coordinator) Run(ctx context.Context) error {
	attempt := 0
	for {
		primaryOK := c.runTransport(ctx, c.primary, health.StatusHealthy, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Whether the primary never started or died mid-stream, IRC keeps
		// chat covered while EventSub recovers.
		fallbackOK := c.runTransport(ctx, c.fallback, health.StatusDegraded, "EventSub unavailable, using IRC")
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if primaryOK || fallbackOK {
			attempt = 0
		} else {
			c.reporter.Report(coordinatorComponent, health.StatusUnhealthy, "both event transports failed")
			attempt++
		}

		if err := backoff.Sleep(ctx, c.policy.Delay(attempt)); err != nil {
			return err
		}
	}
}

// runTransport runs one source to completion. Returns true when the
// transport became ready (even if it later died); health and the transport
// gauge are updated on readiness.
func (c *Coordinator) runTransport(ctx context.Context, src Source, status health.Status, reason string) bool {
	logger := log.WithComponentFromContext(ctx, "events")

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- src.Run(cctx, c.events, func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		})
	}()

	timer := time.NewTimer(c.startWindow)
	defer timer.Stop()

	select {
	case <-ready:

	case err := <-errc:
		logger.Warn().Err(err).
			Str("event", "events.transport_failed").
			Str("transport", src.Name()).
			Msg("transport failed before becoming ready")
		return false

	case <-timer.C:
		cancel()
		<-errc
		logger.Warn().
			Str("event", "events.transport_timeout").
			Str("transport", src.Name()).
			Msg("transport did not become ready in time")
		return false

	case <-ctx.Done():
		cancel()
		<-errc
		return false
	}

	c.reporter.Report(coordinatorComponent, status, reason)
	metrics.SetTransport(src.Name())
	logger.Info().
		Str("event", "events.transport_active").
		Str("transport", src.Name()).
		Msg("event transport active")

	err := <-errc
	if err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).
			Str("event", "events.transport_lost").
			Str("transport", src.Name()).
			Msg("event transport terminated")
	}
	return true
}
