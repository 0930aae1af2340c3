// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the control-plane core.
// Label cardinality stays bounded: no clip ids, user ids, or request ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal counts chat commands routed, by verb and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliparino_commands_total",
		Help: "Total number of chat commands routed, by verb and outcome.",
	}, []string{"verb", "outcome"})

	// ClipsPlayedTotal counts clips that completed playback, by source.
	ClipsPlayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliparino_clips_played_total",
		Help: "Total number of clips that completed playback, by enqueue source.",
	}, []string{"source"})

	// ClipsQuarantinedTotal counts queue entries dropped after repeated failures.
	ClipsQuarantinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cliparino_clips_quarantined_total",
		Help: "Total number of queue entries quarantined after repeated playback failures.",
	})

	// OBSReconnectsTotal counts OBS reconnect attempts by result.
	OBSReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliparino_obs_reconnects_total",
		Help: "Total number of OBS reconnect attempts, by result.",
	}, []string{"result"})

	// OBSDriftRepairsTotal counts drift repairs applied by the OBS supervisor.
	OBSDriftRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cliparino_obs_drift_repairs_total",
		Help: "Total number of desired-state drift repairs applied to OBS.",
	})

	// HelixRequestsTotal counts Twitch Helix requests by operation and status class.
	HelixRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliparino_helix_requests_total",
		Help: "Total number of Twitch Helix requests, by operation and status class.",
	}, []string{"op", "class"})

	// EventTransport reflects the active chat transport (1 = active).
	EventTransport = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cliparino_event_transport",
		Help: "Active chat event transport (1 for the transport in use).",
	}, []string{"transport"})

	// QueueDepth tracks the current clip queue length.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cliparino_queue_depth",
		Help: "Current number of pending clips in the playback queue.",
	})

	// ApprovalsTotal counts approval-gate resolutions by terminal state.
	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliparino_approvals_total",
		Help: "Total number of approval requests resolved, by terminal state.",
	}, []string{"state"})
)

// SetTransport marks one transport active and the others inactive.
func SetTransport(active string) {
	for _, t := range []string{"eventsub", "irc", "none"} {
		v := 0.0
		if t == active {
			v = 1.0
		}
		EventTransport.WithLabelValues(t).Set(v)
	}
}
