// SPDX-License-Identifier: MIT

// Package health tracks per-component status and repair history for the
// supervisors, and serves liveness/readiness probes from that state.
package health

import (
	"sync"
	"time"
)

// Status represents a component or aggregate health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// maxRepairActions bounds the per-component repair history ring.
const maxRepairActions = 20

// RepairAction is one timestamped entry in a component's repair history.
type RepairAction struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
}

// ComponentHealth is the tracked state for one named component.
type ComponentHealth struct {
	Status    Status         `json:"status"`
	LastCheck time.Time      `json:"last_check"`
	LastError string         `json:"last_error,omitempty"`
	Repairs   []RepairAction `json:"repairs,omitempty"`
}

// Reporter aggregates component status reported by the supervisors. All
// methods are safe for concurrent use.
type Reporter struct {
	mu         sync.Mutex
	components map[string]*ComponentHealth
	now        func() time.Time
}

// NewReporter creates an empty reporter.
func NewReporter() *Reporter {
	return &Reporter{
		components: make(map[string]*ComponentHealth),
		now:        time.Now,
	}
}

func (r *Reporter) component(name string) *ComponentHealth {
	c, ok := r.components[name]
	if !ok {
		c = &ComponentHealth{Status: StatusUnknown}
		r.components[name] = c
	}
	return c
}

func appendRepair(c *ComponentHealth, at time.Time, action string) {
	c.Repairs = append(c.Repairs, RepairAction{At: at, Action: action})
	if len(c.Repairs) > maxRepairActions {
		c.Repairs = c.Repairs[len(c.Repairs)-maxRepairActions:]
	}
}

// Report overwrites the component's current status. A non-healthy report
// appends a repair entry carrying the status and error; a healthy report
// following a non-healthy one appends "recovered".
func (r *Reporter) Report(name string, status Status, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.component(name)
	prev := c.Status
	c.Status = status
	c.LastCheck = now
	c.LastError = errText

	switch {
	case status != StatusHealthy && status != StatusUnknown:
		action := "status=" + string(status)
		if errText != "" {
			action += ": " + errText
		}
		appendRepair(c, now, action)
	case status == StatusHealthy && prev != StatusHealthy && prev != StatusUnknown:
		appendRepair(c, now, "recovered")
	}
}

// RecordRepair appends an action to the component's repair history without
// touching its status.
func (r *Reporter) RecordRepair(name, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	appendRepair(r.component(name), r.now(), action)
}

// Aggregate folds all component statuses into one: Unhealthy dominates,
// then Degraded, then Healthy; Unknown only when nothing better exists.
func (r *Reporter) Aggregate() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	agg := StatusUnknown
	for _, c := range r.components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			agg = StatusDegraded
		case StatusHealthy:
			if agg == StatusUnknown {
				agg = StatusHealthy
			}
		}
	}
	return agg
}

// Snapshot returns a deep copy of all component states keyed by name.
func (r *Reporter) Snapshot() map[string]ComponentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ComponentHealth, len(r.components))
	for name, c := range r.components {
		cp := *c
		cp.Repairs = append([]RepairAction(nil), c.Repairs...)
		out[name] = cp
	}
	return out
}
