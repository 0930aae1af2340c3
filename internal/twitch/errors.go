// SPDX-License-Identifier: MIT

package twitch

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrNotFound     = errors.New("helix: resource not found")
	ErrAuthRequired = errors.New("helix: authentication required")
	ErrRateLimited  = errors.New("helix: rate limited")
	ErrUpstream     = errors.New("helix: upstream error")
	ErrBadResponse  = errors.New("helix: malformed response")
	ErrMalformedURL = errors.New("twitch: malformed clip URL or id")
)

// APIError wraps a sentinel with the operation and HTTP context that
// produced it.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("helix: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}
