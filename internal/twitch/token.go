// SPDX-License-Identifier: MIT

package twitch

import "context"

// TokenProvider hands out the current user access token. The core never
// inspects the token value or tracks expiry; it asks for a token per call
// and requests a refresh when Helix answers 401.
type TokenProvider interface {
	// Token returns a live access token or an authentication-required error.
	Token(ctx context.Context) (string, error)
	// Refresh exchanges the refresh token for a new access token. Called at
	// most once per Helix call, on the first 401.
	Refresh(ctx context.Context) error
}

// StaticTokenProvider serves a fixed token and cannot refresh. Used in
// tests and for short-lived tokens supplied via the environment.
type StaticTokenProvider struct {
	AccessToken string
}

func (p *StaticTokenProvider) Token(_ context.Context) (string, error) {
	if p.AccessToken == "" {
		return "", ErrAuthRequired
	}
	return p.AccessToken, nil
}

func (p *StaticTokenProvider) Refresh(_ context.Context) error {
	return ErrAuthRequired
}
