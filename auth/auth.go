// Package auth models the session credential and the capability to read
// and renew it. Token issuance lives in an external auth service; this
// package only consumes what it hands out.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRenewFailed is returned when the auth collaborator could not produce
// a fresh credential. Callers treat it as "re-authentication required".
var ErrRenewFailed = errors.New("auth: credential renewal failed")

// Credential is an access token with its derived absolute expiry.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the credential has a token and has not expired.
func (c Credential) Valid() bool {
	return c.AccessToken != "" && time.Now().Before(c.ExpiresAt)
}

// ExpiresWithin reports whether the remaining lifetime is below d.
func (c Credential) ExpiresWithin(d time.Duration) bool {
	return time.Until(c.ExpiresAt) < d
}

// TokenSource is the read/renew capability the session layer holds.
type TokenSource interface {
	// Credential returns the current credential without side effects.
	Credential() Credential

	// Renew asks the auth collaborator for a fresh credential and returns
	// it. Implementations must be safe for concurrent use.
	Renew(ctx context.Context) (Credential, error)
}

// StaticSource wraps a credential plus a renew callback. It is the
// simplest TokenSource: the host application owns the refresh flow and
// plugs it in as a function.
type StaticSource struct {
	mu    sync.Mutex
	cred  Credential
	renew func(ctx context.Context, current Credential) (Credential, error)
}

// NewStaticSource builds a StaticSource. renew may be nil, in which case
// Renew always fails with ErrRenewFailed.
func NewStaticSource(cred Credential, renew func(ctx context.Context, current Credential) (Credential, error)) *StaticSource {
	return &StaticSource{cred: cred, renew: renew}
}

func (s *StaticSource) Credential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func (s *StaticSource) Renew(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	current := s.cred
	fn := s.renew
	s.mu.Unlock()

	if fn == nil {
		return Credential{}, ErrRenewFailed
	}
	fresh, err := fn(ctx, current)
	if err != nil {
		return Credential{}, errors.Join(ErrRenewFailed, err)
	}

	s.mu.Lock()
	s.cred = fresh
	s.mu.Unlock()
	return fresh, nil
}
