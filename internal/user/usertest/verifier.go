package usertest

import (
	"context"
	"sync"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
)

// FakeVerifier maps access tokens to claims and external user ids to profiles.
type FakeVerifier struct {
	mu       sync.Mutex
	tokens   map[string]identity.Claims
	profiles map[string]*identity.Profile

	// ProfileErr, when set, is returned by FetchProfile.
	ProfileErr error
}

func NewFakeVerifier() *FakeVerifier {
	return &FakeVerifier{
		tokens:   map[string]identity.Claims{},
		profiles: map[string]*identity.Profile{},
	}
}

// AddToken registers a token resolving to externalID.
func (f *FakeVerifier) AddToken(token, externalID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = identity.Claims{UserID: externalID, SessionID: sessionID}
}

func (f *FakeVerifier) SetProfile(externalID string, p identity.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[externalID] = &p
}

func (f *FakeVerifier) VerifyToken(_ context.Context, token string) (identity.Claims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.tokens[token]
	if !ok {
		return identity.Claims{}, identity.ErrInvalidToken
	}
	return c, nil
}

func (f *FakeVerifier) FetchProfile(_ context.Context, externalID string) (*identity.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ProfileErr != nil {
		return nil, f.ProfileErr
	}
	p, ok := f.profiles[externalID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	c := *p
	return &c, nil
}
