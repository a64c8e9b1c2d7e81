// Package usertest provides in-memory doubles for the account engine.
package usertest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-account-go/internal/user/repo"
)

// MemoryStore enforces the same uniqueness rules as the database stores.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int
	users  map[string]*entity.User

	// Err, when set, is returned by every call.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: map[string]*entity.User{}}
}

func (m *MemoryStore) Create(_ context.Context, u *entity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return &userrepo.DuplicateError{Key: userrepo.KeyEmail}
		}
		if u.ExternalIdentityID != "" && existing.ExternalIdentityID == u.ExternalIdentityID {
			return &userrepo.DuplicateError{Key: userrepo.KeyExternalIdentityID}
		}
	}
	m.nextID++
	now := time.Now().UTC()
	u.ID = strconv.Itoa(m.nextID)
	u.CreatedAt = now
	u.UpdatedAt = now
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, userrepo.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*entity.User, error) {
	email = entity.NormalizeEmail(email)
	return m.find(func(u *entity.User) bool { return u.Email == email })
}

func (m *MemoryStore) GetByExternalIdentity(_ context.Context, externalID string) (*entity.User, error) {
	return m.find(func(u *entity.User) bool { return u.ExternalIdentityID != "" && u.ExternalIdentityID == externalID })
}

func (m *MemoryStore) LinkExternalIdentity(_ context.Context, id string, link entity.ExternalLink) (*entity.User, error) {
	return m.update(id, func(u *entity.User) error {
		if u.IsLinked() {
			return userrepo.ErrAlreadyLinked
		}
		for _, other := range m.users {
			if other.ExternalIdentityID == link.ExternalIdentityID {
				return &userrepo.DuplicateError{Key: userrepo.KeyExternalIdentityID}
			}
		}
		u.ExternalIdentityID = link.ExternalIdentityID
		if link.ExternalProviderSubjectID != "" {
			u.ExternalProviderSubjectID = link.ExternalProviderSubjectID
		}
		if link.ProfilePicture != "" {
			u.ProfilePicture = link.ProfilePicture
		}
		u.LoginMethod = entity.LoginMethodExternal
		return nil
	})
}

func (m *MemoryStore) UpdateProfilePicture(_ context.Context, id, url string) (*entity.User, error) {
	return m.update(id, func(u *entity.User) error {
		u.ProfilePicture = url
		return nil
	})
}

func (m *MemoryStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	_, err := m.update(id, func(u *entity.User) error {
		u.PasswordHash = hash
		return nil
	})
	return err
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) (*entity.User, error) {
	return m.update(id, func(u *entity.User) error {
		u.IsActive = active
		return nil
	})
}

// Len returns the number of stored users.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// Put stores u as is, bypassing uniqueness checks. It is meant for seeding.
func (m *MemoryStore) Put(u *entity.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		m.nextID++
		u.ID = strconv.Itoa(m.nextID)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
		u.UpdatedAt = u.CreatedAt
	}
	c := *u
	m.users[u.ID] = &c
}

func (m *MemoryStore) find(match func(*entity.User) bool) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, u := range m.users {
		if match(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, userrepo.ErrNotFound
}

func (m *MemoryStore) update(id string, fn func(*entity.User) error) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, userrepo.ErrNotFound
	}
	if err := fn(u); err != nil {
		return nil, err
	}
	if now := time.Now().UTC(); now.After(u.UpdatedAt) {
		u.UpdatedAt = now
	}
	c := *u
	return &c, nil
}
