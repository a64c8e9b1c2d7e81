package user

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const DefaultHashCost = 12

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(ctx context.Context, pw string) (string, error)
	// Verify reports whether pw matches hash. A malformed hash is a mismatch,
	// not an error; err is only set when ctx ends before the comparison runs.
	Verify(ctx context.Context, hash, pw string) (bool, error)
	NeedsRehash(hash string) bool
}

// BcryptHasher implementation. The semaphore caps how many CPU-heavy hash
// operations run at once so a burst of logins cannot starve the process.
type BcryptHasher struct {
	cost int
	sem  *semaphore.Weighted

	dummyOnce sync.Once
	dummy     []byte
}

// NewBcryptHasher clamps cost to bcrypt's bounds. concurrency <= 0 means 2 x GOMAXPROCS.
func NewBcryptHasher(cost, concurrency int) *BcryptHasher {
	if cost == 0 {
		cost = DefaultHashCost
	}
	cost = max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))
	if concurrency <= 0 {
		concurrency = 2 * runtime.GOMAXPROCS(0)
	}
	return &BcryptHasher{cost: cost, sem: semaphore.NewWeighted(int64(concurrency))}
}

func (b *BcryptHasher) Cost() int { return b.cost }

func (b *BcryptHasher) Hash(ctx context.Context, pw string) (string, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer b.sem.Release(1)
	defer observeHash("hash", time.Now())

	h, err := bcrypt.GenerateFromPassword([]byte(pw), b.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b *BcryptHasher) Verify(ctx context.Context, hash, pw string) (bool, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer b.sem.Release(1)
	defer observeHash("verify", time.Now())

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil, nil
}

// NeedsRehash is true when hash was produced with a lower cost than configured.
// Unparseable hashes are left alone.
func (b *BcryptHasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return c < b.cost
}

// DummyVerify spends roughly the time of a real comparison. It is used when
// the account does not exist so response timing does not reveal that.
func (b *BcryptHasher) DummyVerify(ctx context.Context, pw string) {
	b.dummyOnce.Do(func() {
		b.dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), b.cost)
	})
	_, _ = b.Verify(ctx, string(b.dummy), pw)
}

func observeHash(op string, start time.Time) {
	HashDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type dummyVerifier interface {
	DummyVerify(ctx context.Context, pw string)
}
