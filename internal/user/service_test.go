package user

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-account-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/usertest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc      *UserService
	store    *usertest.MemoryStore
	verifier *usertest.FakeVerifier
	events   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    usertest.NewMemoryStore(),
		verifier: usertest.NewFakeVerifier(),
		events:   &recordingPublisher{},
	}
	f.svc = NewUserService(f.store, NewBcryptHasher(bcrypt.MinCost, 4), f.verifier, f.events, nil)
	return f
}

func accepted() *bool { b := true; return &b }

func janeInput() RegisterInput {
	return RegisterInput{
		FullName:        "Jane Doe",
		Email:           "JANE@X.com",
		Password:        "abcd1234",
		ConfirmPassword: "abcd1234",
		TermsAccepted:   accepted(),
	}
}

func assertKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind.String(), KindOf(err).String(), err.Error())
}

func TestRegisterWithPassword_Jane(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.RegisterWithPassword(context.Background(), janeInput())
	require.NoError(t, err)
	assert.Equal(t, "jane@x.com", v.Email)
	assert.Equal(t, entity.LoginMethodEmail, v.LoginMethod)
	assert.False(t, v.EmailVerified)
	assert.True(t, v.IsActive)
	assert.NotEmpty(t, v.ID)

	stored, err := f.store.GetByEmail(context.Background(), "jane@x.com")
	require.NoError(t, err)
	assert.True(t, stored.HasPassword())
	assert.NotEqual(t, "abcd1234", stored.PasswordHash)
	assert.True(t, stored.TermsAccepted)
	assert.Equal(t, []string{events.TypeUserRegistered}, f.events.types())
}

func TestRegisterWithPassword_Validation(t *testing.T) {
	declined := false
	tests := []struct {
		name    string
		mutate  func(*RegisterInput)
		message string
	}{
		{"missing name", func(in *RegisterInput) { in.FullName = "  " }, "All fields are required"},
		{"missing email", func(in *RegisterInput) { in.Email = "" }, "All fields are required"},
		{"missing confirm", func(in *RegisterInput) { in.ConfirmPassword = "" }, "All fields are required"},
		{"missing terms", func(in *RegisterInput) { in.TermsAccepted = nil }, "All fields are required"},
		{"mismatch", func(in *RegisterInput) { in.ConfirmPassword = "abcd12345" }, "Passwords do not match"},
		{"seven characters", func(in *RegisterInput) { in.Password, in.ConfirmPassword = "abcd123", "abcd123" }, "Password must be at least 8 characters long"},
		{"over 72 bytes", func(in *RegisterInput) {
			pw := string(make([]byte, 73))
			in.Password, in.ConfirmPassword = pw, pw
		}, "Password cannot exceed 72 bytes"},
		{"terms declined", func(in *RegisterInput) { in.TermsAccepted = &declined }, "Validation failed"},
		{"bad email", func(in *RegisterInput) { in.Email = "jane.x.com" }, "Validation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := janeInput()
			tt.mutate(&in)

			_, err := f.svc.RegisterWithPassword(context.Background(), in)
			assertKind(t, err, KindValidation)
			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.message, e.Message)
			assert.Zero(t, f.store.Len())
		})
	}
}

func TestRegisterWithPassword_FieldProblems(t *testing.T) {
	f := newFixture(t)
	declined := false
	in := janeInput()
	in.Email = "nope"
	in.TermsAccepted = &declined

	_, err := f.svc.RegisterWithPassword(context.Background(), in)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.ElementsMatch(t, []string{
		"Please enter a valid email",
		"Terms of Service and Privacy Policy must be accepted",
	}, e.Fields)
}

func TestRegisterWithPassword_EightCharacterBoundary(t *testing.T) {
	f := newFixture(t)
	in := janeInput()
	in.Password, in.ConfirmPassword = "12345678", "12345678"

	_, err := f.svc.RegisterWithPassword(context.Background(), in)
	assert.NoError(t, err)
}

func TestRegisterWithPassword_Duplicate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RegisterWithPassword(context.Background(), janeInput())
	require.NoError(t, err)

	in := janeInput()
	in.Email = "jane@X.COM"
	_, err = f.svc.RegisterWithPassword(context.Background(), in)
	assertKind(t, err, KindConflict)
	assert.Equal(t, 1, f.store.Len())
}

// raceStore hides existing records from the pre-check, as if the competing
// insert landed between lookup and create.
type raceStore struct {
	*usertest.MemoryStore
}

func (r raceStore) GetByEmail(context.Context, string) (*entity.User, error) {
	return nil, userrepo.ErrNotFound
}

func TestRegisterWithPassword_DuplicateFromStore(t *testing.T) {
	mem := usertest.NewMemoryStore()
	mem.Put(&entity.User{FullName: "Jane", Email: "jane@x.com", PasswordHash: "h", LoginMethod: entity.LoginMethodEmail, IsActive: true, TermsAccepted: true})
	svc := NewUserService(raceStore{mem}, NewBcryptHasher(bcrypt.MinCost, 1), nil, nil, nil)

	_, err := svc.RegisterWithPassword(context.Background(), janeInput())
	assertKind(t, err, KindConflict)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "Email already registered", e.Message)
	assert.ErrorIs(t, err, userrepo.ErrDuplicate)
}

func TestRegisterWithPassword_Concurrent(t *testing.T) {
	f := newFixture(t)
	const n = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RegisterWithPassword(context.Background(), janeInput())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, 1, f.store.Len())
}

func TestRegisterWithPassword_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.Err = errors.New("connection refused")

	_, err := f.svc.RegisterWithPassword(context.Background(), janeInput())
	assertKind(t, err, KindInternal)
}

func TestAuthenticateWithPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RegisterWithPassword(context.Background(), janeInput())
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		v, err := f.svc.AuthenticateWithPassword(context.Background(), " Jane@X.com", "abcd1234")
		require.NoError(t, err)
		assert.Equal(t, "jane@x.com", v.Email)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := f.svc.AuthenticateWithPassword(context.Background(), "jane@x.com", "")
		assertKind(t, err, KindValidation)
	})

	t.Run("wrong password and unknown email are indistinguishable", func(t *testing.T) {
		before, _ := f.store.GetByEmail(context.Background(), "jane@x.com")

		_, wrong := f.svc.AuthenticateWithPassword(context.Background(), "jane@x.com", "wrong")
		_, unknown := f.svc.AuthenticateWithPassword(context.Background(), "nobody@x.com", "abcd1234")
		assertKind(t, wrong, KindAuth)
		assertKind(t, unknown, KindAuth)
		assert.Equal(t, wrong.Error(), unknown.Error())

		after, _ := f.store.GetByEmail(context.Background(), "jane@x.com")
		assert.Equal(t, before, after)
	})
}

func TestAuthenticateWithPassword_Deactivated(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RegisterWithPassword(context.Background(), janeInput())
	require.NoError(t, err)
	_, err = f.svc.SetActiveByEmail(context.Background(), "jane@x.com", false)
	require.NoError(t, err)

	_, err = f.svc.AuthenticateWithPassword(context.Background(), "jane@x.com", "abcd1234")
	assertKind(t, err, KindForbidden)

	// the wrong password still gets the generic answer
	_, err = f.svc.AuthenticateWithPassword(context.Background(), "jane@x.com", "wrong-pass")
	assertKind(t, err, KindAuth)

	f.svc.LegacyDeactivatedMessage = false
	_, err = f.svc.AuthenticateWithPassword(context.Background(), "jane@x.com", "abcd1234")
	assertKind(t, err, KindAuth)

	_, err = f.svc.SetActiveByEmail(context.Background(), "jane@x.com", true)
	require.NoError(t, err)
	_, err = f.svc.AuthenticateWithPassword(context.Background(), "jane@x.com", "abcd1234")
	assert.NoError(t, err)
}

func TestAuthenticateWithPassword_ExternalOnlyAccount(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&entity.User{
		FullName:           "Sam",
		Email:              "sam@x.com",
		ExternalIdentityID: "did:privy:sam",
		LoginMethod:        entity.LoginMethodExternal,
		IsActive:           true,
		TermsAccepted:      true,
	})

	_, err := f.svc.AuthenticateWithPassword(context.Background(), "sam@x.com", "whatever1")
	assertKind(t, err, KindValidation)
}

func TestAuthenticateWithPassword_Rehash(t *testing.T) {
	store := usertest.NewMemoryStore()
	low := NewUserService(store, NewBcryptHasher(bcrypt.MinCost, 1), nil, nil, nil)
	_, err := low.RegisterWithPassword(context.Background(), janeInput())
	require.NoError(t, err)
	before, _ := store.GetByEmail(context.Background(), "jane@x.com")

	high := NewUserService(store, NewBcryptHasher(bcrypt.MinCost+1, 1), nil, nil, nil)
	_, err = high.AuthenticateWithPassword(context.Background(), "jane@x.com", "abcd1234")
	require.NoError(t, err)

	after, _ := store.GetByEmail(context.Background(), "jane@x.com")
	assert.NotEqual(t, before.PasswordHash, after.PasswordHash)
	cost, err := bcrypt.Cost([]byte(after.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)

	_, err = high.AuthenticateWithPassword(context.Background(), "jane@x.com", "abcd1234")
	assert.NoError(t, err)
}

func verified(b bool) *bool { return &b }

func TestAuthenticateExternal_CreatesOnce(t *testing.T) {
	f := newFixture(t)
	f.verifier.AddToken("tok-1", "did:privy:sam", "s1")
	f.verifier.AddToken("tok-2", "did:privy:sam", "s2")
	f.verifier.SetProfile("did:privy:sam", identity.Profile{
		Email:             "Sam@X.com",
		DisplayName:       "Sam Smith",
		ProviderSubjectID: "google-1",
		PictureURL:        "https://img/sam.png",
	})

	first, err := f.svc.AuthenticateExternal(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "did:privy:sam", first.ExternalUserID)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, "sam@x.com", first.User.Email)
	assert.Equal(t, "Sam Smith", first.User.FullName)
	assert.Equal(t, entity.LoginMethodExternal, first.User.LoginMethod)
	assert.True(t, first.User.EmailVerified, "unreported verification uses the default")
	assert.Equal(t, "https://img/sam.png", first.User.ProfilePicture)

	second, err := f.svc.AuthenticateExternal(context.Background(), "tok-2")
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "s2", second.SessionID)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, []string{events.TypeUserExternalCreated}, f.events.types())

	stored, _ := f.store.GetByID(context.Background(), first.User.ID)
	assert.False(t, stored.HasPassword())
	assert.True(t, stored.TermsAccepted)
}

func TestAuthenticateExternal_LinksPasswordAccount(t *testing.T) {
	f := newFixture(t)
	in := janeInput()
	in.Email = "a@x.com"
	registered, err := f.svc.RegisterWithPassword(context.Background(), in)
	require.NoError(t, err)

	f.verifier.AddToken("tok", "did:privy:a", "s")
	f.verifier.SetProfile("did:privy:a", identity.Profile{Email: "a@x.com", ProviderSubjectID: "g-a", PictureURL: "https://img/a.png"})

	res, err := f.svc.AuthenticateExternal(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, res.User.ID)
	assert.Equal(t, entity.LoginMethodExternal, res.User.LoginMethod)
	assert.Equal(t, "Jane Doe", res.User.FullName, "linking keeps the existing name")
	assert.Equal(t, 1, f.store.Len())

	stored, _ := f.store.GetByID(context.Background(), registered.ID)
	assert.True(t, stored.HasPassword())
	assert.Equal(t, "did:privy:a", stored.ExternalIdentityID)
	assert.Equal(t, "g-a", stored.ExternalProviderSubjectID)
	assert.Equal(t, "https://img/a.png", stored.ProfilePicture)

	// both paths now reach the same record
	v, err := f.svc.AuthenticateWithPassword(context.Background(), "a@x.com", "abcd1234")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, v.ID)
	assert.Equal(t, []string{events.TypeUserRegistered, events.TypeUserExternalLinked}, f.events.types())
}

func TestAuthenticateExternal_RefreshesPicture(t *testing.T) {
	f := newFixture(t)
	f.verifier.AddToken("tok", "did:privy:sam", "s")
	f.verifier.SetProfile("did:privy:sam", identity.Profile{Email: "sam@x.com", PictureURL: "https://img/old.png"})
	first, err := f.svc.AuthenticateExternal(context.Background(), "tok")
	require.NoError(t, err)

	f.verifier.SetProfile("did:privy:sam", identity.Profile{Email: "sam@x.com", PictureURL: "https://img/new.png"})
	second, err := f.svc.AuthenticateExternal(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "https://img/new.png", second.User.ProfilePicture)
}

func TestAuthenticateExternal_EmailVerification(t *testing.T) {
	tests := []struct {
		name     string
		reported *bool
		fallback bool
		want     bool
	}{
		{"reported true", verified(true), false, true},
		{"reported false", verified(false), true, false},
		{"unreported uses default", nil, true, true},
		{"unreported with default off", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.svc.ExternalEmailVerifiedDefault = tt.fallback
			f.verifier.AddToken("tok", "did:privy:x", "s")
			f.verifier.SetProfile("did:privy:x", identity.Profile{Email: "x@x.com", EmailVerified: tt.reported})

			res, err := f.svc.AuthenticateExternal(context.Background(), "tok")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.User.EmailVerified)
		})
	}
}

func TestAuthenticateExternal_Errors(t *testing.T) {
	f := newFixture(t)
	f.verifier.AddToken("no-profile", "did:privy:ghost", "s")
	f.verifier.AddToken("no-email", "did:privy:noemail", "s")
	f.verifier.SetProfile("did:privy:noemail", identity.Profile{DisplayName: "No Mail"})

	_, err := f.svc.AuthenticateExternal(context.Background(), " ")
	assertKind(t, err, KindValidation)

	_, err = f.svc.AuthenticateExternal(context.Background(), "forged")
	assertKind(t, err, KindAuth)

	_, err = f.svc.AuthenticateExternal(context.Background(), "no-profile")
	assertKind(t, err, KindNotFound)

	_, err = f.svc.AuthenticateExternal(context.Background(), "no-email")
	assertKind(t, err, KindValidation)

	f.verifier.ProfileErr = identity.ErrUnavailable
	_, err = f.svc.AuthenticateExternal(context.Background(), "no-email")
	assertKind(t, err, KindInternal)

	assert.Zero(t, f.store.Len())
}

func TestAuthenticateExternal_NotConfigured(t *testing.T) {
	svc := NewUserService(usertest.NewMemoryStore(), NewBcryptHasher(bcrypt.MinCost, 1), nil, nil, nil)
	_, err := svc.AuthenticateExternal(context.Background(), "tok")
	assertKind(t, err, KindInternal)
}

func TestAuthenticateExternal_DeactivatedAccount(t *testing.T) {
	f := newFixture(t)
	f.verifier.AddToken("tok", "did:privy:sam", "s")
	f.verifier.SetProfile("did:privy:sam", identity.Profile{Email: "sam@x.com", PictureURL: "https://img/new.png"})
	first, err := f.svc.AuthenticateExternal(context.Background(), "tok")
	require.NoError(t, err)
	_, err = f.svc.SetActiveByEmail(context.Background(), "sam@x.com", false)
	require.NoError(t, err)

	_, err = f.svc.AuthenticateExternal(context.Background(), "tok")
	assertKind(t, err, KindForbidden)
	assert.Equal(t, 1, f.store.Len())
	stored, _ := f.store.GetByID(context.Background(), first.User.ID)
	assert.False(t, stored.IsActive)
}

func TestAuthenticateExternal_EmailLinkedToOtherIdentity(t *testing.T) {
	f := newFixture(t)
	f.store.Put(&entity.User{
		FullName:           "Sam",
		Email:              "sam@x.com",
		ExternalIdentityID: "did:privy:original",
		ProfilePicture:     "https://img/original.png",
		LoginMethod:        entity.LoginMethodExternal,
		IsActive:           true,
		TermsAccepted:      true,
	})
	f.verifier.AddToken("tok", "did:privy:other", "s")
	f.verifier.SetProfile("did:privy:other", identity.Profile{Email: "sam@x.com", PictureURL: "https://img/other.png"})

	res, err := f.svc.AuthenticateExternal(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Len())

	stored, _ := f.store.GetByID(context.Background(), res.User.ID)
	assert.Equal(t, "did:privy:original", stored.ExternalIdentityID)
	assert.Equal(t, "https://img/original.png", stored.ProfilePicture)
}

func TestAuthenticateExternal_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.verifier.AddToken("tok", "did:privy:sam", "s")
	f.verifier.SetProfile("did:privy:sam", identity.Profile{Email: "sam@x.com"})

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.AuthenticateExternal(context.Background(), "tok")
			errs[i] = err
			if err == nil {
				ids[i] = res.User.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, f.store.Len())
}

// lateCreateStore reports no match on the first lookups, then loses the
// create to a record that appeared meanwhile.
type lateCreateStore struct {
	*usertest.MemoryStore
	once sync.Once
	late *entity.User
}

func (s *lateCreateStore) Create(ctx context.Context, u *entity.User) error {
	s.once.Do(func() { s.MemoryStore.Put(s.late) })
	return s.MemoryStore.Create(ctx, u)
}

func TestAuthenticateExternal_CreateRaceReReads(t *testing.T) {
	store := &lateCreateStore{
		MemoryStore: usertest.NewMemoryStore(),
		late: &entity.User{
			FullName:           "Sam",
			Email:              "sam@x.com",
			ExternalIdentityID: "did:privy:sam",
			LoginMethod:        entity.LoginMethodExternal,
			IsActive:           true,
			TermsAccepted:      true,
		},
	}
	verifier := usertest.NewFakeVerifier()
	verifier.AddToken("tok", "did:privy:sam", "s")
	verifier.SetProfile("did:privy:sam", identity.Profile{Email: "sam@x.com"})
	svc := NewUserService(store, NewBcryptHasher(bcrypt.MinCost, 1), verifier, nil, nil)

	res, err := svc.AuthenticateExternal(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, store.late.ID, res.User.ID)
	assert.Equal(t, 1, store.Len())
}

// lateLinkStore links the record to the same identity right before the
// engine's own link attempt.
type lateLinkStore struct {
	*usertest.MemoryStore
	once sync.Once
}

func (s *lateLinkStore) LinkExternalIdentity(ctx context.Context, id string, link entity.ExternalLink) (*entity.User, error) {
	s.once.Do(func() { _, _ = s.MemoryStore.LinkExternalIdentity(ctx, id, link) })
	return s.MemoryStore.LinkExternalIdentity(ctx, id, link)
}

func TestAuthenticateExternal_LinkRaceReReads(t *testing.T) {
	store := &lateLinkStore{MemoryStore: usertest.NewMemoryStore()}
	store.Put(&entity.User{FullName: "Jane", Email: "jane@x.com", PasswordHash: "h", LoginMethod: entity.LoginMethodEmail, IsActive: true, TermsAccepted: true})
	verifier := usertest.NewFakeVerifier()
	verifier.AddToken("tok", "did:privy:jane", "s")
	verifier.SetProfile("did:privy:jane", identity.Profile{Email: "jane@x.com"})
	svc := NewUserService(store, NewBcryptHasher(bcrypt.MinCost, 1), verifier, nil, nil)

	res, err := svc.AuthenticateExternal(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
	stored, _ := store.GetByID(context.Background(), res.User.ID)
	assert.Equal(t, "did:privy:jane", stored.ExternalIdentityID)
	assert.True(t, stored.HasPassword())
}

func TestDeriveFullName(t *testing.T) {
	assert.Equal(t, "Jane Doe", deriveFullName(" Jane Doe ", "j@x.com"))
	assert.Equal(t, "jane.doe", deriveFullName("", "jane.doe@x.com"))
	assert.Equal(t, placeholderFullName, deriveFullName("", "@x.com"))
	assert.Len(t, []rune(deriveFullName(string(make([]rune, 150)), "a@x.com")), entity.MaxFullNameLength)
}

func TestSetActiveByEmail_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetActiveByEmail(context.Background(), "ghost@x.com", false)
	assertKind(t, err, KindNotFound)
}
