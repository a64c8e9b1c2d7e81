package user

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-account-go/internal/user/repo"
)

const placeholderFullName = "External User"

// Store is the user record store. Implementations enforce unique email and
// unique non-empty external identity, reporting violations as userrepo.ErrDuplicate.
type Store interface {
	Create(ctx context.Context, u *entity.User) error
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByExternalIdentity(ctx context.Context, externalID string) (*entity.User, error)
	// LinkExternalIdentity must only succeed on a record without an external
	// identity and return userrepo.ErrAlreadyLinked otherwise.
	LinkExternalIdentity(ctx context.Context, id string, link entity.ExternalLink) (*entity.User, error)
	UpdateProfilePicture(ctx context.Context, id, url string) (*entity.User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetActive(ctx context.Context, id string, active bool) (*entity.User, error)
}

// IdentityVerifier is the external identity provider.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (identity.Claims, error)
	FetchProfile(ctx context.Context, externalUserID string) (*identity.Profile, error)
}

// UserService reconciles password and external-identity accounts.
type UserService struct {
	store     Store
	hasher    PasswordHasher
	identity  IdentityVerifier
	publisher events.Publisher
	logger    *zap.SugaredLogger

	// configuration knobs
	// ExternalEmailVerifiedDefault is used when the provider does not report verification.
	ExternalEmailVerifiedDefault bool
	// LegacyDeactivatedMessage keeps the distinct 403 for deactivated accounts.
	// When false they get the generic invalid credentials error.
	LegacyDeactivatedMessage bool
}

// NewUserService wires the engine. verifier may be nil when external sign-in
// is not configured; hasher, publisher and logger fall back to defaults.
func NewUserService(store Store, hasher PasswordHasher, verifier IdentityVerifier, publisher events.Publisher, logger *zap.SugaredLogger) *UserService {
	if hasher == nil {
		hasher = NewBcryptHasher(DefaultHashCost, 0)
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &UserService{
		store:                        store,
		hasher:                       hasher,
		identity:                     verifier,
		publisher:                    publisher,
		logger:                       logger,
		ExternalEmailVerifiedDefault: true,
		LegacyDeactivatedMessage:     true,
	}
}

// RegisterInput is the traditional registration payload. TermsAccepted is a
// pointer so an explicit false can be told apart from a missing value.
type RegisterInput struct {
	FullName        string
	Email           string
	Password        string
	ConfirmPassword string
	TermsAccepted   *bool
}

// ExternalAuthResult is returned by AuthenticateExternal.
type ExternalAuthResult struct {
	User           *entity.View
	ExternalUserID string
	SessionID      string
}

// RegisterWithPassword creates an email/password account.
func (s *UserService) RegisterWithPassword(ctx context.Context, in RegisterInput) (view *entity.View, err error) {
	defer func() { observeOutcome("register", err) }()

	if strings.TrimSpace(in.FullName) == "" || strings.TrimSpace(in.Email) == "" ||
		in.Password == "" || in.ConfirmPassword == "" || in.TermsAccepted == nil {
		return nil, validationError("All fields are required")
	}
	if in.Password != in.ConfirmPassword {
		return nil, validationError("Passwords do not match")
	}
	if utf8.RuneCountInString(in.Password) < entity.MinPasswordLength {
		return nil, validationError("Password must be at least 8 characters long")
	}
	if len(in.Password) > entity.MaxPasswordBytes {
		return nil, validationError("Password cannot exceed 72 bytes")
	}

	u := &entity.User{
		FullName:      strings.TrimSpace(in.FullName),
		Email:         entity.NormalizeEmail(in.Email),
		LoginMethod:   entity.LoginMethodEmail,
		IsActive:      true,
		EmailVerified: false,
		TermsAccepted: *in.TermsAccepted,
	}
	if problems := u.ValidateFields(); len(problems) > 0 {
		return nil, validationError("Validation failed", problems...)
	}

	// pre-check for a friendly message; the unique index decides races
	existing, err := s.store.GetByEmail(ctx, u.Email)
	switch {
	case err == nil && existing != nil:
		return nil, &Error{Kind: KindConflict, Message: "User with this email already exists"}
	case err != nil && !errors.Is(err, userrepo.ErrNotFound):
		return nil, internalError("lookup user", err)
	}

	hash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, internalError("hash password", err)
	}
	u.PasswordHash = hash

	if err := s.store.Create(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrDuplicate) {
			return nil, &Error{Kind: KindConflict, Message: "Email already registered", Err: err}
		}
		return nil, internalError("create user", err)
	}

	s.logger.Infow("user registered", "user_id", u.ID)
	s.publish(ctx, events.TypeUserRegistered, u)
	return u.View(), nil
}

// AuthenticateWithPassword checks email and password. Unknown email and wrong
// password produce the same error and take about the same time.
func (s *UserService) AuthenticateWithPassword(ctx context.Context, email, password string) (view *entity.View, err error) {
	defer func() { observeOutcome("login", err) }()

	email = entity.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, validationError("Email and password are required")
	}

	u, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			if dv, ok := s.hasher.(dummyVerifier); ok {
				dv.DummyVerify(ctx, password)
			}
			return nil, errInvalidCredentials()
		}
		return nil, internalError("lookup user", err)
	}

	if !u.HasPassword() {
		return nil, validationError("This account uses external sign-in. Please sign in with your identity provider.")
	}

	ok, err := s.hasher.Verify(ctx, u.PasswordHash, password)
	if err != nil {
		return nil, internalError("verify password", err)
	}
	if !ok {
		return nil, errInvalidCredentials()
	}

	if !u.IsActive {
		if s.LegacyDeactivatedMessage {
			return nil, &Error{Kind: KindForbidden, Message: "Account is deactivated"}
		}
		return nil, errInvalidCredentials()
	}

	if s.hasher.NeedsRehash(u.PasswordHash) {
		s.rehash(ctx, u.ID, password)
	}
	return u.View(), nil
}

// AuthenticateExternal signs in with a provider access token, creating or
// linking the local account as needed. Repeated calls for the same external
// user resolve to the same record.
func (s *UserService) AuthenticateExternal(ctx context.Context, accessToken string) (res *ExternalAuthResult, err error) {
	defer func() { observeOutcome("external_auth", err) }()

	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, validationError("Access token is required")
	}
	if s.identity == nil {
		return nil, internalError("external sign-in", errors.New("identity provider not configured"))
	}

	claims, err := s.identity.VerifyToken(ctx, accessToken)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Message: "Invalid or expired access token", Err: err}
	}

	profile, err := s.identity.FetchProfile(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, &Error{Kind: KindNotFound, Message: "Identity not found", Err: err}
		}
		return nil, internalError("fetch identity profile", err)
	}

	email := entity.NormalizeEmail(profile.Email)
	if email == "" {
		return nil, validationError("Email not found in identity profile")
	}

	u, err := s.reconcile(ctx, claims.UserID, email, profile)
	if err != nil {
		return nil, err
	}
	return &ExternalAuthResult{User: u.View(), ExternalUserID: claims.UserID, SessionID: claims.SessionID}, nil
}

// reconcile finds the account for an external identity by external id, then
// by email, and creates, links or refreshes it.
func (s *UserService) reconcile(ctx context.Context, externalID, email string, p *identity.Profile) (*entity.User, error) {
	u, err := s.findExternal(ctx, externalID, email)
	if err != nil {
		return nil, err
	}

	if u == nil {
		u, err = s.createExternal(ctx, externalID, email, p)
		if !errors.Is(err, userrepo.ErrDuplicate) {
			return u, err
		}
		// a concurrent request created or claimed the record first
		s.logger.Debugw("external create lost race, re-reading", "external_id", externalID)
		if u, err = s.findExternal(ctx, externalID, email); err != nil {
			return nil, err
		}
		if u == nil {
			return nil, internalError("create user", errors.New("duplicate reported but no record found"))
		}
	}

	if !u.IsActive {
		return nil, &Error{Kind: KindForbidden, Message: "Account is deactivated"}
	}

	if !u.IsLinked() {
		return s.link(ctx, u, externalID, p)
	}

	if u.ExternalIdentityID != externalID {
		// same email, different external identity: sign in without touching the record
		s.logger.Warnw("email matches an account linked to another identity",
			"user_id", u.ID, "external_id", externalID)
		return u, nil
	}
	return s.refreshPicture(ctx, u, p.PictureURL), nil
}

func (s *UserService) findExternal(ctx context.Context, externalID, email string) (*entity.User, error) {
	u, err := s.store.GetByExternalIdentity(ctx, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, userrepo.ErrNotFound) {
		return nil, internalError("lookup user", err)
	}
	u, err = s.store.GetByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, userrepo.ErrNotFound) {
		return nil, internalError("lookup user", err)
	}
	return nil, nil
}

// createExternal returns userrepo.ErrDuplicate unwrapped so the caller can retry the lookup.
func (s *UserService) createExternal(ctx context.Context, externalID, email string, p *identity.Profile) (*entity.User, error) {
	verified := s.ExternalEmailVerifiedDefault
	if p.EmailVerified != nil {
		verified = *p.EmailVerified
	}
	u := &entity.User{
		FullName:                  deriveFullName(p.DisplayName, email),
		Email:                     email,
		ExternalIdentityID:        externalID,
		ExternalProviderSubjectID: p.ProviderSubjectID,
		LoginMethod:               entity.LoginMethodExternal,
		ProfilePicture:            p.PictureURL,
		IsActive:                  true,
		EmailVerified:             verified,
		TermsAccepted:             true,
	}
	if problems := u.Validate(); len(problems) > 0 {
		return nil, validationError("Validation failed", problems...)
	}
	if err := s.store.Create(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrDuplicate) {
			return nil, err
		}
		return nil, internalError("create user", err)
	}
	s.logger.Infow("user created from external identity", "user_id", u.ID, "external_id", externalID)
	s.publish(ctx, events.TypeUserExternalCreated, u)
	return u, nil
}

func (s *UserService) link(ctx context.Context, u *entity.User, externalID string, p *identity.Profile) (*entity.User, error) {
	linked, err := s.store.LinkExternalIdentity(ctx, u.ID, entity.ExternalLink{
		ExternalIdentityID:        externalID,
		ExternalProviderSubjectID: p.ProviderSubjectID,
		ProfilePicture:            p.PictureURL,
	})
	switch {
	case err == nil:
		s.logger.Infow("external identity linked", "user_id", u.ID, "external_id", externalID)
		s.publish(ctx, events.TypeUserExternalLinked, linked)
		return linked, nil
	case errors.Is(err, userrepo.ErrAlreadyLinked):
		current, gerr := s.store.GetByID(ctx, u.ID)
		if gerr != nil {
			return nil, internalError("lookup user", gerr)
		}
		if current.ExternalIdentityID != externalID {
			s.logger.Warnw("account linked to another identity concurrently",
				"user_id", u.ID, "external_id", externalID)
		}
		return current, nil
	case errors.Is(err, userrepo.ErrDuplicate):
		// the external identity got attached to another record meanwhile
		current, gerr := s.store.GetByExternalIdentity(ctx, externalID)
		if gerr != nil {
			return nil, internalError("lookup user", gerr)
		}
		return current, nil
	default:
		return nil, internalError("link external identity", err)
	}
}

// refreshPicture is best-effort: a failed update still signs the user in.
func (s *UserService) refreshPicture(ctx context.Context, u *entity.User, url string) *entity.User {
	if url == "" || url == u.ProfilePicture {
		return u
	}
	updated, err := s.store.UpdateProfilePicture(ctx, u.ID, url)
	if err != nil {
		s.logger.Warnw("profile picture refresh failed", "user_id", u.ID, "err", err)
		return u
	}
	return updated
}

func (s *UserService) rehash(ctx context.Context, id, password string) {
	hash, err := s.hasher.Hash(ctx, password)
	if err == nil {
		err = s.store.UpdatePasswordHash(ctx, id, hash)
	}
	if err != nil {
		s.logger.Warnw("password rehash failed", "user_id", id, "err", err)
		return
	}
	s.logger.Debugw("password rehashed", "user_id", id)
}

// SetActiveByEmail deactivates or reactivates an account.
func (s *UserService) SetActiveByEmail(ctx context.Context, email string, active bool) (*entity.View, error) {
	email = entity.NormalizeEmail(email)
	if email == "" {
		return nil, validationError("Email is required")
	}
	u, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, &Error{Kind: KindNotFound, Message: "User not found", Err: err}
		}
		return nil, internalError("lookup user", err)
	}
	if u.IsActive == active {
		return u.View(), nil
	}
	u, err = s.store.SetActive(ctx, u.ID, active)
	if err != nil {
		return nil, internalError("set active", err)
	}
	s.logger.Infow("user active flag changed", "user_id", u.ID, "active", active)
	return u.View(), nil
}

func (s *UserService) publish(ctx context.Context, typ string, u *entity.User) {
	err := s.publisher.Publish(ctx, events.Event{
		Type:        typ,
		UserID:      u.ID,
		Email:       u.Email,
		LoginMethod: string(u.LoginMethod),
	})
	if err != nil {
		s.logger.Warnw("publish account event failed", "type", typ, "user_id", u.ID, "err", err)
	}
}

func errInvalidCredentials() *Error {
	return &Error{Kind: KindAuth, Message: "Invalid email or password"}
}

// deriveFullName prefers the provider display name, then the email local
// part, then a placeholder.
func deriveFullName(displayName, email string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	if name == "" {
		return placeholderFullName
	}
	if utf8.RuneCountInString(name) > entity.MaxFullNameLength {
		name = string([]rune(name)[:entity.MaxFullNameLength])
	}
	return name
}
