package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

// Schema lives in pkg/database/migrations. Uniqueness of email (citext, so
// case-insensitive) and of non-null external_identity_id is enforced there;
// those constraints are the final arbiter for concurrent writers.

const userColumns = `id, full_name, email, password_hash, external_identity_id, external_provider_subject_id,
	login_method, profile_picture, is_active, email_verified, terms_accepted, created_at, updated_at`

// UserRepo provides data access for users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

type userRow struct {
	ID                        string         `db:"id"`
	FullName                  string         `db:"full_name"`
	Email                     string         `db:"email"`
	PasswordHash              sql.NullString `db:"password_hash"`
	ExternalIdentityID        sql.NullString `db:"external_identity_id"`
	ExternalProviderSubjectID sql.NullString `db:"external_provider_subject_id"`
	LoginMethod               string         `db:"login_method"`
	ProfilePicture            sql.NullString `db:"profile_picture"`
	IsActive                  bool           `db:"is_active"`
	EmailVerified             bool           `db:"email_verified"`
	TermsAccepted             bool           `db:"terms_accepted"`
	CreatedAt                 time.Time      `db:"created_at"`
	UpdatedAt                 time.Time      `db:"updated_at"`
}

func (r userRow) toEntity() *entity.User {
	return &entity.User{
		ID:                        r.ID,
		FullName:                  r.FullName,
		Email:                     r.Email,
		PasswordHash:              r.PasswordHash.String,
		ExternalIdentityID:        r.ExternalIdentityID.String,
		ExternalProviderSubjectID: r.ExternalProviderSubjectID.String,
		LoginMethod:               entity.LoginMethod(r.LoginMethod),
		ProfilePicture:            r.ProfilePicture.String,
		IsActive:                  r.IsActive,
		EmailVerified:             r.EmailVerified,
		TermsAccepted:             r.TermsAccepted,
		CreatedAt:                 r.CreatedAt,
		UpdatedAt:                 r.UpdatedAt,
	}
}

// Create inserts u, assigning its ID and timestamps.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	const q = `INSERT INTO users (id, full_name, email, password_hash, external_identity_id, external_provider_subject_id,
		login_method, profile_picture, is_active, email_verified, terms_accepted, created_at, updated_at)
		VALUES (:id, :full_name, :email, :password_hash, :external_identity_id, :external_provider_subject_id,
		:login_method, :profile_picture, :is_active, :email_verified, :terms_accepted, :created_at, :updated_at)`

	now := time.Now().UTC().Truncate(time.Microsecond)
	id := utilities.NewSnowflakeID()
	params := map[string]any{
		"id":                           id,
		"full_name":                    u.FullName,
		"email":                        u.Email,
		"password_hash":                nullString(u.PasswordHash),
		"external_identity_id":         nullString(u.ExternalIdentityID),
		"external_provider_subject_id": nullString(u.ExternalProviderSubjectID),
		"login_method":                 string(u.LoginMethod),
		"profile_picture":              nullString(u.ProfilePicture),
		"is_active":                    u.IsActive,
		"email_verified":               u.EmailVerified,
		"terms_accepted":               u.TermsAccepted,
		"created_at":                   now,
		"updated_at":                   now,
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return mapError("create user", err)
	}
	u.ID = id
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// GetByID fetches a full user row.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	return r.getOne(ctx, "get user by id", `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail matches case-insensitively (citext).
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.getOne(ctx, "get user by email", `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetByExternalIdentity fetches the user an external identity is attached to.
func (r *UserRepo) GetByExternalIdentity(ctx context.Context, externalID string) (*entity.User, error) {
	return r.getOne(ctx, "get user by external identity", `SELECT `+userColumns+` FROM users WHERE external_identity_id = $1`, externalID)
}

// LinkExternalIdentity attaches an external identity to a record that has none.
// It returns ErrAlreadyLinked when another writer linked the record first.
func (r *UserRepo) LinkExternalIdentity(ctx context.Context, id string, link entity.ExternalLink) (*entity.User, error) {
	const q = `UPDATE users SET external_identity_id = $2, external_provider_subject_id = $3, login_method = $4,
		profile_picture = COALESCE($5, profile_picture), updated_at = GREATEST(NOW(), updated_at)
		WHERE id = $1 AND external_identity_id IS NULL
		RETURNING ` + userColumns
	var row userRow
	err := r.db.GetContext(ctx, &row, q, id, link.ExternalIdentityID, nullString(link.ExternalProviderSubjectID),
		string(entity.LoginMethodExternal), nullString(link.ProfilePicture))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlreadyLinked
		}
		return nil, mapError("link external identity", err)
	}
	return row.toEntity(), nil
}

// UpdateProfilePicture replaces the avatar URL.
func (r *UserRepo) UpdateProfilePicture(ctx context.Context, id, url string) (*entity.User, error) {
	const q = `UPDATE users SET profile_picture = $2, updated_at = GREATEST(NOW(), updated_at)
		WHERE id = $1 RETURNING ` + userColumns
	return r.getOne(ctx, "update profile picture", q, id, url)
}

// UpdatePasswordHash stores a new hash for an existing password account.
func (r *UserRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	const q = `UPDATE users SET password_hash = $2, updated_at = GREATEST(NOW(), updated_at) WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, hash)
	if err != nil {
		return mapError("update password hash", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive marks a user as active or deactivated.
func (r *UserRepo) SetActive(ctx context.Context, id string, active bool) (*entity.User, error) {
	const q = `UPDATE users SET is_active = $2, updated_at = GREATEST(NOW(), updated_at)
		WHERE id = $1 RETURNING ` + userColumns
	return r.getOne(ctx, "set active", q, id, active)
}

func (r *UserRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *UserRepo) Close(context.Context) error { return r.db.Close() }

func (r *UserRepo) getOne(ctx context.Context, op, q string, args ...any) (*entity.User, error) {
	var row userRow
	if err := r.db.GetContext(ctx, &row, q, args...); err != nil {
		return nil, mapError(op, err)
	}
	return row.toEntity(), nil
}

// mapError translates driver errors into the package sentinels.
func mapError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		key := KeyEmail
		if strings.Contains(pqErr.Constraint, KeyExternalIdentityID) {
			key = KeyExternalIdentityID
		}
		return &DuplicateError{Key: key, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
