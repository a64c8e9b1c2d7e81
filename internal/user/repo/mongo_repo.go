package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

const (
	emailIndexName      = "email_unique"
	externalIDIndexName = "external_identity_id_unique"
)

// MongoUserRepo stores users as documents keyed by their snowflake id.
type MongoUserRepo struct {
	col *mongo.Collection
}

func NewMongoUserRepo(col *mongo.Collection) *MongoUserRepo { return &MongoUserRepo{col: col} }

type userDocument struct {
	ID                        string    `bson:"_id"`
	FullName                  string    `bson:"full_name"`
	Email                     string    `bson:"email"`
	PasswordHash              string    `bson:"password_hash,omitempty"`
	ExternalIdentityID        string    `bson:"external_identity_id,omitempty"`
	ExternalProviderSubjectID string    `bson:"external_provider_subject_id,omitempty"`
	LoginMethod               string    `bson:"login_method"`
	ProfilePicture            string    `bson:"profile_picture,omitempty"`
	IsActive                  bool      `bson:"is_active"`
	EmailVerified             bool      `bson:"email_verified"`
	TermsAccepted             bool      `bson:"terms_accepted"`
	CreatedAt                 time.Time `bson:"created_at"`
	UpdatedAt                 time.Time `bson:"updated_at"`
}

func (d userDocument) toEntity() *entity.User {
	return &entity.User{
		ID:                        d.ID,
		FullName:                  d.FullName,
		Email:                     d.Email,
		PasswordHash:              d.PasswordHash,
		ExternalIdentityID:        d.ExternalIdentityID,
		ExternalProviderSubjectID: d.ExternalProviderSubjectID,
		LoginMethod:               entity.LoginMethod(d.LoginMethod),
		ProfilePicture:            d.ProfilePicture,
		IsActive:                  d.IsActive,
		EmailVerified:             d.EmailVerified,
		TermsAccepted:             d.TermsAccepted,
		CreatedAt:                 d.CreatedAt,
		UpdatedAt:                 d.UpdatedAt,
	}
}

// EnsureIndexes creates the unique indexes the repository relies on. Emails are
// stored normalized, so a plain unique index gives case-insensitive uniqueness.
// The external identity index is sparse: unlinked documents omit the field.
func (r *MongoUserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName(emailIndexName).SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "external_identity_id", Value: 1}},
			Options: options.Index().SetName(externalIDIndexName).SetUnique(true).SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}

func (r *MongoUserRepo) Create(ctx context.Context, u *entity.User) error {
	// mongo stores milliseconds
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := userDocument{
		ID:                        utilities.NewSnowflakeID(),
		FullName:                  u.FullName,
		Email:                     u.Email,
		PasswordHash:              u.PasswordHash,
		ExternalIdentityID:        u.ExternalIdentityID,
		ExternalProviderSubjectID: u.ExternalProviderSubjectID,
		LoginMethod:               string(u.LoginMethod),
		ProfilePicture:            u.ProfilePicture,
		IsActive:                  u.IsActive,
		EmailVerified:             u.EmailVerified,
		TermsAccepted:             u.TermsAccepted,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return mongoError("insert user", err)
	}
	u.ID = doc.ID
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

func (r *MongoUserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	return r.findOne(ctx, "find user by id", bson.M{"_id": id})
}

func (r *MongoUserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.findOne(ctx, "find user by email", bson.M{"email": entity.NormalizeEmail(email)})
}

func (r *MongoUserRepo) GetByExternalIdentity(ctx context.Context, externalID string) (*entity.User, error) {
	return r.findOne(ctx, "find user by external identity", bson.M{"external_identity_id": externalID})
}

// LinkExternalIdentity only matches documents without an external identity, so
// of two concurrent links at most one succeeds; the loser gets ErrAlreadyLinked.
func (r *MongoUserRepo) LinkExternalIdentity(ctx context.Context, id string, link entity.ExternalLink) (*entity.User, error) {
	set := bson.M{
		"external_identity_id": link.ExternalIdentityID,
		"login_method":         string(entity.LoginMethodExternal),
	}
	if link.ExternalProviderSubjectID != "" {
		set["external_provider_subject_id"] = link.ExternalProviderSubjectID
	}
	if link.ProfilePicture != "" {
		set["profile_picture"] = link.ProfilePicture
	}
	filter := bson.M{"_id": id, "external_identity_id": bson.M{"$exists": false}}

	u, err := r.findOneAndUpdate(ctx, "link external identity", filter, set)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAlreadyLinked
	}
	return u, err
}

func (r *MongoUserRepo) UpdateProfilePicture(ctx context.Context, id, url string) (*entity.User, error) {
	return r.findOneAndUpdate(ctx, "update profile picture", bson.M{"_id": id}, bson.M{"profile_picture": url})
}

func (r *MongoUserRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"password_hash": hash},
		"$max": bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return mongoError("update password hash", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoUserRepo) SetActive(ctx context.Context, id string, active bool) (*entity.User, error) {
	return r.findOneAndUpdate(ctx, "set active", bson.M{"_id": id}, bson.M{"is_active": active})
}

func (r *MongoUserRepo) Ping(ctx context.Context) error {
	return r.col.Database().Client().Ping(ctx, nil)
}

// Close disconnects the client the collection belongs to.
func (r *MongoUserRepo) Close(ctx context.Context) error {
	return r.col.Database().Client().Disconnect(ctx)
}

func (r *MongoUserRepo) findOne(ctx context.Context, op string, filter bson.M) (*entity.User, error) {
	var doc userDocument
	if err := r.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, mongoError(op, err)
	}
	return doc.toEntity(), nil
}

// findOneAndUpdate applies set and moves updated_at forward, never backward.
func (r *MongoUserRepo) findOneAndUpdate(ctx context.Context, op string, filter, set bson.M) (*entity.User, error) {
	update := bson.M{
		"$set": set,
		"$max": bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc userDocument
	if err := r.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, mongoError(op, err)
	}
	return doc.toEntity(), nil
}

func mongoError(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		key := KeyEmail
		if strings.Contains(err.Error(), KeyExternalIdentityID) {
			key = KeyExternalIdentityID
		}
		return &DuplicateError{Key: key, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
