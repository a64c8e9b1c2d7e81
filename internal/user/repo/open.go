package repo

import (
	"context"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
)

// Backend is a user store that owns its connection.
type Backend interface {
	Create(ctx context.Context, u *entity.User) error
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByExternalIdentity(ctx context.Context, externalID string) (*entity.User, error)
	LinkExternalIdentity(ctx context.Context, id string, link entity.ExternalLink) (*entity.User, error)
	UpdateProfilePicture(ctx context.Context, id, url string) (*entity.User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetActive(ctx context.Context, id string, active bool) (*entity.User, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open connects the store selected by cfg.StoreDriver and prepares its schema.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMongo:
		_, db, err := database.ConnectMongo(ctx, database.MongoConfig{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		r := NewMongoUserRepo(db.Collection(cfg.Mongo.Collection))
		if err := r.EnsureIndexes(ctx); err != nil {
			_ = r.Close(ctx)
			return nil, err
		}
		return r, nil
	case config.StoreDriverPostgres:
		db, err := database.ConnectSQLX(ctx, database.Config{
			DSN:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			TimeZone: cfg.Database.TimeZone,
		})
		if err != nil {
			return nil, err
		}
		return NewUserRepo(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
