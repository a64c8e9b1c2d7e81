package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Issuer is the iss claim of provider-issued access tokens.
const Issuer = "privy.io"

var (
	// ErrInvalidToken covers malformed, expired and unverifiable tokens.
	ErrInvalidToken = errors.New("invalid or expired access token")
	// ErrNotFound means the provider has no user with the given id.
	ErrNotFound = errors.New("identity not found")
	// ErrUnavailable means the provider could not be reached or answered unexpectedly.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Claims are the verified contents of an access token.
type Claims struct {
	UserID    string
	SessionID string
}

// Profile is the provider's view of a user.
type Profile struct {
	Email string
	// EmailVerified is nil when the provider does not say.
	EmailVerified     *bool
	DisplayName       string
	ProviderSubjectID string
	PictureURL        string
}

// TokenVerifier checks an access token signature and its registered claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

type Config struct {
	AppID     string
	AppSecret string
	APIURL    string
	// VerificationKey is an optional PEM public key. When empty the app JWKS is used.
	VerificationKey string
	Timeout         time.Duration
	JWKSCacheTTL    time.Duration
}

// Client talks to the identity provider: it verifies access tokens and fetches
// user profiles from the provider API.
type Client struct {
	cfg      Config
	verifier TokenVerifier
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	logger   *zap.SugaredLogger
}

func NewClient(cfg Config, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("identity: app id and secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = 5 * time.Minute
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	var (
		verifier TokenVerifier
		err      error
	)
	if cfg.VerificationKey != "" {
		verifier, err = NewKeyVerifier(cfg.VerificationKey, cfg.AppID)
	} else {
		verifier, err = NewJWKSVerifier(cfg.APIURL, cfg.AppID, cfg.JWKSCacheTTL)
	}
	if err != nil {
		return nil, err
	}
	return newClient(cfg, verifier, &http.Client{Timeout: cfg.Timeout}, logger), nil
}

func newClient(cfg Config, verifier TokenVerifier, hc *http.Client, logger *zap.SugaredLogger) *Client {
	st := gobreaker.Settings{
		Name:        "identity-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a missing user is an answer, not a provider failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infow("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Client{
		cfg:      cfg,
		verifier: verifier,
		http:     hc,
		cb:       gobreaker.NewCircuitBreaker(st),
		logger:   logger,
	}
}

// VerifyToken never retries: a bad token is a client error.
func (c *Client) VerifyToken(ctx context.Context, token string) (Claims, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	claims, err := c.verifier.Verify(ctx, token)
	if err != nil {
		c.logger.Debugw("access token rejected", "err", err)
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
