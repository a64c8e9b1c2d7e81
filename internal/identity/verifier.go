package identity

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/golang-jwt/jwt/v5"
)

const clockSkew = 30 * time.Second

// sessionClaims holds the provider's session id claim.
type sessionClaims struct {
	SessionID string `json:"sid"`
}

// Validate implements validator.CustomClaims
func (c *sessionClaims) Validate(ctx context.Context) error {
	return nil
}

// JWKSVerifier validates ES256 tokens against the app's published key set,
// which is cached for the configured TTL.
type JWKSVerifier struct {
	validator *validator.Validator
}

func NewJWKSVerifier(apiURL, appID string, cacheTTL time.Duration) (*JWKSVerifier, error) {
	issuerURL, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("parse identity api url: %w", err)
	}
	jwksURI, err := url.Parse(apiURL + "/api/v1/apps/" + url.PathEscape(appID) + "/jwks.json")
	if err != nil {
		return nil, fmt.Errorf("parse jwks url: %w", err)
	}

	provider := jwks.NewCachingProvider(issuerURL, cacheTTL, jwks.WithCustomJWKSURI(jwksURI))

	v, err := validator.New(
		provider.KeyFunc,
		validator.ES256,
		Issuer,
		[]string{appID},
		validator.WithCustomClaims(func() validator.CustomClaims {
			return &sessionClaims{}
		}),
		validator.WithAllowedClockSkew(clockSkew),
	)
	if err != nil {
		return nil, err
	}
	return &JWKSVerifier{validator: v}, nil
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := v.validator.ValidateToken(ctx, token)
	if err != nil {
		return Claims{}, err
	}
	validated, ok := claims.(*validator.ValidatedClaims)
	if !ok {
		return Claims{}, fmt.Errorf("unexpected claims type %T", claims)
	}
	out := Claims{UserID: validated.RegisteredClaims.Subject}
	if sc, ok := validated.CustomClaims.(*sessionClaims); ok {
		out.SessionID = sc.SessionID
	}
	return out, nil
}

// KeyVerifier validates ES256 tokens with a fixed PEM public key, for
// deployments that pin the verification key instead of fetching the JWKS.
type KeyVerifier struct {
	key    any
	parser *jwt.Parser
}

type tokenClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func NewKeyVerifier(pemKey, appID string) (*KeyVerifier, error) {
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse verification key: %w", err)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(appID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	return &KeyVerifier{key: key, parser: parser}, nil
}

func (v *KeyVerifier) Verify(_ context.Context, token string) (Claims, error) {
	var tc tokenClaims
	_, err := v.parser.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return Claims{}, err
	}
	return Claims{UserID: tc.Subject, SessionID: tc.SessionID}, nil
}
