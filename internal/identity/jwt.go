package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/pkg/models"
)

var signingMethod = jwt.SigningMethodHS256

// Identity is the authenticated caller. UserType doubles as the
// conversation party the caller speaks for.
type Identity struct {
	UserID   string       `json:"user_id"`
	Username string       `json:"username"`
	UserType models.Party `json:"user_type"`
}

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

type Claims struct {
	Username string       `json:"username"`
	UserType models.Party `json:"user_type"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens issued by the identity service.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthorized, "missing credential")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{signingMethod.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != signingMethod {
			return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, apperrors.Wrap(apperrors.CodeUnauthorized, err, "invalid token")
	}

	if claims.Subject == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthorized, "token has no subject")
	}
	if !claims.UserType.IsValid() {
		return Identity{}, apperrors.Newf(apperrors.CodeUnauthorized, "token has invalid user type %q", claims.UserType)
	}

	return Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
		UserType: claims.UserType,
	}, nil
}

// Mint signs a token for id. Login lives in the identity service; this is
// used by tests and local tooling.
func (a *JWTAuthenticator) Mint(id Identity, now time.Time, ttl time.Duration) (string, error) {
	if !id.UserType.IsValid() {
		return "", fmt.Errorf("invalid user type %q", id.UserType)
	}
	claims := Claims{
		Username: id.Username,
		UserType: id.UserType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}
