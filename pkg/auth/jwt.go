package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
)

const DefaultTTL = 24 * time.Hour

type Claims struct {
	Identity identity.ID `json:"identity"`
	jwt.RegisteredClaims
}

type contextKey string

const claimsKey contextKey = "claims"

// Issuer signs and validates HS256 tokens with one secret.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{key: []byte(secret), ttl: ttl, now: time.Now}
}

// GenerateToken creates a token for id.
func (i *Issuer) GenerateToken(id identity.ID) (string, error) {
	now := i.now()
	claims := &Claims{
		Identity: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.key)
}

// ValidateToken parses and validates a token. Every failure is Unauthorized.
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindUnauthorized, err, "invalid token")
	}
	if !token.Valid {
		return nil, chaterr.New(chaterr.KindUnauthorized, "invalid token")
	}

	id, err := identity.Normalize(string(claims.Identity))
	if err != nil {
		return nil, chaterr.New(chaterr.KindUnauthorized, "token has no identity")
	}
	claims.Identity = id
	return claims, nil
}

// TokenFromRequest reads the Authorization header, falling back to the token
// query parameter that browser websocket clients have to use.
func TokenFromRequest(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(tokenString, "Bearer ")
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}
