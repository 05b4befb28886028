package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleCustomer   = "customer"
	RoleTechnician = "technician"
	RoleAdmin      = "admin"
	// RoleService is carried only by tokens services mint for each other.
	RoleService = "service"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the bearer payload shared by every service. user_id is the customer
// identifier; sub is used when user_id is absent (service tokens).
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Principal returns the caller identity.
func (c *Claims) Principal() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

func (c *Claims) HasRole(roles ...string) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// IsStaff reports whether the caller may see other customers' data.
func (c *Claims) IsStaff() bool {
	return c.HasRole(RoleTechnician, RoleAdmin)
}

type Verifier struct {
	secret []byte
	leeway time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: 5 * time.Second}
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Principal() == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyBearer accepts an Authorization header value ("Bearer <jwt>").
func (v *Verifier) VerifyBearer(header string) (*Claims, error) {
	token, ok := BearerToken(header)
	if !ok {
		return nil, ErrInvalidToken
	}
	return v.Verify(token)
}

func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

func Sign(claims Claims, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// MintServiceToken issues a short-lived token with the service role for
// service-to-service calls. It never carries an end user's identity.
func MintServiceToken(secret, service string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		return "", errors.New("service token ttl must be positive")
	}
	return Sign(Claims{
		Role: RoleService,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}, secret)
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}
