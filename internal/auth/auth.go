// Package auth resolves bearer credentials into requester identities. The
// gateway trusts the platform's identity service to issue tokens; it only
// verifies them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
)

// Claims carries the requester identity. The subject is the requester ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens signed with a shared secret.
type JWTResolver struct {
	secret []byte
	leeway time.Duration
}

var _ ports.IdentityResolver = (*JWTResolver)(nil)

// NewJWTResolver creates a resolver. secret must not be empty.
func NewJWTResolver(secret string) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	return &JWTResolver{secret: []byte(secret), leeway: 30 * time.Second}, nil
}

// Resolve validates token and returns the requester it names.
func (r *JWTResolver) Resolve(_ context.Context, token string) (domain.Requester, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(r.leeway))
	if err != nil {
		return domain.Requester{}, domain.ErrPermissionDenied("invalid token").Wrap(err)
	}
	if !parsed.Valid {
		return domain.Requester{}, domain.ErrPermissionDenied("invalid token")
	}
	if claims.Subject == "" {
		return domain.Requester{}, domain.ErrPermissionDenied("token has no subject")
	}

	role := domain.Role(strings.ToLower(claims.Role))
	switch role {
	case domain.RoleStudent, domain.RoleTeacher, domain.RoleAdmin:
	default:
		return domain.Requester{}, domain.Errorf(domain.KindPermissionDenied, "unknown role %q", claims.Role)
	}
	return domain.Requester{ID: claims.Subject, Role: role}, nil
}

// IssueToken signs a token for requester. Used by the CLI and tests; the
// platform's identity service issues production tokens.
func IssueToken(secret string, requester domain.Requester, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: string(requester.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requester.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ExtractBearer extracts the token from the Authorization header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("unsupported authorization scheme")
	}
	return strings.TrimSpace(parts[1]), nil
}
