package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the "typ" claim.
const (
	TokenAccess     = "access"
	TokenInvitation = "invitation"
)

// ErrInvalidToken covers every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the signed claim set.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id,omitempty"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles"`
	Type     string   `json:"typ"`
	jwt.RegisteredClaims
}

// IssuedAtTime and ExpiresAtTime unwrap the registered claims.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenManager signs and verifies HS256 claim sets.
type TokenManager struct {
	secret   []byte
	issuer   string
	audience string
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenManager requires a non-empty secret. Zero lifetime means 24h.
func NewTokenManager(secret, issuer, audience string, lifetime time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret required")
	}
	if issuer == "" {
		issuer = "tenantguard"
	}
	if audience == "" {
		audience = "tenantguard"
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &TokenManager{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

// Lifetime is the access token validity window.
func (tm *TokenManager) Lifetime() time.Duration { return tm.lifetime }

// IssueAccess signs an access token for an authenticated user.
func (tm *TokenManager) IssueAccess(tenantID, userID, username string, roles []string) (string, *Claims, error) {
	if tenantID == "" || userID == "" {
		return "", nil, fmt.Errorf("tenant_id and user_id required")
	}
	return tm.sign(&Claims{
		TenantID: tenantID,
		UserID:   userID,
		Username: username,
		Roles:    slices.Clone(roles),
		Type:     TokenAccess,
	}, tm.lifetime, userID)
}

// IssueInvitation signs a registration invitation for tenantID.
func (tm *TokenManager) IssueInvitation(tenantID string, roles []string, ttl time.Duration) (string, *Claims, error) {
	if tenantID == "" {
		return "", nil, fmt.Errorf("tenant_id required")
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return tm.sign(&Claims{
		TenantID: tenantID,
		Roles:    slices.Clone(roles),
		Type:     TokenInvitation,
	}, ttl, "")
}

func (tm *TokenManager) sign(claims *Claims, ttl time.Duration, subject string) (string, *Claims, error) {
	now := tm.now()
	if claims.Roles == nil {
		claims.Roles = []string{}
	}
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    tm.issuer,
		Audience:  jwt.ClaimStrings{tm.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// VerifyAccess checks signature, expiry, issuer, audience and type.
func (tm *TokenManager) VerifyAccess(tokenString string) (*Claims, error) {
	claims, err := tm.verify(tokenString, TokenAccess)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyInvitation checks an invitation token.
func (tm *TokenManager) VerifyInvitation(tokenString string) (*Claims, error) {
	return tm.verify(tokenString, TokenInvitation)
}

func (tm *TokenManager) verify(tokenString, typ string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithAudience(tm.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != typ || claims.TenantID == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractToken returns the credential from an "Authorization: Bearer x" header.
func ExtractToken(authHeader string) (string, error) {
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("invalid authorization header")
	}
	return parts[1], nil
}
