// Package auth provides OAuth2/OIDC authentication for the conductor API.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Claims represents the OIDC claims conductor cares about. Groups feed the
// result visibility check: a job with group visibility is readable only by
// members of its submitter's groups.
type Claims struct {
	Subject  string    `json:"sub"`
	Name     string    `json:"name,omitempty"`
	Email    string    `json:"email,omitempty"`
	Groups   []string  `json:"groups,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
	Expiry   time.Time `json:"exp,omitempty"`
	IssuedAt time.Time `json:"iat,omitempty"`
}

// HasGroup checks if the user is in a specific group.
func (c *Claims) HasGroup(group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// IsExpired checks if the token has expired.
func (c *Claims) IsExpired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry)
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL.
	Issuer string

	// ClientID is the OAuth2 client ID.
	ClientID string

	// PublicPaths bypass authentication. Health endpoints are always
	// public.
	PublicPaths []string
}

// Authenticator verifies bearer tokens against an OIDC provider.
type Authenticator struct {
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	publicPaths map[string]bool
}

// New creates an authenticator, fetching the provider's discovery
// document.
func New(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	publicPaths := map[string]bool{
		"/health":  true,
		"/healthz": true,
		"/ready":   true,
		"/metrics": true,
	}
	for _, p := range cfg.PublicPaths {
		publicPaths[p] = true
	}
	return &Authenticator{
		provider:    provider,
		verifier:    verifier,
		publicPaths: publicPaths,
	}, nil
}

// VerifyToken verifies an ID token and returns claims.
func (a *Authenticator) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimPrefix(rawToken, "bearer ")

	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	return &claims, nil
}

// VerifyAccessToken verifies an opaque access token via the userinfo
// endpoint.
func (a *Authenticator) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	accessToken = strings.TrimPrefix(accessToken, "Bearer ")
	accessToken = strings.TrimPrefix(accessToken, "bearer ")

	userInfo, err := a.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	claims := &Claims{Subject: userInfo.Subject, Email: userInfo.Email}
	var extra map[string]any
	if err := userInfo.Claims(&extra); err == nil {
		if name, ok := extra["name"].(string); ok {
			claims.Name = name
		}
		if groups, ok := extra["groups"].([]any); ok {
			for _, g := range groups {
				if gs, ok := g.(string); ok {
					claims.Groups = append(claims.Groups, gs)
				}
			}
		}
	}
	return claims, nil
}
