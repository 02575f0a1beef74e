package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrTokenExpired is returned by a static token past its exp claim.
var ErrTokenExpired = errors.New("access token expired")

// expiryMargin is how long before exp a token is treated as expired.
const expiryMargin = 30 * time.Second

// StaticToken serves a fixed bearer token. If the token is a JWT its exp
// claim is honoured; opaque tokens never expire.
type StaticToken struct {
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewStaticToken wraps a fixed token.
func NewStaticToken(token string) *StaticToken {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	return &StaticToken{
		token:     token,
		expiresAt: jwtExpiry(token),
		now:       time.Now,
	}
}

// jwtExpiry reads exp without verifying the signature; the token is only
// forwarded, never trusted locally.
func jwtExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// ExpiresAt returns the token expiry, or the zero time if unknown.
func (s *StaticToken) ExpiresAt() time.Time {
	return s.expiresAt
}

// IsExpired returns true if the token has expired (with optional margin).
func (s *StaticToken) IsExpired(margin time.Duration) bool {
	if s.expiresAt.IsZero() {
		return false
	}
	return s.now().Add(margin).After(s.expiresAt)
}

// Token returns the token, or ErrTokenExpired.
func (s *StaticToken) Token(_ context.Context) (string, error) {
	if s.token == "" {
		return "", nil
	}
	if s.IsExpired(expiryMargin) {
		return "", fmt.Errorf("%w at %s", ErrTokenExpired, s.expiresAt.Format(time.RFC3339))
	}
	return s.token, nil
}

// OAuth2Config holds two-legged client credential settings.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// OAuth2Token fetches tokens with the client credentials grant and caches
// them until shortly before expiry.
type OAuth2Token struct {
	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewOAuth2Token creates a refreshing token provider. ctx carries the HTTP
// client used for token requests and must outlive the provider.
func NewOAuth2Token(ctx context.Context, cfg OAuth2Config) (*OAuth2Token, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("oauth2 client id and secret are required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("oauth2 token url is required")
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return &OAuth2Token{src: cc.TokenSource(ctx)}, nil
}

// Token returns a valid access token, refreshing it if expired.
func (o *OAuth2Token) Token(_ context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tok, err := o.src.Token()
	if err != nil {
		return "", fmt.Errorf("oauth2 token: %w", err)
	}
	return tok.AccessToken, nil
}
