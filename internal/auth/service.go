package auth

import (
	"context"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maolilup/TiShiNengRunning/internal/client"
	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/envelope"
	"github.com/pkg/errors"
)

// Service handles the OAuth password/refresh grants and token inspection.
type Service struct {
	cfg    config.Server
	client *client.Client
}

// NewService creates the auth service on top of the transport client.
func NewService(cfg config.Server, c *client.Client) *Service {
	return &Service{cfg: cfg, client: c}
}

// Login performs the password grant. The password travels AES encrypted under
// the vendor's fixed password key, zero padded, as the app does it.
func (s *Service) Login(ctx context.Context, username, password string) (*client.TokenResponse, error) {
	cipher, err := envelope.NewCBCCipher(s.cfg.Vendor.PasswordKey, s.cfg.Vendor.PasswordKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create password cipher")
	}
	encPassword, err := cipher.EncryptZeroPadded(password)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt password")
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", encPassword)
	form.Set("grant_type", "password")
	form.Set("type", "app")
	form.Set("appType", "stuApp")

	token, err := s.client.OAuthToken(ctx, form)
	if err != nil {
		return nil, errors.Wrap(err, "password grant failed")
	}
	return token, nil
}

// Refresh performs the refresh grant.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*client.TokenResponse, error) {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("scope", "server")
	form.Set("grant_type", "refresh_token")
	form.Set("type", "app")
	form.Set("appType", "stuApp")

	token, err := s.client.OAuthToken(ctx, form)
	if err != nil {
		return nil, errors.Wrap(err, "refresh grant failed")
	}
	return token, nil
}

// TokenExpiry reads the expiry from the backend's JWT without verifying the
// signature; we only hold the public half of nothing here, the server
// validates for real.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, errors.Wrap(err, "failed to parse token")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("token has no expiry")
	}
	return exp.Time, nil
}

// NeedsRefresh reports whether the token expires within the leeway.
func NeedsRefresh(token string, now time.Time, leeway time.Duration) bool {
	exp, err := TokenExpiry(token)
	if err != nil {
		return true
	}
	return exp.Before(now.Add(leeway))
}
