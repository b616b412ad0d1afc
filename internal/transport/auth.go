// internal/transport/auth.go
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/apierr"
)

// TokenResponse is the body of the login, second-factor and refresh endpoints.
type TokenResponse struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	ExpiresIn         int64  `json:"expires_in"`
	TokenType         string `json:"token_type"`
	TwoFactorRequired bool   `json:"two_factor_required"`
	ChallengeID       string `json:"challenge_id"`
}

// ExpiresAt converts ExpiresIn to an absolute time, or zero if absent.
func (t TokenResponse) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// AuthClient wraps the authentication endpoints.
type AuthClient struct {
	client *Client
}

func NewAuthClient(c *Client) *AuthClient {
	return &AuthClient{client: c}
}

// Login posts credentials. Rejected credentials yield AuthError.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	const op = "login"
	resp, err := a.client.Do(ctx, op, Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   map[string]string{"username": username, "password": password},
	})
	if err != nil {
		return nil, err
	}
	return decodeTokens(op, resp, apierr.ErrAuth, true)
}

// VerifySecondFactor completes a pending challenge.
func (a *AuthClient) VerifySecondFactor(ctx context.Context, challengeID, code string) (*TokenResponse, error) {
	const op = "verify second factor"
	resp, err := a.client.Do(ctx, op, Request{
		Method: http.MethodPost,
		Path:   "/auth/verify-2fa",
		Body:   map[string]string{"challenge_id": challengeID, "code": code},
	})
	if err != nil {
		return nil, err
	}
	return decodeTokens(op, resp, apierr.ErrAuth, false)
}

// Refresh exchanges the refresh token, sent as bearer, for new tokens. A
// rejection yields SessionExpiredError; network failures stay TransportError.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	const op = "refresh"
	resp, err := a.client.Do(ctx, op, Request{
		Method: http.MethodPost,
		Path:   "/auth/refresh",
		Token:  refreshToken,
	})
	if err != nil {
		return nil, err
	}
	return decodeTokens(op, resp, apierr.ErrSessionExpired, false)
}

// Logout revokes the access token server side.
func (a *AuthClient) Logout(ctx context.Context, accessToken string) error {
	const op = "logout"
	resp, err := a.client.Do(ctx, op, Request{
		Method: http.MethodPost,
		Path:   "/auth/logout",
		Token:  accessToken,
	})
	if err != nil {
		return err
	}
	if resp.Status == http.StatusUnauthorized {
		// already invalid server side
		return nil
	}
	return Classify(op, resp)
}

// decodeTokens maps 400/401/403 to rejectKind and validates the token body.
func decodeTokens(op string, resp *Response, rejectKind error, allowChallenge bool) (*TokenResponse, error) {
	switch resp.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return nil, apierr.FromStatus(rejectKind, op, resp.Status, DetailOf(resp.Body))
	}
	if err := Classify(op, resp); err != nil {
		return nil, err
	}

	var tokens TokenResponse
	if err := resp.Decode(&tokens); err != nil {
		return nil, apierr.Wrap(apierr.ErrAPI, op, fmt.Errorf("decode tokens: %w", err))
	}
	if allowChallenge && tokens.TwoFactorRequired {
		if tokens.ChallengeID == "" {
			return nil, apierr.New(apierr.ErrAPI, op, "second factor required without challenge id")
		}
		return &tokens, nil
	}
	if tokens.AccessToken == "" {
		return nil, apierr.New(apierr.ErrAPI, op, "response has no access token")
	}
	return &tokens, nil
}
