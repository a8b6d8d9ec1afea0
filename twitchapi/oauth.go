package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/chat-relay/credentials"
)

// RefreshResult is the token endpoint body for a refresh_token grant.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ValidateResult is the body of GET /oauth2/validate.
type ValidateResult struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ComputeExpiry turns expires_in into an absolute time. Twitch omits it for
// some grants, in which case an hour is assumed.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// identity sends req to the id.twitch.tv API and decodes a 200 body into out.
func (c *Client) identity(op string, req *http.Request, out any) error {
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return newAPIError(op, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RefreshToken runs the refresh_token grant. Twitch rotates the refresh token,
// so callers must persist the returned one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	switch {
	case c.ClientID == "" || c.ClientSecret == "":
		return nil, errors.New("refresh needs TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET")
	case refreshToken == "":
		return nil, errors.New("no refresh token")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idBase+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res := new(RefreshResult)
	if err := c.identity("refresh", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Refresher adapts RefreshToken to the credential manager.
func (c *Client) Refresher() credentials.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (credentials.Credential, error) {
		res, err := c.RefreshToken(ctx, refreshToken)
		if err != nil {
			return credentials.Credential{}, err
		}
		return credentials.Credential{
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
			ExpiresAt:    ComputeExpiry(res.ExpiresIn),
		}, nil
	}
}

// ValidateToken asks Twitch who owns token and which scopes it carries.
func (c *Client) ValidateToken(ctx context.Context, token string) (*ValidateResult, error) {
	if token == "" {
		return nil, errors.New("no token to validate")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, idBase+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	res := new(ValidateResult)
	if err := c.identity("validate", req, res); err != nil {
		return nil, err
	}
	return res, nil
}
