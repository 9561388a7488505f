package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenResponse is the normalized result of a code exchange or refresh.
type TokenResponse struct {
	Type         string
	AccessToken  string
	RefreshToken string
	Updated      time.Time
	Expires      time.Time
}

// VerifyResponse is the normalized result of a token verification.
type VerifyResponse struct {
	TokenType          string
	CharacterID        int64
	CharacterName      string
	CharacterOwnerHash string
	ExpiresOn          string
	Scopes             ScopeSet
}

// ProviderClient issues the three remote calls against the identity
// provider token endpoints. It is stateless; every failure surfaces
// synchronously to the caller without retries.
type ProviderClient struct {
	cfg        SSOConfig
	authHeader string
	httpClient *http.Client
	oauth      *oauth2.Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewProviderClient builds the client with a bounded request timeout and an
// eagerly computed Basic auth header.
func NewProviderClient(cfg SSOConfig, logger *slog.Logger) *ProviderClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	oauthCfg := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.CallbackURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.LoginURL,
			TokenURL: cfg.CodeExchangeURL,
		},
	}

	return &ProviderClient{
		cfg:        cfg,
		authHeader: BasicAuthHeader(cfg.ClientID, cfg.ClientSecret),
		httpClient: &http.Client{Timeout: timeout},
		oauth:      oauthCfg,
		logger:     logger,
		now:        time.Now,
	}
}

// LoginURL constructs the provider authorization redirect carrying the
// anti-forgery state and requested scopes.
func (p *ProviderClient) LoginURL(state string, scopes ScopeSet) string {
	cfg := *p.oauth
	cfg.Scopes = scopes.Sorted()
	return cfg.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for an access/refresh token
// pair. 400 and 401 mean the provider rejected our application credentials
// or the code.
func (p *ProviderClient) ExchangeCode(ctx context.Context, code string) (TokenResponse, error) {
	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}

	status, body, err := p.postForm(ctx, p.cfg.CodeExchangeURL, form)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("exchange code: %w", err)
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return TokenResponse{}, &AuthenticationError{Status: status, Body: string(body)}
	case status < 200 || status >= 300:
		return TokenResponse{}, &StatusError{Status: status, Body: string(body)}
	}

	return p.parseTokenResponse(body)
}

// VerifyToken asks the provider who the token belongs to and which scopes it
// carries. 400, 401, and 403 all mean the token itself is no longer valid.
func (p *ProviderClient) VerifyToken(ctx context.Context, accessToken string) (VerifyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.TokenVerifyURL, nil)
	if err != nil {
		return VerifyResponse{}, fmt.Errorf("verify token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	status, body, err := p.do(req)
	if err != nil {
		return VerifyResponse{}, fmt.Errorf("verify token: %w", err)
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		p.logger.Warn("token verification rejected", "status", status, "body", string(body))
		return VerifyResponse{}, ErrTokenInvalid
	case status < 200 || status >= 300:
		return VerifyResponse{}, &StatusError{Status: status, Body: string(body)}
	}

	var payload struct {
		CharacterID        int64  `json:"CharacterID"`
		CharacterName      string `json:"CharacterName"`
		CharacterOwnerHash string `json:"CharacterOwnerHash"`
		TokenType          string `json:"TokenType"`
		ExpiresOn          string `json:"ExpiresOn"`
		Scopes             string `json:"Scopes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return VerifyResponse{}, fmt.Errorf("verify token: decode response: %w", err)
	}

	return VerifyResponse{
		TokenType:          payload.TokenType,
		CharacterID:        payload.CharacterID,
		CharacterName:      payload.CharacterName,
		CharacterOwnerHash: payload.CharacterOwnerHash,
		ExpiresOn:          payload.ExpiresOn,
		Scopes:             ParseScopes(payload.Scopes),
	}, nil
}

// RefreshToken mints a fresh access token from a refresh token. 400 and 401
// mean our application credentials were rejected; 403 means the refresh
// token itself is no longer valid.
func (p *ProviderClient) RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	status, body, err := p.postForm(ctx, p.cfg.TokenRefreshURL, form)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("refresh token: %w", err)
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return TokenResponse{}, &AuthenticationError{Status: status, Body: string(body)}
	case status == http.StatusForbidden:
		p.logger.Warn("token refresh rejected", "status", status, "body", string(body))
		return TokenResponse{}, ErrTokenInvalid
	case status < 200 || status >= 300:
		return TokenResponse{}, &StatusError{Status: status, Body: string(body)}
	}

	return p.parseTokenResponse(body)
}

func (p *ProviderClient) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", p.authHeader)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req)
}

func (p *ProviderClient) do(req *http.Request) (int, []byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// parseTokenResponse decodes the provider token payload. The expiry is the
// provider-stated lifetime, capped by TokenValidDuration when configured.
func (p *ProviderClient) parseTokenResponse(body []byte) (TokenResponse, error) {
	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}

	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if limit := p.cfg.TokenValidDuration; limit > 0 && limit < lifetime {
		lifetime = limit
	}

	now := p.now()
	return TokenResponse{
		Type:         payload.TokenType,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Updated:      now,
		Expires:      now.Add(lifetime),
	}, nil
}
