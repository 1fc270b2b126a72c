// Package freeagent is the client layer for the external ledger service. It
// covers OAuth token refresh, paginated resource access and bill creation.
package freeagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

const (
	defaultTokenEndpoint = "https://api.freeagent.com/v2/token_endpoint"

	// Refresh slightly before the recorded expiry so an in-flight request
	// does not race the ledger's own clock.
	tokenExpiryBuffer = 2 * time.Minute
)

// OrganizationTokenStore persists rotated tokens back onto the organization.
type OrganizationTokenStore interface {
	UpdateFreeAgentTokens(ctx context.Context, orgID, accessToken, refreshToken string, expiry time.Time) error
	ClearFreeAgentTokens(ctx context.Context, orgID string) error
}

// TokenManager exchanges refresh tokens for access tokens per organization.
// Refresh is lazy: it happens at most once per GetValidAccessToken call, on
// the operation that first observes the expiry. Concurrent refreshes are
// tolerated; the latest persisted token wins.
type TokenManager struct {
	endpoint     string
	clientID     string
	clientSecret string
	store        OrganizationTokenStore
	httpClient   *http.Client
	log          zerolog.Logger
}

// NewTokenManager creates a token manager. An empty endpoint selects the
// ledger's production token endpoint.
func NewTokenManager(endpoint, clientID, clientSecret string, store OrganizationTokenStore, log zerolog.Logger) *TokenManager {
	if endpoint == "" {
		endpoint = defaultTokenEndpoint
	}
	return &TokenManager{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          log,
	}
}

// GetValidAccessToken returns a usable access token for the organization,
// refreshing and persisting first when the stored token has expired. A
// missing refresh token is surfaced as ErrCodeTokenReconnect and must not be
// retried.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, org *repository.Organization) (string, error) {
	if !org.LedgerConnected() {
		return "", errors.New(errors.ErrCodeTokenReconnect, "ledger is not connected for this organization")
	}

	if org.FreeAgentTokenExpiry == nil || time.Now().Add(tokenExpiryBuffer).Before(*org.FreeAgentTokenExpiry) {
		return *org.FreeAgentAccessToken, nil
	}

	if org.FreeAgentRefreshToken == nil || *org.FreeAgentRefreshToken == "" {
		return "", errors.New(errors.ErrCodeTokenReconnect, "ledger token expired and no refresh token is stored; reconnect required")
	}

	access, refresh, expiry, err := m.refresh(ctx, *org.FreeAgentRefreshToken)
	if err != nil {
		// A rejected refresh token is dead; clear it so the organization
		// shows as disconnected until it re-authorizes.
		if errors.IsCode(err, errors.ErrCodeTokenReconnect) {
			if clearErr := m.store.ClearFreeAgentTokens(ctx, org.ID); clearErr != nil {
				m.log.Warn().Err(clearErr).Str("organization_id", org.ID).Msg("Failed to clear rejected ledger tokens")
			} else {
				org.FreeAgentAccessToken = nil
				org.FreeAgentRefreshToken = nil
				org.FreeAgentTokenExpiry = nil
			}
		}
		return "", err
	}

	if err := m.store.UpdateFreeAgentTokens(ctx, org.ID, access, refresh, expiry); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to persist rotated ledger tokens")
	}

	// Keep the in-memory copy coherent for the rest of this request path.
	org.FreeAgentAccessToken = &access
	org.FreeAgentRefreshToken = &refresh
	org.FreeAgentTokenExpiry = &expiry

	m.log.Info().Str("organization_id", org.ID).Time("expiry", expiry).Msg("Ledger access token refreshed")
	return access, nil
}

// refresh performs the refresh-token grant against the ledger token endpoint.
func (m *TokenManager) refresh(ctx context.Context, refreshToken string) (access, refresh string, expiry time.Time, err error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", time.Time{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to build token refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", time.Time{}, errors.Wrap(err, errors.ErrCodeExternal, "token refresh request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			// The refresh token itself was rejected; only re-authorization helps.
			return "", "", time.Time{}, errors.Newf(errors.ErrCodeTokenReconnect,
				"ledger rejected refresh token: %s %s", errResp.Error, errResp.Description)
		}
		return "", "", time.Time{}, errors.Newf(errors.ErrCodeExternal,
			"token refresh failed with status %d: %s", resp.StatusCode, errResp.Error)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", "", time.Time{}, errors.Wrap(err, errors.ErrCodeExternal, "failed to parse token response")
	}

	refresh = tokenResp.RefreshToken
	if refresh == "" {
		// The ledger may omit the refresh token when it has not rotated.
		refresh = refreshToken
	}

	return tokenResp.AccessToken, refresh, time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second), nil
}
