package freeagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

type fakeTokenStore struct {
	orgID   string
	access  string
	refresh string
	expiry  time.Time
	calls   int
	cleared int
}

func (f *fakeTokenStore) UpdateFreeAgentTokens(_ context.Context, orgID, accessToken, refreshToken string, expiry time.Time) error {
	f.calls++
	f.orgID = orgID
	f.access = accessToken
	f.refresh = refreshToken
	f.expiry = expiry
	return nil
}

func (f *fakeTokenStore) ClearFreeAgentTokens(_ context.Context, orgID string) error {
	f.cleared++
	f.orgID = orgID
	return nil
}

func connectedOrg(access, refresh string, expiry time.Time) *repository.Organization {
	return &repository.Organization{
		ID:                    "org-1",
		FreeAgentAccessToken:  &access,
		FreeAgentRefreshToken: &refresh,
		FreeAgentTokenExpiry:  &expiry,
	}
}

func TestGetValidAccessTokenReturnsUnexpiredToken(t *testing.T) {
	store := &fakeTokenStore{}
	manager := NewTokenManager("http://unused.invalid", "id", "secret", store, zerolog.Nop())

	org := connectedOrg("current-token", "refresh", time.Now().Add(time.Hour))

	token, err := manager.GetValidAccessToken(context.Background(), org)
	require.NoError(t, err)
	assert.Equal(t, "current-token", token)
	assert.Zero(t, store.calls, "no refresh for an unexpired token")
}

func TestGetValidAccessTokenRefreshesExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		assert.Equal(t, "id", r.Form.Get("client_id"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	store := &fakeTokenStore{}
	manager := NewTokenManager(srv.URL, "id", "secret", store, zerolog.Nop())

	org := connectedOrg("stale-access", "old-refresh", time.Now().Add(-time.Minute))

	token, err := manager.GetValidAccessToken(context.Background(), org)
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)

	// Rotated tokens are persisted and the in-memory copy kept coherent.
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, "org-1", store.orgID)
	assert.Equal(t, "new-refresh", store.refresh)
	assert.Equal(t, "new-access", *org.FreeAgentAccessToken)
	assert.Equal(t, "new-refresh", *org.FreeAgentRefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *org.FreeAgentTokenExpiry, time.Minute)
}

func TestGetValidAccessTokenRefreshesWithinExpiryBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := &fakeTokenStore{}
	manager := NewTokenManager(srv.URL, "id", "secret", store, zerolog.Nop())

	// Expires in one minute: inside the refresh buffer.
	org := connectedOrg("stale-access", "old-refresh", time.Now().Add(time.Minute))

	token, err := manager.GetValidAccessToken(context.Background(), org)
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)

	// The ledger omitted the refresh token, so the old one is kept.
	assert.Equal(t, "old-refresh", store.refresh)
}

func TestGetValidAccessTokenNotConnected(t *testing.T) {
	manager := NewTokenManager("http://unused.invalid", "id", "secret", &fakeTokenStore{}, zerolog.Nop())

	_, err := manager.GetValidAccessToken(context.Background(), &repository.Organization{ID: "org-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTokenReconnect, errors.CodeOf(err))
}

func TestGetValidAccessTokenMissingRefreshToken(t *testing.T) {
	manager := NewTokenManager("http://unused.invalid", "id", "secret", &fakeTokenStore{}, zerolog.Nop())

	access := "stale-access"
	expiry := time.Now().Add(-time.Minute)
	org := &repository.Organization{
		ID:                   "org-1",
		FreeAgentAccessToken: &access,
		FreeAgentTokenExpiry: &expiry,
	}

	_, err := manager.GetValidAccessToken(context.Background(), org)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTokenReconnect, errors.CodeOf(err))
}

func TestGetValidAccessTokenRejectedRefreshRequiresReconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer srv.Close()

	store := &fakeTokenStore{}
	manager := NewTokenManager(srv.URL, "id", "secret", store, zerolog.Nop())

	org := connectedOrg("stale-access", "revoked-refresh", time.Now().Add(-time.Minute))

	_, err := manager.GetValidAccessToken(context.Background(), org)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTokenReconnect, errors.CodeOf(err))
	assert.Zero(t, store.calls, "nothing to persist on a rejected refresh")

	// The dead tokens are cleared so the organization reads as disconnected.
	assert.Equal(t, 1, store.cleared)
	assert.False(t, org.LedgerConnected())
}

func TestGetValidAccessTokenServerErrorIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	manager := NewTokenManager(srv.URL, "id", "secret", &fakeTokenStore{}, zerolog.Nop())
	org := connectedOrg("stale-access", "refresh", time.Now().Add(-time.Minute))

	_, err := manager.GetValidAccessToken(context.Background(), org)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeExternal, errors.CodeOf(err))
}
