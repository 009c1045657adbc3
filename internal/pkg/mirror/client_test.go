package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PageBrief/app/models"
	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
)

func TestClientDecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		var in apiv1.LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "user@example.com", in.Email)
		_ = json.NewEncoder(w).Encode(apiv1.SessionResponse{
			Success: true,
			User:    models.Profile{ID: "u1", Email: in.Email, Kind: "free", DailyLimit: 10},
			Token:   "tok",
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Login(context.Background(), "user@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, "u1", resp.User.ID)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		remaining := 0
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(apiv1.ErrorResponse{
			Error:     "quota_exceeded",
			Message:   "daily usage limit reached",
			Reason:    entitlements.ReasonFreeExhausted,
			Remaining: &remaining,
		})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).CommitUsage(context.Background(), "tok", "summarize")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrQuotaExceeded)
	assert.True(t, IsAPIError(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.Status)
	assert.Equal(t, entitlements.ReasonFreeExhausted, apiErr.Reason)
	require.NotNil(t, apiErr.Remaining)
	assert.Equal(t, 0, *apiErr.Remaining)
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetOrder(context.Background(), "PB1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Nil(t, errors.Unwrap(err))
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Plans(context.Background())
	require.Error(t, err)
	assert.False(t, IsAPIError(err))
}
