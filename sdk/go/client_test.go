package bitacorasdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginStoresBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/auth/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ana", body["user_id"])
			_, _ = w.Write([]byte(`{"token":"tok-1","expires_at":"2026-03-02T19:30:00Z"}`))
		case "/v0/me":
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`{"user":{"id":"ana","entity":"INTERVENTORIA"},"capabilities":{"can_sign":true}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "obra-68")
	token, err := c.Login(context.Background(), "ana", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "ana", me.User.ID)
	assert.True(t, me.Capabilities.CanSign)
}

func TestSignSendsConsentAndDecodesEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/projects/obra-68/entries/e-1/signatures", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["consent"])
		assert.NotContains(t, body, "secret")
		_, _ = w.Write([]byte(`{"id":"e-1","status":"SIGNED","signature_summary":{"total":1,"signed":1,"pending":0,"completed":true}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "obra-68")
	c.APIKey = "key-1"
	entry, err := c.Sign(context.Background(), "e-1", true, "")
	require.NoError(t, err)
	assert.Equal(t, "SIGNED", entry.Status)
	assert.True(t, entry.SignatureSummary.Completed)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"review_incomplete","message":"review incomplete"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "obra-68").Approve(context.Background(), "e-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "review_incomplete", apiErr.Code)
}

func TestEventsPageEncodesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/projects/obra-68/events", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"items":[{"id":41,"type":"entry.signed"}],"next_cursor":"41"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "obra-68").EventsPage(context.Background(), 10, "42")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "entry.signed", page.Items[0].Type)
	assert.Equal(t, "41", page.NextCursor)
}
