package identity

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

func TestSupabase_InviteUser(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/v1/invite", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, "https://lynqit.test/welcome", r.URL.Query().Get("redirect_to"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"usr_1","email":"a@x.com"}`))
	}))
	defer srv.Close()

	s, err := NewSupabase(SupabaseConfig{URL: srv.URL + "/", ServiceRoleKey: "service-key", RedirectURL: "https://lynqit.test/welcome"})
	require.NoError(t, err)

	user, err := s.InviteUser(context.Background(), "a@x.com", map[string]string{"plan": "start"})
	require.NoError(t, err)
	assert.Equal(t, "usr_1", user.ID)
	assert.Equal(t, "a@x.com", gotBody["email"])
	assert.Equal(t, map[string]any{"plan": "start"}, gotBody["data"])
}

func TestSupabase_InviteExistingUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":422,"error_code":"email_exists","msg":"A user with this email address has already been registered"}`))
	}))
	defer srv.Close()

	s, err := NewSupabase(SupabaseConfig{URL: srv.URL, ServiceRoleKey: "k"})
	require.NoError(t, err)

	_, err = s.InviteUser(context.Background(), "a@x.com", nil)
	assert.True(t, errors.Is(err, ErrUserExists), "got %v", err)
}

func TestSupabase_InviteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"database unavailable"}`))
	}))
	defer srv.Close()

	s, err := NewSupabase(SupabaseConfig{URL: srv.URL, ServiceRoleKey: "k"})
	require.NoError(t, err)

	_, err = s.InviteUser(context.Background(), "a@x.com", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUserExists)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestNewSupabase_RequiresCredentials(t *testing.T) {
	_, err := NewSupabase(SupabaseConfig{URL: "https://x.supabase.co"})
	assert.Error(t, err)
}

func TestMemory_InviteUser(t *testing.T) {
	m := NewMemory()
	_, err := m.InviteUser(context.Background(), "a@x.com", nil)
	require.NoError(t, err)
	_, err = m.InviteUser(context.Background(), "A@x.com", nil)
	assert.ErrorIs(t, err, ErrUserExists)
	assert.Equal(t, 1, m.Count())
}
