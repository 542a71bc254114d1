package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextValidate(t *testing.T) {
	assert.NoError(t, Context{TenantID: "t1", UserID: "u1", Role: "agent"}.Validate())
	assert.Error(t, Context{UserID: "u1"}.Validate())
	assert.Error(t, Context{TenantID: "t1"}.Validate())
}

func TestIsIsolation(t *testing.T) {
	base := &IsolationError{TenantID: "t1", OwnerTenantID: "t2", Resource: "complaint c1"}
	assert.True(t, IsIsolation(base))
	assert.True(t, IsIsolation(eris.Wrap(base, "store: get complaint")))
	assert.False(t, IsIsolation(eris.New("boom")))
	assert.False(t, IsIsolation(nil))
}

func TestContextRoundTrip(t *testing.T) {
	tc := Context{TenantID: "t1", UserID: "u1", Role: "admin"}
	ctx := NewContext(context.Background(), tc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, tc, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestMiddleware(t *testing.T) {
	const secret = "test-secret"

	var captured Context
	handler := Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, secret, Claims{
			TenantID: "t1", UserID: "u1", Role: "agent",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, Context{TenantID: "t1", UserID: "u1", Role: "agent"}, captured)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "other-secret", Claims{TenantID: "t1", UserID: "u1"})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("incomplete claims", func(t *testing.T) {
		token := signToken(t, secret, Claims{TenantID: "t1"})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
