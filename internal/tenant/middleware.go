package tenant

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims is the JWT payload minted by the external auth service.
type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Middleware validates the bearer token and attaches the tenant context to
// the request. Tokens are HS256-signed by the auth service with a shared
// secret; minting is out of scope here.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing bearer token")
				return
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			var claims Claims
			token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				zap.L().Warn("tenant: rejected token", zap.Error(err))
				unauthorized(w, "invalid token")
				return
			}

			tc := Context{TenantID: claims.TenantID, UserID: claims.UserID, Role: claims.Role}
			if err := tc.Validate(); err != nil {
				unauthorized(w, "incomplete claims")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), tc)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
