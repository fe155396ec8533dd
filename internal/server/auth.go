package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"pact/internal/identity"
)

type AuthConfig struct {
	JWTSecret  string
	CronSecret string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

func principalFromContext(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(principalKey{}).(identity.Identity)
	return id, ok && id.UID != ""
}

func requirePrincipal(ctx context.Context) (identity.Identity, huma.StatusError) {
	if id, ok := principalFromContext(ctx); ok {
		return id, nil
	}
	return identity.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware verifies bearer tokens on the protected paths and puts
// the caller's identity in the request context. Other paths pass through.
func newAuthMiddleware(cfg AuthConfig, log *zap.Logger, protected ...string) func(http.Handler) http.Handler {
	guarded := make(map[string]bool, len(protected))
	for _, p := range protected {
		guarded[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !guarded[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			id, err := identity.Verify(token, cfg.JWTSecret)
			if err != nil {
				log.Debug("token rejected", zap.String("path", req.URL.Path), zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), id)))
		})
	}
}

// cronAuthorized checks the cron bearer secret. Without a configured secret
// the job is closed.
func cronAuthorized(secret, authz string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	token, ok := bearerToken(authz)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
