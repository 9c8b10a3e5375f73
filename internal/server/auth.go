package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kbai/kbai-go/internal/logging"
)

// authMiddleware enforces bearer-token authentication on protected routes:
//
//	Authorization: Bearer <apiKey>
//
// An empty apiKey disables auth entirely; the startup warning for that case
// is logged once by New, not per request. Rejected requests get a 401 with a
// WWW-Authenticate challenge. Presented token values are never logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		token, ok := bearerToken(r)
		if !ok {
			log.Warn("auth: missing or malformed Authorization header",
				slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", `Bearer realm="kbai"`)
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			log.Warn("auth: token rejected", slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", `Bearer realm="kbai" error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header. The second
// return value is false when the header is absent or not a Bearer scheme.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
