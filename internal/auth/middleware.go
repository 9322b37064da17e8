package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duckmesh/sqlchat/internal/observability"
)

type contextKey struct{}

// UserIDHeader carries the caller when API keys are not required.
const UserIDHeader = "X-User-ID"

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(Identity)
	return identity, ok
}

// Middleware requires an API key via X-API-Key or a bearer token. Any
// X-User-ID header is ignored; the key decides the user.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := apiKeyFrom(r)
			if apiKey == "" {
				reject(w, r, "missing API key")
				return
			}
			identity, ok := validator.Validate(r.Context(), apiKey)
			if !ok {
				if logger != nil {
					logger.WarnContext(r.Context(), "rejected api key",
						slog.String("path", r.URL.Path),
						slog.String("remote_addr", r.RemoteAddr),
					)
				}
				reject(w, r, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// HeaderMiddleware trusts the X-User-ID header. Requests without it run as
// fallbackUser, or are rejected when fallbackUser is empty.
func HeaderMiddleware(fallbackUser string) func(http.Handler) http.Handler {
	fallbackUser = strings.TrimSpace(fallbackUser)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := Identity{UserID: strings.TrimSpace(r.Header.Get(UserIDHeader)), Source: SourceHeader}
			if identity.UserID == "" {
				identity = Identity{UserID: fallbackUser, Source: SourceDefault}
			}
			if identity.UserID == "" {
				reject(w, r, "missing "+UserIDHeader+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func apiKeyFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type rejection struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Retryable bool   `json:"retryable"`
	TraceID   string `json:"trace_id"`
}

func reject(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sqlchat"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(rejection{
		Error:     message,
		ErrorCode: "UNAUTHORIZED",
		TraceID:   observability.TraceIDFromContext(r.Context()),
	})
}
