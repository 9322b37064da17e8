package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/sqlchat/internal/auth"
	"github.com/duckmesh/sqlchat/internal/chat"
	"github.com/duckmesh/sqlchat/internal/config"
	"github.com/duckmesh/sqlchat/internal/export"
	"github.com/duckmesh/sqlchat/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

// ChatService is the conversation surface the handlers drive.
type ChatService interface {
	HandleQuery(ctx context.Context, userID, question string, conversationID int64) (chat.TurnResult, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]chat.ConversationSummary, error)
	LoadConversation(ctx context.Context, userID string, id int64) (chat.ConversationView, error)
	StartNewConversation() chat.Pointer
	DeleteConversation(ctx context.Context, userID string, id int64, current chat.Pointer) (chat.Pointer, error)
	RenameConversation(ctx context.Context, userID string, id int64, title string) (chat.Conversation, error)
}

type Exporter interface {
	Export(ctx context.Context, userID string, view chat.ConversationView) (export.Result, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Chat              ChatService
	Exporter          Exporter
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	cookies := pointerCookies{secure: cfg.HTTP.CookieSecure}
	h := &conversationHandlers{deps: deps, cookies: cookies}

	protected := http.NewServeMux()
	routes := map[string]http.HandlerFunc{
		"POST /v1/query":                     h.handleQuery,
		"GET /v1/conversations":              h.handleListConversations,
		"POST /v1/conversations/new":         h.handleNewConversation,
		"GET /v1/conversations/{id}":         h.handleLoadConversation,
		"PATCH /v1/conversations/{id}":       h.handleRenameConversation,
		"DELETE /v1/conversations/{id}":      h.handleDeleteConversation,
		"POST /v1/conversations/{id}/export": h.handleExportConversation,
	}
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, requireChat(deps, handler))
	}

	var protectedHandler http.Handler = protected
	switch {
	case cfg.Auth.Required && deps.AuthMiddleware == nil:
		if deps.Logger != nil {
			deps.Logger.Error("auth required but auth middleware missing")
		}
		protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	case deps.AuthMiddleware != nil:
		protectedHandler = deps.AuthMiddleware(protectedHandler)
	default:
		protectedHandler = auth.HeaderMiddleware(cfg.Auth.DefaultUser)(protectedHandler)
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func requireChat(deps Dependencies, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Chat == nil {
			writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat service is not configured", false, nil)
			return
		}
		next(w, r)
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.ObjectStore.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"error_code": code,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
