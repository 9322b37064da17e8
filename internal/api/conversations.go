package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/duckmesh/sqlchat/internal/auth"
	"github.com/duckmesh/sqlchat/internal/chat"
	"github.com/duckmesh/sqlchat/internal/export"
)

type conversationHandlers struct {
	deps    Dependencies
	cookies pointerCookies
}

type queryRequest struct {
	Question       string         `json:"question"`
	ConversationID conversationID `json:"conversation_id"`
}

// conversationID accepts a JSON number, a numeric string or null.
type conversationID int64

func (c *conversationID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*c = 0
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		trimmed = []byte(strings.TrimSpace(raw))
		if len(trimmed) == 0 {
			*c = 0
			return nil
		}
	}
	value, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return errors.New("conversation_id must be an integer")
	}
	*c = conversationID(value)
	return nil
}

type querySuccess struct {
	Success bool `json:"success"`
	chat.TurnResult
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *conversationHandlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, string(chat.CodeInvalidInput), "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}

	id := int64(request.ConversationID)
	if id <= 0 {
		id = h.cookies.read(r).ConversationID
	}

	result, err := h.deps.Chat.HandleQuery(r.Context(), userID, request.Question, id)
	if err != nil {
		if known := chat.ConversationIDOf(err); known > 0 {
			h.cookies.write(w, chat.Pointer{ConversationID: known})
		}
		writeChatError(w, r, err)
		return
	}
	h.cookies.write(w, chat.Pointer{ConversationID: result.ConversationID})
	writeJSON(w, http.StatusOK, querySuccess{Success: true, TurnResult: result})
}

func (h *conversationHandlers) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, string(chat.CodeInvalidInput), "limit must be a non-negative integer", false, nil)
			return
		}
		limit = parsed
	}

	summaries, err := h.deps.Chat.ListConversations(r.Context(), userFromRequest(r), limit)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":                 true,
		"conversations":           summaries,
		"current_conversation_id": pointerValue(h.cookies.read(r)),
	})
}

func (h *conversationHandlers) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	pointer := h.deps.Chat.StartNewConversation()
	h.cookies.write(w, pointer)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":                 true,
		"current_conversation_id": pointerValue(pointer),
	})
}

func (h *conversationHandlers) handleLoadConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathConversationID(w, r)
	if !ok {
		return
	}
	view, err := h.deps.Chat.LoadConversation(r.Context(), userFromRequest(r), id)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	h.cookies.write(w, chat.Pointer{ConversationID: view.ID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "conversation": view})
}

func (h *conversationHandlers) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathConversationID(w, r)
	if !ok {
		return
	}
	var request renameRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, string(chat.CodeInvalidInput), "invalid rename request body", false, map[string]any{"details": err.Error()})
		return
	}

	conversation, err := h.deps.Chat.RenameConversation(r.Context(), userFromRequest(r), id, request.Title)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversation": map[string]any{"id": conversation.ID, "title": conversation.Title},
	})
}

func (h *conversationHandlers) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathConversationID(w, r)
	if !ok {
		return
	}
	current := h.cookies.read(r)
	next, err := h.deps.Chat.DeleteConversation(r.Context(), userFromRequest(r), id, current)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	if current.IsSet() && !next.IsSet() {
		h.cookies.clear(w)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":                 true,
		"current_conversation_id": pointerValue(next),
	})
}

func (h *conversationHandlers) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	if h.deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "export store is not configured", false, nil)
		return
	}
	id, ok := pathConversationID(w, r)
	if !ok {
		return
	}
	userID := userFromRequest(r)
	view, err := h.deps.Chat.LoadConversation(r.Context(), userID, id)
	if err != nil {
		writeChatError(w, r, err)
		return
	}

	result, err := h.deps.Exporter.Export(r.Context(), userID, view)
	if errors.Is(err, export.ErrNotConfigured) {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "export store is not configured", false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "conversation export failed", true, map[string]any{
			"conversation_id": id,
			"details":         err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": id,
		"transcript_key":  result.TranscriptKey,
		"results_key":     result.ResultsKey,
		"result_rows":     result.ResultRows,
		"download_url":    result.DownloadURL,
	})
}

func pathConversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, string(chat.CodeInvalidInput), "conversation id must be a positive integer", false, nil)
		return 0, false
	}
	return id, true
}

func userFromRequest(r *http.Request) string {
	identity, _ := auth.IdentityFromContext(r.Context())
	return identity.UserID
}

func pointerValue(pointer chat.Pointer) any {
	if !pointer.IsSet() {
		return nil
	}
	return pointer.ConversationID
}

func writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	code := chat.CodeOf(err)
	status, retryable := statusForCode(code)

	var extra map[string]any
	if id := chat.ConversationIDOf(err); id > 0 {
		extra = map[string]any{"conversation_id": id}
	}
	message := err.Error()
	var chatErr *chat.Error
	if errors.As(err, &chatErr) && (code == chat.CodeNotFound || code == chat.CodeInvalidInput) {
		message = chatErr.Message
	}
	writeError(r.Context(), w, status, string(code), message, retryable, extra)
}

func statusForCode(code chat.Code) (int, bool) {
	switch code {
	case chat.CodeInvalidInput:
		return http.StatusBadRequest, false
	case chat.CodeNotFound:
		return http.StatusNotFound, false
	case chat.CodeGenerationFailure:
		return http.StatusBadGateway, true
	case chat.CodeExecutionFailure:
		return http.StatusUnprocessableEntity, false
	default:
		return http.StatusInternalServerError, true
	}
}
