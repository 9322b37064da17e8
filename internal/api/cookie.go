package api

import (
	"net/http"
	"strconv"

	"github.com/duckmesh/sqlchat/internal/chat"
)

// ConversationCookie holds the caller's current conversation between requests.
const ConversationCookie = "sqlchat_conversation"

type pointerCookies struct {
	secure bool
}

func (c pointerCookies) read(r *http.Request) chat.Pointer {
	cookie, err := r.Cookie(ConversationCookie)
	if err != nil {
		return chat.Pointer{}
	}
	id, err := strconv.ParseInt(cookie.Value, 10, 64)
	if err != nil || id <= 0 {
		return chat.Pointer{}
	}
	return chat.Pointer{ConversationID: id}
}

func (c pointerCookies) write(w http.ResponseWriter, pointer chat.Pointer) {
	if !pointer.IsSet() {
		c.clear(w)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ConversationCookie,
		Value:    strconv.FormatInt(pointer.ConversationID, 10),
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c pointerCookies) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     ConversationCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
