package chat

import (
	"strings"
	"time"
)

const (
	DefaultTitlePrefix = "Conversation"
	defaultTitleLayout = "02/01/2006 15:04"
	maxTitleLength     = 50
	titleOmission      = "..."
)

func DefaultTitle(createdAt time.Time) string {
	return DefaultTitlePrefix + " " + createdAt.UTC().Format(defaultTitleLayout)
}

// TitleWasCustomized reports whether title maintenance must leave the title
// alone. A default-prefixed title counts as customized while the conversation
// has no user messages.
func TitleWasCustomized(title string, userMessages int) bool {
	if strings.TrimSpace(title) == "" {
		return false
	}
	return !strings.HasPrefix(title, DefaultTitlePrefix) || userMessages == 0
}

// DeriveTitle returns the title for a conversation that just completed its
// first exchange, and false when the current title must be kept.
func DeriveTitle(current, firstUserContent string, userMessages int) (string, bool) {
	if TitleWasCustomized(current, userMessages) {
		return "", false
	}
	if userMessages == 0 {
		return "", false
	}
	content := strings.TrimSpace(firstUserContent)
	if content == "" {
		return "", false
	}
	return truncateTitle(content), true
}

func truncateTitle(value string) string {
	runes := []rune(value)
	if len(runes) <= maxTitleLength {
		return value
	}
	return string(runes[:maxTitleLength-len(titleOmission)]) + titleOmission
}
