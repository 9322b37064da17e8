package nl2sql

import "context"

// HistoryEntry is one prior message replayed to the model. SQLQuery is empty
// for user messages and for assistant messages without a query.
type HistoryEntry struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	SQLQuery string `json:"sql_query,omitempty"`
}

type Request struct {
	Question string         `json:"question"`
	History  []HistoryEntry `json:"history"`
}

type Result struct {
	SQL                string   `json:"sql"`
	SuggestedQuestions []string `json:"suggested_questions"`
	Provider           string   `json:"provider"`
	Model              string   `json:"model"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
