package chat

import "time"

type TurnResult struct {
	ConversationID     int64    `json:"conversation_id"`
	Question           string   `json:"question"`
	SQL                string   `json:"sql"`
	Results            []Row    `json:"results"`
	Columns            []string `json:"columns"`
	Count              int      `json:"count"`
	SuggestedQuestions []string `json:"suggested_questions"`
}

type ConversationView struct {
	ID       int64        `json:"id"`
	Title    string       `json:"title"`
	Messages []TurnRecord `json:"messages"`
}

// TurnRecord is the persisted shape of a message as replayed to callers and
// written by exports.
type TurnRecord struct {
	ID                 int64     `json:"id"`
	Role               Role      `json:"role"`
	Content            string    `json:"content"`
	SQLQuery           *string   `json:"sql_query"`
	ResultsCount       *int      `json:"results_count"`
	CreatedAt          time.Time `json:"created_at"`
	Results            []Row     `json:"results,omitempty"`
	Columns            []string  `json:"columns,omitempty"`
	SuggestedQuestions []string  `json:"suggested_questions,omitempty"`
}

func RecordFromMessage(message Message) TurnRecord {
	record := TurnRecord{
		ID:           message.ID,
		Role:         message.Role,
		Content:      message.Content,
		SQLQuery:     message.SQLQuery,
		ResultsCount: message.ResultsCount,
		CreatedAt:    message.CreatedAt,
	}
	if len(message.ResultsData) > 0 {
		record.Results = message.ResultsData
		record.Columns = ColumnsOf(message.ResultsData)
	}
	if len(message.SuggestedQuestions) > 0 {
		record.SuggestedQuestions = message.SuggestedQuestions
	}
	return record
}
