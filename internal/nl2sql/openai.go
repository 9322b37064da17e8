package nl2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const providerName = "openai-compatible"

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Dialect     string
	SchemaHint  string
}

type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float64
	dialect     string
	schemaHint  string
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialect := strings.TrimSpace(cfg.Dialect)
	if dialect == "" {
		dialect = "DuckDB"
	}

	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	clientConfig.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/v1"
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       model,
		temperature: cfg.Temperature,
		dialect:     dialect,
		schemaHint:  strings.TrimSpace(cfg.SchemaHint),
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Result{}, fmt.Errorf("question is required")
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    buildMessages(g.systemPrompt(), req),
		Temperature: float32(g.temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("request chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("empty chat completion choices")
	}

	sql, suggested := parseCompletion(resp.Choices[0].Message.Content)
	if sql == "" {
		return Result{}, fmt.Errorf("model returned empty SQL")
	}
	return Result{
		SQL:                sql,
		SuggestedQuestions: suggested,
		Provider:           providerName,
		Model:              g.model,
	}, nil
}

func (g *OpenAIGenerator) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You convert natural language analytics questions into a single %s SQL query. ", g.dialect)
	b.WriteString("Earlier turns of the conversation are included; resolve follow-up questions against them. ")
	b.WriteString(`Respond with a JSON object {"sql": "<query>", "suggested_questions": ["<follow-up>", ...]} and nothing else. `)
	b.WriteString("Suggest at most three follow-up questions.")
	if g.schemaHint != "" {
		b.WriteString("\n\nSchema:\n")
		b.WriteString(g.schemaHint)
	}
	return b.String()
}

func buildMessages(systemPrompt string, req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})

	history := req.History
	// The orchestrator stores the question before generating, so it is usually
	// the last history entry already.
	if n := len(history); n > 0 && history[n-1].Role == openai.ChatMessageRoleUser &&
		strings.TrimSpace(history[n-1].Content) == strings.TrimSpace(req.Question) {
		history = history[:n-1]
	}
	for _, entry := range history {
		switch entry.Role {
		case openai.ChatMessageRoleAssistant:
			content := entry.Content
			if entry.SQLQuery != "" {
				content = fmt.Sprintf("SQL:\n%s\n\n%s", entry.SQLQuery, entry.Content)
			}
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content})
		default:
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: entry.Content})
		}
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: strings.TrimSpace(req.Question),
	})
	return messages
}

type completionPayload struct {
	SQL                string   `json:"sql"`
	SuggestedQuestions []string `json:"suggested_questions"`
}

// parseCompletion reads the JSON answer and falls back to treating the whole
// content as SQL, fenced or not.
func parseCompletion(content string) (string, []string) {
	trimmed := strings.TrimSpace(content)
	candidate := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(trimmed, "```json"), "```"), "```"))
	var payload completionPayload
	if strings.HasPrefix(candidate, "{") && json.Unmarshal([]byte(candidate), &payload) == nil {
		suggested := make([]string, 0, len(payload.SuggestedQuestions))
		for _, item := range payload.SuggestedQuestions {
			if item = strings.TrimSpace(item); item != "" {
				suggested = append(suggested, item)
			}
		}
		return stripMarkdownSQL(payload.SQL), suggested
	}
	return stripMarkdownSQL(trimmed), []string{}
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
