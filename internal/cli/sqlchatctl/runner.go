package sqlchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	UserID     string
	StateFile  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type invocation struct {
	client  *http.Client
	baseURL string
	apiKey  string
	userID  string
	state   stateFile
	stdout  io.Writer
	stderr  io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlchatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlchat API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	userID := fs.String("user-id", defaults.UserID, "X-User-ID header (used when auth is disabled)")
	statePath := fs.String("state-file", defaults.StateFile, "file remembering the current conversation; empty disables it")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	inv := &invocation{
		client:  client,
		baseURL: strings.TrimRight(*baseURL, "/"),
		apiKey:  strings.TrimSpace(*apiKey),
		userID:  strings.TrimSpace(*userID),
		state:   stateFile{path: strings.TrimSpace(*statePath)},
		stdout:  stdout,
		stderr:  stderr,
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	switch command {
	case "health":
		return inv.simple(ctx, http.MethodGet, "/v1/health")
	case "ready":
		return inv.simple(ctx, http.MethodGet, "/v1/ready")
	case "ask":
		return inv.ask(ctx, rest)
	case "conversations":
		return inv.conversations(ctx, rest)
	case "show":
		return inv.show(ctx, rest)
	case "new":
		return inv.newConversation(ctx)
	case "delete":
		return inv.delete(ctx, rest)
	case "rename":
		return inv.rename(ctx, rest)
	case "export":
		return inv.export(ctx, rest)
	case "current":
		return inv.current()
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func (inv *invocation) simple(ctx context.Context, method, path string) int {
	code, body, err := inv.do(ctx, method, path, nil)
	return inv.finish(code, body, err)
}

func (inv *invocation) ask(ctx context.Context, args []string) int {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		_, _ = fmt.Fprintln(inv.stderr, "ask requires a question")
		return 2
	}
	payload := map[string]any{"question": question}
	current, err := inv.state.load()
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "read state: %v\n", err)
		return 1
	}
	if current > 0 {
		payload["conversation_id"] = current
	}

	code, body, err := inv.do(ctx, http.MethodPost, "/v1/query", payload)
	if err == nil {
		if id := conversationIDFrom(body); id > 0 {
			if saveErr := inv.state.save(id); saveErr != nil {
				_, _ = fmt.Fprintf(inv.stderr, "write state: %v\n", saveErr)
			}
		}
	}
	return inv.finish(code, body, err)
}

func (inv *invocation) conversations(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
	fs.SetOutput(inv.stderr)
	limit := fs.Int("limit", 0, "maximum conversations to list (0 uses the server default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := "/v1/conversations"
	if *limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(*limit)}}.Encode()
	}
	return inv.simple(ctx, http.MethodGet, path)
}

func (inv *invocation) show(ctx context.Context, args []string) int {
	id, ok := inv.conversationArg(args)
	if !ok {
		return 2
	}
	code, body, err := inv.do(ctx, http.MethodGet, conversationPath(id), nil)
	if err == nil && code < 400 {
		if saveErr := inv.state.save(id); saveErr != nil {
			_, _ = fmt.Fprintf(inv.stderr, "write state: %v\n", saveErr)
		}
	}
	return inv.finish(code, body, err)
}

func (inv *invocation) newConversation(ctx context.Context) int {
	code, body, err := inv.do(ctx, http.MethodPost, "/v1/conversations/new", nil)
	if err == nil && code < 400 {
		if clearErr := inv.state.clear(); clearErr != nil {
			_, _ = fmt.Fprintf(inv.stderr, "clear state: %v\n", clearErr)
		}
	}
	return inv.finish(code, body, err)
}

func (inv *invocation) delete(ctx context.Context, args []string) int {
	id, ok := inv.conversationArg(args)
	if !ok {
		return 2
	}
	code, body, err := inv.do(ctx, http.MethodDelete, conversationPath(id), nil)
	if err == nil && code < 400 {
		if current, loadErr := inv.state.load(); loadErr == nil && current == id {
			if clearErr := inv.state.clear(); clearErr != nil {
				_, _ = fmt.Fprintf(inv.stderr, "clear state: %v\n", clearErr)
			}
		}
	}
	return inv.finish(code, body, err)
}

func (inv *invocation) rename(ctx context.Context, args []string) int {
	if len(args) < 2 {
		_, _ = fmt.Fprintln(inv.stderr, "rename requires a conversation id and a title")
		return 2
	}
	id, ok := inv.conversationArg(args[:1])
	if !ok {
		return 2
	}
	title := strings.TrimSpace(strings.Join(args[1:], " "))
	code, body, err := inv.do(ctx, http.MethodPatch, conversationPath(id), map[string]any{"title": title})
	return inv.finish(code, body, err)
}

func (inv *invocation) export(ctx context.Context, args []string) int {
	id, ok := inv.conversationArg(args)
	if !ok {
		return 2
	}
	return inv.simple(ctx, http.MethodPost, conversationPath(id)+"/export")
}

func (inv *invocation) current() int {
	id, err := inv.state.load()
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "read state: %v\n", err)
		return 1
	}
	if id <= 0 {
		_, _ = fmt.Fprintln(inv.stdout, "none")
		return 0
	}
	_, _ = fmt.Fprintln(inv.stdout, id)
	return 0
}

// conversationArg reads the id argument, falling back to the remembered
// conversation when none is given.
func (inv *invocation) conversationArg(args []string) (int64, bool) {
	if len(args) == 0 {
		current, err := inv.state.load()
		if err != nil {
			_, _ = fmt.Fprintf(inv.stderr, "read state: %v\n", err)
			return 0, false
		}
		if current <= 0 {
			_, _ = fmt.Fprintln(inv.stderr, "conversation id is required (no current conversation)")
			return 0, false
		}
		return current, true
	}
	id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || id <= 0 {
		_, _ = fmt.Fprintf(inv.stderr, "invalid conversation id %q\n", args[0])
		return 0, false
	}
	return id, true
}

func (inv *invocation) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, inv.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if inv.apiKey != "" {
		req.Header.Set("X-API-Key", inv.apiKey)
	}
	if inv.userID != "" {
		req.Header.Set("X-User-ID", inv.userID)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (inv *invocation) finish(code int, responseBody []byte, err error) int {
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(inv.stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(inv.stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(inv.stdout, string(responseBody))
	}
	return 0
}

// conversationIDFrom finds the conversation a query response refers to. Failed
// turns carry it under context.
func conversationIDFrom(raw []byte) int64 {
	var body struct {
		ConversationID int64 `json:"conversation_id"`
		Context        struct {
			ConversationID int64 `json:"conversation_id"`
		} `json:"context"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0
	}
	if body.ConversationID > 0 {
		return body.ConversationID
	}
	return body.Context.ConversationID
}

func conversationPath(id int64) string {
	return "/v1/conversations/" + strconv.FormatInt(id, 10)
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlchatctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  ask <question>         POST /v1/query in the current conversation")
	_, _ = fmt.Fprintln(w, "  conversations [-limit] GET /v1/conversations")
	_, _ = fmt.Fprintln(w, "  show [id]              GET /v1/conversations/{id} and make it current")
	_, _ = fmt.Fprintln(w, "  new                    start a new conversation on the next ask")
	_, _ = fmt.Fprintln(w, "  delete [id]            DELETE /v1/conversations/{id}")
	_, _ = fmt.Fprintln(w, "  rename <id> <title>    PATCH /v1/conversations/{id}")
	_, _ = fmt.Fprintln(w, "  export [id]            POST /v1/conversations/{id}/export")
	_, _ = fmt.Fprintln(w, "  current                print the current conversation id")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
