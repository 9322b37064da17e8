package chat

import (
	"errors"
)

var ErrNotFound = errors.New("not found")

type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeGenerationFailure Code = "GENERATION_FAILED"
	CodeExecutionFailure  Code = "EXECUTION_FAILED"
	CodeStorageFailure    Code = "STORAGE_FAILED"
)

// Error is returned by every Service operation. ConversationID is set once
// the conversation of a turn is known so callers can continue the thread.
type Error struct {
	Code           Code
	ConversationID int64
	Message        string
	Err            error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return CodeStorageFailure
}

func ConversationIDOf(err error) int64 {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.ConversationID
	}
	return 0
}

func invalidInput(message string) error {
	return &Error{Code: CodeInvalidInput, Message: message}
}

func notFound() error {
	return &Error{Code: CodeNotFound, Message: "conversation not found", Err: ErrNotFound}
}

func storageFailure(conversationID int64, message string, err error) error {
	return &Error{Code: CodeStorageFailure, ConversationID: conversationID, Message: message, Err: err}
}
