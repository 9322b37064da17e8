package sqlchatctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// stateFile persists the current conversation id between invocations, the
// way a browser keeps the conversation cookie.
type stateFile struct {
	path string
}

type stateContents struct {
	ConversationID int64 `json:"conversation_id"`
}

func (s stateFile) load() (int64, error) {
	if s.path == "" {
		return 0, nil
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var contents stateContents
	if err := json.Unmarshal(raw, &contents); err != nil {
		return 0, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return contents.ConversationID, nil
}

func (s stateFile) save(id int64) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	encoded, err := json.Marshal(stateContents{ConversationID: id})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s stateFile) clear() error {
	if s.path == "" {
		return nil
	}
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
