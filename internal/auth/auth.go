package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
)

// Source records how a caller was identified.
type Source string

const (
	SourceAPIKey  Source = "api_key"
	SourceHeader  Source = "header"
	SourceDefault Source = "default"
)

// Identity is the caller every conversation operation is scoped to.
type Identity struct {
	UserID string
	Source Source
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds SHA-256 digests of configured keys, never the
// keys themselves.
type StaticAPIKeyValidator struct {
	users map[[sha256.Size]byte]string
}

// NewStaticAPIKeyValidator parses "key:user,key2:user2". Several keys may
// map to one user; a key may not appear twice.
func NewStaticAPIKeyValidator(keys string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{users: map[[sha256.Size]byte]string{}}
	for i, entry := range strings.Split(keys, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, user, ok := strings.Cut(entry, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		switch {
		case !ok:
			return nil, fmt.Errorf("static key entry %d: expected key:user", i+1)
		case key == "" || user == "":
			return nil, fmt.Errorf("static key entry %d: key and user must be non-empty", i+1)
		}
		digest := sha256.Sum256([]byte(key))
		if _, exists := validator.users[digest]; exists {
			return nil, fmt.Errorf("static key entry %d (user %q): key already configured", i+1, user)
		}
		validator.users[digest] = user
	}
	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	if apiKey == "" {
		return Identity{}, false
	}
	user, ok := v.users[sha256.Sum256([]byte(apiKey))]
	if !ok {
		return Identity{}, false
	}
	return Identity{UserID: user, Source: SourceAPIKey}, true
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.users)
}
