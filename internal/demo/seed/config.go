package seed

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/sqlchat/internal/storage"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	TableName       string
	ObjectKey       string
	Rows            int
	UserCardinality int
	Seed            int64
	// Start is the timestamp of the first event; later events follow at
	// Step intervals.
	Start time.Time
	Step  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TableName:       "events",
		ObjectKey:       "warehouse/events/part-00000.parquet",
		Rows:            5000,
		UserCardinality: 200,
		Seed:            1,
		Start:           time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		Step:            time.Minute,
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	if err := applyString(lookup, "SQLCHAT_DEMO_TABLE", &cfg.TableName); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_DEMO_OBJECT_KEY", &cfg.ObjectKey); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_DEMO_ROWS", &cfg.Rows); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_DEMO_USER_CARDINALITY", &cfg.UserCardinality); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "SQLCHAT_DEMO_SEED", &cfg.Seed); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLCHAT_DEMO_STEP", &cfg.Step); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.TableName) == "" {
		return fmt.Errorf("SQLCHAT_DEMO_TABLE is required")
	}
	if strings.ContainsAny(c.TableName, "=,") {
		return fmt.Errorf("SQLCHAT_DEMO_TABLE must not contain '=' or ','")
	}
	if err := storage.ValidateObjectKey(c.ObjectKey); err != nil {
		return fmt.Errorf("invalid SQLCHAT_DEMO_OBJECT_KEY: %w", err)
	}
	if !strings.HasSuffix(c.ObjectKey, ".parquet") {
		return fmt.Errorf("SQLCHAT_DEMO_OBJECT_KEY must end in .parquet")
	}
	if c.Rows <= 0 {
		return fmt.Errorf("SQLCHAT_DEMO_ROWS must be > 0")
	}
	if c.UserCardinality <= 0 {
		return fmt.Errorf("SQLCHAT_DEMO_USER_CARDINALITY must be > 0")
	}
	if c.Step <= 0 {
		return fmt.Errorf("SQLCHAT_DEMO_STEP must be > 0")
	}
	return nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
