package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/duckmesh/sqlchat/internal/config"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), config.StoreConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := Connect(context.Background(), config.StoreConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestConfigurePoolAppliesLimits(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	configurePool(db, config.StoreConfig{MaxOpenConns: 7})
	if got := db.Stats().MaxOpenConnections; got != 7 {
		t.Fatalf("MaxOpenConnections = %d, want 7", got)
	}
}

func TestVerifySchema(t *testing.T) {
	query := regexp.QuoteMeta(`SELECT to_regclass('conversation') IS NOT NULL AND to_regclass('message') IS NOT NULL`)
	cases := map[string]struct {
		ready bool
		want  error
	}{
		"migrated":     {ready: true},
		"not migrated": {ready: false, want: ErrSchemaMissing},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock.New() error = %v", err)
			}
			defer func() { _ = db.Close() }()
			mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"ready"}).AddRow(tc.ready))

			if err := verifySchema(context.Background(), db); !errors.Is(err, tc.want) {
				t.Fatalf("verifySchema() error = %v, want %v", err, tc.want)
			}
		})
	}
}
