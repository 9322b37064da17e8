package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/duckmesh/sqlchat/internal/query"
)

const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

type Config struct {
	Driver       string
	DSN          string
	ReadOnly     bool
	MaxOpenConns int
}

// Engine runs generated SQL against the warehouse database.
type Engine struct {
	db       *sql.DB
	driver   string
	readOnly bool
	workDir  string
	// files numbers local parquet copies so sanitized table names never
	// share a file.
	files int
}

func Open(ctx context.Context, cfg Config) (*Engine, error) {
	driver := strings.TrimSpace(cfg.Driver)
	switch driver {
	case DriverDuckDB, DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("warehouse dsn is required for driver %q", driver)
		}
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return New(db, driver, cfg.ReadOnly), nil
}

func New(db *sql.DB, driver string, readOnly bool) *Engine {
	return &Engine{db: db, driver: driver, readOnly: readOnly}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if e.readOnly {
		if err := CheckReadOnly(e.driver, sqlText); err != nil {
			return query.Result{}, fmt.Errorf("rejected query: %w", err)
		}
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s\n) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return query.Result{}, fmt.Errorf("query column types: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(columnTypes, values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse: %w", err)
	}
	return nil
}

func (e *Engine) Close() error {
	err := e.db.Close()
	if e.workDir != "" {
		_ = os.RemoveAll(e.workDir)
	}
	return err
}

// normalizeValues turns driver specific values into plain ones. DuckDB
// decimals and hugeints become exact JSON numbers.
func normalizeValues(columnTypes []*sql.ColumnType, values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			if len(typed) == 16 && i < len(columnTypes) && columnTypes[i].DatabaseTypeName() == "UUID" {
				if id, err := uuid.FromBytes(typed); err == nil {
					normalized[i] = id.String()
					continue
				}
			}
			normalized[i] = string(typed)
		case duckdb.Decimal:
			if typed.Value == nil {
				normalized[i] = nil
				continue
			}
			normalized[i] = json.Number(typed.String())
		case *big.Int:
			if typed == nil {
				normalized[i] = nil
				continue
			}
			normalized[i] = json.Number(typed.String())
		case duckdb.UUID:
			normalized[i] = uuid.UUID(typed).String()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
