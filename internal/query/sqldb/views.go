package sqldb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/duckmesh/sqlchat/internal/storage"
)

// View exposes parquet objects from the object store as one DuckDB view.
type View struct {
	Table      string
	ObjectKeys []string
}

// ParseViews reads "table=key,table=key2,other=key3". Keys for the same
// table are unioned into one view.
func ParseViews(raw string) ([]View, error) {
	grouped := map[string][]string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		table, key, ok := strings.Cut(item, "=")
		table = strings.TrimSpace(table)
		key = strings.TrimSpace(key)
		if !ok || table == "" || key == "" {
			return nil, fmt.Errorf("invalid parquet view %q, want table=object/key", item)
		}
		if err := storage.ValidateObjectKey(key); err != nil {
			return nil, err
		}
		grouped[table] = append(grouped[table], key)
	}

	tables := make([]string, 0, len(grouped))
	for table := range grouped {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	views := make([]View, 0, len(tables))
	for _, table := range tables {
		views = append(views, View{Table: table, ObjectKeys: grouped[table]})
	}
	return views, nil
}

// AttachParquetViews downloads each view's objects to a local work directory
// and creates the views. Only the duckdb driver can read parquet.
func (e *Engine) AttachParquetViews(ctx context.Context, store storage.ObjectStore, views []View) error {
	if len(views) == 0 {
		return nil
	}
	if e.driver != DriverDuckDB {
		return fmt.Errorf("parquet views require the %s driver", DriverDuckDB)
	}
	if store == nil {
		return fmt.Errorf("object store is required")
	}
	if e.workDir == "" {
		workDir, err := os.MkdirTemp("", "sqlchat-warehouse-")
		if err != nil {
			return fmt.Errorf("create warehouse temp dir: %w", err)
		}
		e.workDir = workDir
	}

	for _, view := range views {
		localPaths := make([]string, 0, len(view.ObjectKeys))
		for _, key := range view.ObjectKeys {
			e.files++
			localPath := filepath.Join(e.workDir, fmt.Sprintf("%04d_%s.parquet", e.files, sanitizeFileComponent(view.Table)))
			if err := download(ctx, store, key, localPath); err != nil {
				return err
			}
			localPaths = append(localPaths, localPath)
		}
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(view.Table), quoteStringArray(localPaths))
		if _, err := e.db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for table %q: %w", view.Table, err)
		}
	}
	return nil
}

func download(ctx context.Context, store storage.ObjectStore, key, localPath string) error {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local parquet file %q: %w", localPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	return file.Close()
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
