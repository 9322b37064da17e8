package seed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/sqlchat/internal/storage"
)

const writeBatchSize = 1000

type Result struct {
	ObjectKey string
	Rows      int64
	Bytes     int64
	// ViewSpec is the SQLCHAT_WAREHOUSE_PARQUET_VIEWS entry exposing the
	// written file as a table.
	ViewSpec string
}

// Write generates cfg.Rows events and stores them as one parquet object.
func Write(ctx context.Context, store storage.ObjectStore, cfg Config, logger *slog.Logger) (Result, error) {
	if store == nil {
		return Result{}, fmt.Errorf("object store is required")
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	data, err := encodeEvents(NewGenerator(cfg.Seed, cfg.UserCardinality, cfg.Start, cfg.Step), cfg.Rows)
	if err != nil {
		return Result{}, err
	}
	info, err := store.Put(ctx, cfg.ObjectKey, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	if err != nil {
		return Result{}, fmt.Errorf("put %s: %w", cfg.ObjectKey, err)
	}

	result := Result{
		ObjectKey: cfg.ObjectKey,
		Rows:      int64(cfg.Rows),
		Bytes:     info.Size,
		ViewSpec:  cfg.TableName + "=" + cfg.ObjectKey,
	}
	if logger != nil {
		logger.InfoContext(ctx, "demo events written",
			slog.String("object_key", result.ObjectKey),
			slog.Int64("rows", result.Rows),
			slog.Int64("bytes", result.Bytes),
		)
	}
	return result, nil
}

func encodeEvents(generator *Generator, rows int) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[Event](buf)
	batch := make([]Event, 0, writeBatchSize)
	for written := 0; written < rows; {
		batch = batch[:0]
		for len(batch) < writeBatchSize && written < rows {
			batch = append(batch, generator.Next())
			written++
		}
		if _, err := writer.Write(batch); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
