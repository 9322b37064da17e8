package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// PutOptions describe how an object is served back. Metadata is stored as
// user metadata; Stat returns its keys lower-cased.
type PutOptions struct {
	ContentType        string
	ContentDisposition string
	Metadata           map[string]string
}

// ObjectStore holds conversation exports and the parquet files behind
// warehouse views.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Presigner hands out time-limited download links. filename, when set, is
// what browsers save the download as.
type Presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)
}
