package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/sqlchat/internal/chat"
	"github.com/duckmesh/sqlchat/internal/storage"
)

func TestExportWritesTranscriptAndResults(t *testing.T) {
	store := newMemoryStore()
	exporter := &Exporter{Store: store, Clock: fixedClock()}

	result, err := exporter.Export(context.Background(), "alice", sampleView())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.TranscriptKey != "exports/user=alice/conversation=9/20260301T120000.000000Z-transcript.json" {
		t.Fatalf("TranscriptKey = %q", result.TranscriptKey)
	}
	if result.ResultsKey != "exports/user=alice/conversation=9/20260301T120000.000000Z-results.parquet" {
		t.Fatalf("ResultsKey = %q", result.ResultsKey)
	}
	if result.ResultRows != 2 {
		t.Fatalf("ResultRows = %d", result.ResultRows)
	}
	if result.DownloadURL != "" {
		t.Fatalf("DownloadURL = %q, want empty without presigner", result.DownloadURL)
	}

	var transcript Transcript
	if err := json.Unmarshal(store.objects[result.TranscriptKey], &transcript); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if transcript.ID != 9 || transcript.Title != "top products" || len(transcript.Messages) != 2 {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
	if got := transcript.Messages[1].Columns; strings.Join(got, ",") != "name,total" {
		t.Fatalf("columns = %v", got)
	}
	opts := store.options[result.TranscriptKey]
	if opts.ContentType != "application/json" {
		t.Fatalf("content type = %q", opts.ContentType)
	}
	if opts.ContentDisposition != `attachment; filename=conversation-9-20260301T120000Z.json` {
		t.Fatalf("content disposition = %q", opts.ContentDisposition)
	}
	if opts.Metadata["user-id"] != "alice" || opts.Metadata["conversation-id"] != "9" || opts.Metadata["exported-at"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("metadata = %#v", opts.Metadata)
	}
	if got := store.options[result.ResultsKey].ContentType; got != "application/vnd.apache.parquet" {
		t.Fatalf("parquet content type = %q", got)
	}

	reader := parquet.NewGenericReader[resultRow](bytes.NewReader(store.objects[result.ResultsKey]))
	defer func() { _ = reader.Close() }()
	rows := make([]resultRow, 2)
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("read rows = %d", count)
	}
	if rows[0].Question != "top products" || rows[0].SQLQuery != "SELECT name, total FROM sales" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].RowIndex != 1 || rows[1].RowJSON != `{"name":"Phone","total":5}` {
		t.Fatalf("unexpected second row: %+v", rows[1])
	}
}

func TestExportSkipsParquetWithoutRows(t *testing.T) {
	store := newMemoryStore()
	exporter := &Exporter{Store: store, Clock: fixedClock()}

	view := chat.ConversationView{ID: 3, Title: "empty", Messages: []chat.TurnRecord{{ID: 1, Role: chat.RoleUser, Content: "hi"}}}
	result, err := exporter.Export(context.Background(), "bob", view)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.ResultsKey != "" || result.ResultRows != 0 {
		t.Fatalf("unexpected results export: %+v", result)
	}
	if len(store.objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(store.objects))
	}
}

func TestExportPresignsWhenSupported(t *testing.T) {
	store := &presigningStore{memoryStore: newMemoryStore()}
	exporter := &Exporter{Store: store, Clock: fixedClock(), PresignExpiry: time.Minute}

	result, err := exporter.Export(context.Background(), "alice", sampleView())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.DownloadURL != "https://signed.example/"+result.TranscriptKey+"?expiry=1m0s&name=conversation-9-20260301T120000Z.json" {
		t.Fatalf("DownloadURL = %q", result.DownloadURL)
	}
}

func TestExportWithoutStore(t *testing.T) {
	var exporter *Exporter
	if _, err := exporter.Export(context.Background(), "alice", sampleView()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Export() error = %v, want ErrNotConfigured", err)
	}
	if _, err := (&Exporter{}).Export(context.Background(), "alice", sampleView()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Export() error = %v, want ErrNotConfigured", err)
	}
}

func TestExportSurfacesStoreErrors(t *testing.T) {
	store := newMemoryStore()
	store.putErr = errors.New("bucket unavailable")
	exporter := &Exporter{Store: store, Clock: fixedClock()}
	if _, err := exporter.Export(context.Background(), "alice", sampleView()); err == nil {
		t.Fatal("expected put error")
	}
}

func sampleView() chat.ConversationView {
	sqlQuery := "SELECT name, total FROM sales"
	count := 2
	first := chat.NewRow()
	first.Set("name", "Laptop")
	first.Set("total", float64(10))
	second := chat.NewRow()
	second.Set("name", "Phone")
	second.Set("total", float64(5))
	created := time.Date(2026, time.March, 1, 11, 0, 0, 0, time.UTC)
	return chat.ConversationView{
		ID:    9,
		Title: "top products",
		Messages: []chat.TurnRecord{
			{ID: 1, Role: chat.RoleUser, Content: "top products", CreatedAt: created},
			{
				ID:           2,
				Role:         chat.RoleAssistant,
				Content:      "2 results found",
				SQLQuery:     &sqlQuery,
				ResultsCount: &count,
				CreatedAt:    created.Add(time.Second),
				Results:      []chat.Row{first, second},
				Columns:      []string{"name", "total"},
			},
		},
	}
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC) }
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	options map[string]storage.PutOptions
	putErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, options: map[string]storage.PutOptions{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if m.putErr != nil {
		return storage.ObjectInfo{}, m.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.options[key] = opts
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type presigningStore struct {
	*memoryStore
}

func (p *presigningStore) PresignGet(_ context.Context, key string, expiry time.Duration, filename string) (string, error) {
	return "https://signed.example/" + key + "?expiry=" + expiry.String() + "&name=" + filename, nil
}
