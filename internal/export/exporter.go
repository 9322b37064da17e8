package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strconv"
	"time"

	"github.com/duckmesh/sqlchat/internal/chat"
	"github.com/duckmesh/sqlchat/internal/observability"
	"github.com/duckmesh/sqlchat/internal/storage"
)

// ErrNotConfigured is returned when no object store backs exports.
var ErrNotConfigured = errors.New("export store is not configured")

type Result struct {
	TranscriptKey string `json:"transcript_key"`
	ResultsKey    string `json:"results_key,omitempty"`
	ResultRows    int64  `json:"result_rows"`
	DownloadURL   string `json:"download_url,omitempty"`
}

type Transcript struct {
	ID         int64             `json:"id"`
	Title      string            `json:"title"`
	ExportedAt time.Time         `json:"exported_at"`
	Messages   []chat.TurnRecord `json:"messages"`
}

type Exporter struct {
	Store         storage.ObjectStore
	Logger        *slog.Logger
	Clock         func() time.Time
	PresignExpiry time.Duration
}

func (e *Exporter) ensureDefaults() {
	if e.Clock == nil {
		e.Clock = time.Now
	}
	if e.PresignExpiry <= 0 {
		e.PresignExpiry = 15 * time.Minute
	}
}

// Export writes the transcript as JSON and, when any turn returned rows, the
// rows as parquet.
func (e *Exporter) Export(ctx context.Context, userID string, view chat.ConversationView) (Result, error) {
	if e == nil || e.Store == nil {
		observability.ObserveExport("disabled")
		return Result{}, ErrNotConfigured
	}
	e.ensureDefaults()

	result, err := e.export(ctx, userID, view)
	if err != nil {
		observability.ObserveExport("error")
		return Result{}, err
	}
	observability.ObserveExport("success")
	if e.Logger != nil {
		e.Logger.InfoContext(ctx, "conversation exported",
			slog.Int64("conversation_id", view.ID),
			slog.String("transcript_key", result.TranscriptKey),
			slog.Int64("result_rows", result.ResultRows),
		)
	}
	return result, nil
}

func (e *Exporter) export(ctx context.Context, userID string, view chat.ConversationView) (Result, error) {
	exportedAt := e.Clock().UTC()
	transcript := Transcript{ID: view.ID, Title: view.Title, ExportedAt: exportedAt, Messages: view.Messages}
	if transcript.Messages == nil {
		transcript.Messages = []chat.TurnRecord{}
	}
	payload, err := json.Marshal(transcript)
	if err != nil {
		return Result{}, fmt.Errorf("encode transcript: %w", err)
	}

	transcriptKey, err := storage.BuildExportPath(userID, view.ID, exportedAt, storage.ExportFormatJSON)
	if err != nil {
		return Result{}, fmt.Errorf("build transcript path: %w", err)
	}
	meta := objectMetadata(userID, view.ID, exportedAt)
	transcriptOpts := storage.PutOptions{
		ContentType:        "application/json",
		ContentDisposition: attachment(downloadName(view.ID, exportedAt, "json")),
		Metadata:           meta,
	}
	if _, err := e.Store.Put(ctx, transcriptKey, bytes.NewReader(payload), int64(len(payload)), transcriptOpts); err != nil {
		return Result{}, fmt.Errorf("put transcript object: %w", err)
	}
	result := Result{TranscriptKey: transcriptKey}

	encoded, err := EncodeResultsToParquet(view.Messages)
	if err != nil {
		return Result{}, fmt.Errorf("encode results to parquet: %w", err)
	}
	if encoded.RecordCount > 0 {
		resultsKey, err := storage.BuildExportPath(userID, view.ID, exportedAt, storage.ExportFormatParquet)
		if err != nil {
			return Result{}, fmt.Errorf("build results path: %w", err)
		}
		resultsOpts := storage.PutOptions{
			ContentType:        "application/vnd.apache.parquet",
			ContentDisposition: attachment(downloadName(view.ID, exportedAt, "parquet")),
			Metadata:           meta,
		}
		if _, err := e.Store.Put(ctx, resultsKey, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), resultsOpts); err != nil {
			return Result{}, fmt.Errorf("put parquet object: %w", err)
		}
		result.ResultsKey = resultsKey
		result.ResultRows = encoded.RecordCount
	}

	if presigner, ok := e.Store.(storage.Presigner); ok {
		link, err := presigner.PresignGet(ctx, transcriptKey, e.PresignExpiry, downloadName(view.ID, exportedAt, "json"))
		if err != nil {
			return Result{}, fmt.Errorf("presign transcript: %w", err)
		}
		result.DownloadURL = link
	}
	return result, nil
}

func objectMetadata(userID string, conversationID int64, exportedAt time.Time) map[string]string {
	return map[string]string{
		"user-id":         userID,
		"conversation-id": strconv.FormatInt(conversationID, 10),
		"exported-at":     exportedAt.Format(time.RFC3339),
	}
}

// downloadName is what a browser saves the object as, e.g.
// conversation-12-20260301T120000Z.json.
func downloadName(conversationID int64, exportedAt time.Time, ext string) string {
	return fmt.Sprintf("conversation-%d-%s.%s", conversationID, exportedAt.UTC().Format("20060102T150405Z"), ext)
}

func attachment(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}
