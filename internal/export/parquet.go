package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/sqlchat/internal/chat"
)

type ParquetEncodeResult struct {
	Data        []byte
	RecordCount int64
}

// resultRow is one persisted result row. Rows have no fixed schema, so the
// row itself is kept as JSON next to the turn it belongs to.
type resultRow struct {
	MessageID     int64  `parquet:"message_id"`
	RowIndex      int32  `parquet:"row_index"`
	Question      string `parquet:"question"`
	SQLQuery      string `parquet:"sql_query"`
	RowJSON       string `parquet:"row_json"`
	CreatedAtUnix int64  `parquet:"created_at_unix_ms"`
}

// EncodeResultsToParquet flattens the result rows of every assistant turn.
// Each row is paired with the user question that preceded it.
func EncodeResultsToParquet(messages []chat.TurnRecord) (ParquetEncodeResult, error) {
	rows := make([]resultRow, 0)
	question := ""
	for _, message := range messages {
		if message.Role == chat.RoleUser {
			question = message.Content
			continue
		}
		sqlQuery := ""
		if message.SQLQuery != nil {
			sqlQuery = *message.SQLQuery
		}
		for index, row := range message.Results {
			encoded, err := json.Marshal(row)
			if err != nil {
				return ParquetEncodeResult{}, fmt.Errorf("encode row %d of message %d: %w", index, message.ID, err)
			}
			rows = append(rows, resultRow{
				MessageID:     message.ID,
				RowIndex:      int32(index),
				Question:      question,
				SQLQuery:      sqlQuery,
				RowJSON:       string(encoded),
				CreatedAtUnix: message.CreatedAt.UnixMilli(),
			})
		}
	}
	if len(rows) == 0 {
		return ParquetEncodeResult{}, nil
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[resultRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}
	return ParquetEncodeResult{Data: buf.Bytes(), RecordCount: int64(len(rows))}, nil
}
