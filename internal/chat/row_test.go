package chat

import (
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestNormalizeRowsKeepsColumnOrder(t *testing.T) {
	rows := NormalizeRows([]string{"z", "a", "m"}, [][]any{{1, 2, 3}})
	if got := strings.Join(ColumnsOf(rows), ","); got != "z,a,m" {
		t.Fatalf("ColumnsOf() = %q", got)
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(encoded) != `[{"z":1,"a":2,"m":3}]` {
		t.Fatalf("encoded = %s", encoded)
	}
}

func TestNormalizeRowsCanonicalizesValues(t *testing.T) {
	at := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	rows := NormalizeRows(
		[]string{"int", "bytes", "time", "nil", "nan", "bool"},
		[][]any{{int64(7), []byte("abc"), at, nil, math.NaN(), true}},
	)
	row := rows[0]
	if value, _ := row.Get("int"); value != int64(7) {
		t.Fatalf("int = %#v", value)
	}
	if value, _ := row.Get("bytes"); value != "abc" {
		t.Fatalf("bytes = %#v", value)
	}
	if value, _ := row.Get("time"); value != "2024-01-02T03:04:05Z" {
		t.Fatalf("time = %#v", value)
	}
	if value, ok := row.Get("nil"); !ok || value != nil {
		t.Fatalf("nil = %#v, %v", value, ok)
	}
	if value, _ := row.Get("nan"); value != "NaN" {
		t.Fatalf("nan = %#v", value)
	}
	if value, _ := row.Get("bool"); value != true {
		t.Fatalf("bool = %#v", value)
	}
}

func TestRowJSONRoundTripPreservesOrder(t *testing.T) {
	original := NormalizeRows([]string{"region", "amount"}, [][]any{{"north", 12.5}, {"south", int32(3)}})
	encoded, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded []Row
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded = %d rows", len(decoded))
	}
	if got := strings.Join(ColumnsOf(decoded), ","); got != "region,amount" {
		t.Fatalf("columns = %q", got)
	}
	for i := range original {
		for _, column := range original[i].Columns() {
			want, _ := original[i].Get(column)
			got, _ := decoded[i].Get(column)
			if got != want {
				t.Fatalf("row %d %s = %#v, want %#v", i, column, got, want)
			}
		}
	}
}

func TestRowsKeepIntegersBeyondFloatPrecision(t *testing.T) {
	const id = int64(9007199254740993)
	wide, ok := new(big.Int).SetString("170141183460469231731687303715884105727", 10)
	if !ok {
		t.Fatal("SetString() failed")
	}
	rows := NormalizeRows([]string{"id", "hugeint", "ratio"}, [][]any{{id, wide, 0.25}})

	encoded, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `[{"id":9007199254740993,"hugeint":170141183460469231731687303715884105727,"ratio":0.25}]`
	if string(encoded) != want {
		t.Fatalf("encoded = %s", encoded)
	}

	var reloaded []Row
	if err := json.Unmarshal(encoded, &reloaded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, column := range rows[0].Columns() {
		fresh, _ := rows[0].Get(column)
		stored, _ := reloaded[0].Get(column)
		if fresh != stored {
			t.Fatalf("%s: returned %#v, reloaded %#v", column, fresh, stored)
		}
	}
	if value, _ := reloaded[0].Get("id"); value != id {
		t.Fatalf("id = %#v", value)
	}
}

func TestZeroRow(t *testing.T) {
	var row Row
	if row.Len() != 0 || len(row.Columns()) != 0 {
		t.Fatal("zero row should be empty")
	}
	encoded, err := json.Marshal(row)
	if err != nil || string(encoded) != "{}" {
		t.Fatalf("Marshal() = %s, %v", encoded, err)
	}
	row.Set("a", 1)
	if row.Len() != 1 {
		t.Fatalf("Len() = %d", row.Len())
	}
}

func TestColumnsOfEmpty(t *testing.T) {
	columns := ColumnsOf(nil)
	if columns == nil || len(columns) != 0 {
		t.Fatalf("ColumnsOf(nil) = %#v", columns)
	}
}

func TestAppendMessageInputValidate(t *testing.T) {
	sqlText := "SELECT 1"
	tests := []struct {
		name    string
		in      AppendMessageInput
		wantErr bool
	}{
		{name: "user", in: AppendMessageInput{ConversationID: 1, Role: RoleUser, Content: "hi"}},
		{name: "assistant with results", in: AppendMessageInput{ConversationID: 1, Role: RoleAssistant, Content: "1 results found", SQLQuery: &sqlText}},
		{name: "missing conversation", in: AppendMessageInput{Role: RoleUser, Content: "hi"}, wantErr: true},
		{name: "bad role", in: AppendMessageInput{ConversationID: 1, Role: "system", Content: "hi"}, wantErr: true},
		{name: "blank content", in: AppendMessageInput{ConversationID: 1, Role: RoleUser, Content: "  "}, wantErr: true},
		{name: "user with sql", in: AppendMessageInput{ConversationID: 1, Role: RoleUser, Content: "hi", SQLQuery: &sqlText}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.in.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Fatal("CodeOf(nil) should be empty")
	}
	if CodeOf(notFound()) != CodeNotFound {
		t.Fatal("notFound() code mismatch")
	}
	if CodeOf(ErrNotFound) != CodeNotFound {
		t.Fatal("ErrNotFound code mismatch")
	}
	err := storageFailure(9, "append", ErrNotFound)
	if CodeOf(err) != CodeStorageFailure || ConversationIDOf(err) != 9 {
		t.Fatalf("storageFailure() = %q/%d", CodeOf(err), ConversationIDOf(err))
	}
	if err.Error() != "append: not found" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
