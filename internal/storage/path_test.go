package storage

import (
	"testing"
	"time"
)

func TestBuildExportPath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 4, 5, 6, 7000, time.FixedZone("x", -5*3600))
	key, err := BuildExportPath("alice@example.com", 55, ts, ExportFormatJSON)
	if err != nil {
		t.Fatalf("BuildExportPath() error = %v", err)
	}
	want := "exports/user=alice_example.com/conversation=55/20260219T090506.000007Z-transcript.json"
	if key != want {
		t.Fatalf("BuildExportPath() = %q, want %q", key, want)
	}
}

func TestBuildExportPathParquet(t *testing.T) {
	key, err := BuildExportPath("bob", 7, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ExportFormatParquet)
	if err != nil {
		t.Fatalf("BuildExportPath() error = %v", err)
	}
	want := "exports/user=bob/conversation=7/20260102T030405.000000Z-results.parquet"
	if key != want {
		t.Fatalf("BuildExportPath() = %q, want %q", key, want)
	}
}

func TestBuildExportPathRejectsInvalidInput(t *testing.T) {
	if _, err := BuildExportPath("../..", 1, time.Now(), ExportFormatJSON); err == nil {
		t.Fatal("expected invalid user error")
	}
	if _, err := BuildExportPath("alice", 0, time.Now(), ExportFormatJSON); err == nil {
		t.Fatal("expected invalid conversation error")
	}
	if _, err := BuildExportPath("alice", 1, time.Now(), ExportFormat("csv")); err == nil {
		t.Fatal("expected invalid format error")
	}
}

func TestValidateObjectKey(t *testing.T) {
	valid := []string{"warehouse/trips.parquet", "a.parquet"}
	for _, key := range valid {
		if err := ValidateObjectKey(key); err != nil {
			t.Fatalf("ValidateObjectKey(%q) error = %v", key, err)
		}
	}
	invalid := []string{"", "/abs/key", "a/../b", "a//b"}
	for _, key := range invalid {
		if err := ValidateObjectKey(key); err == nil {
			t.Fatalf("ValidateObjectKey(%q) expected error", key)
		}
	}
}
