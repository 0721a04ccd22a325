package store

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"optrack/internal/record"
)

func TestFilesFor(t *testing.T) {
	f := FilesFor("/data", "umich/main")
	want := Files{
		Data:   "/data/umich_main_grants_data.jsonl",
		Index:  "/data/umich_main_grants_index.json",
		Legacy: "/data/umich_main_grants.json",
		CSV:    "/data/umich_main_grants.csv",
		Lock:   "/data/umich_main.lock",
	}
	if f != want {
		t.Fatalf("got %+v, want %+v", f, want)
	}
	if got := f.ArchivePath("20250101T000000Z"); got != "/data/umich_main_grants_data.20250101T000000Z.jsonl.zst" {
		t.Errorf("ArchivePath: got %s", got)
	}
}

func TestSourceFromFile(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"umich_grants_data.jsonl", "umich"},
		{"umich_grants_index.json", "umich"},
		{"msu_grants.json", "msu"},
		{"a_b_grants.json", "a_b"},
		{"umich_seen_competitions.json", ""},
		{"_grants.json", ""},
		{"umich.lock", ""},
	}
	for _, tt := range tests {
		if got := SourceFromFile(tt.name); got != tt.want {
			t.Errorf("SourceFromFile(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"umich_grants_data.jsonl",
		"umich_grants_index.json",
		"msu_grants.json",
		"wayne_grants_index.json",
		"seen_competitions.json",
		"umich_seen_competitions.json",
		".atomic-umich_grants_index.json-1",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := Discover(dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"msu", "umich", "wayne"}; !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	none, err := Discover(filepath.Join(dir, "missing"))
	if err != nil || len(none) != 0 {
		t.Fatalf("missing dir: got %v, %v", none, err)
	}
}

func TestStoredIDs(t *testing.T) {
	dir := t.TempDir()

	ids, err := StoredIDs(dir, "nowhere")
	if err != nil || ids.Len() != 0 {
		t.Fatalf("unknown source: got %v, %v", ids, err)
	}

	legacy := `{"site":"msu","grants":{"m1":{},"m2":{}},"count":2}`
	if err := os.WriteFile(FilesFor(dir, "msu").Legacy, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	ids, err = StoredIDs(dir, "msu")
	if err != nil {
		t.Fatal(err)
	}
	if got := ids.Sorted(); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Errorf("legacy: got %v", got)
	}

	s := openTestStore(t, dir)
	if _, err := s.BulkUpsert([]record.Record{grant("a"), grant("b")}); err != nil {
		t.Fatal(err)
	}
	// Readable while the writer holds the lock.
	ids, err = StoredIDs(dir, "umich")
	if err != nil {
		t.Fatal(err)
	}
	if got := ids.Sorted(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("index: got %v", got)
	}

	if err := os.WriteFile(FilesFor(dir, "broken").Index, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := StoredIDs(dir, "broken"); err == nil {
		t.Error("expected error for unreadable index")
	}
}
