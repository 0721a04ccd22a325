package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"optrack/internal/record"
)

var testNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func openTestStore(t *testing.T, dir string, opts ...func(*Config)) *Store {
	t.Helper()
	cfg := Config{Dir: dir, Source: "umich", Now: func() time.Time { return testNow }}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func grant(id string, kv ...any) record.Record {
	r := record.Record{record.DefaultIDField: id}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

// captureHandler records every log record it sees.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count(level slog.Level, substr string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level && strings.Contains(r.Message, substr) {
			n++
		}
	}
	return n
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(Config{Source: "x"}); !errors.Is(err, ErrMissingDir) {
		t.Fatalf("missing dir: got %v, want ErrMissingDir", err)
	}
	if _, err := Open(Config{Dir: t.TempDir()}); !errors.Is(err, ErrMissingSource) {
		t.Fatalf("missing source: got %v, want ErrMissingSource", err)
	}
}

func TestFilesMaterializeLazily(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	files := s.Files()
	if _, err := os.Stat(files.Data); !os.IsNotExist(err) {
		t.Fatalf("record log exists before first write: %v", err)
	}
	if _, err := os.Stat(files.Index); !os.IsNotExist(err) {
		t.Fatalf("index exists before first write: %v", err)
	}
	if _, err := s.Upsert(grant("a")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for _, p := range []string{files.Data, files.Index} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s after first write: %v", filepath.Base(p), err)
		}
	}
}

func TestUpsertThenGet(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	res, err := s.Upsert(grant("R-1", "title", "Seed Grant", "amount", json.Number("50000")))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Created || res.ID != "R-1" || res.Line != 0 {
		t.Fatalf("result: got %+v", res)
	}
	if !s.Has("R-1") {
		t.Fatal("Has(R-1) = false after upsert")
	}

	got, err := s.Get("R-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["title"] != "Seed Grant" {
		t.Errorf("title: got %v, want Seed Grant", got["title"])
	}
	if got["amount"] != json.Number("50000") {
		t.Errorf("amount: got %#v, want json.Number(50000)", got["amount"])
	}
	if m := s.Meta(); m.Count != 1 || m.Site != "umich" || !m.LastUpdated.Equal(testNow) {
		t.Errorf("meta: got %+v", m)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	_, err := s.Get("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if errors.Is(err, ErrRetrieval) {
		t.Fatal("absent id must not be a retrieval error")
	}
}

func TestUpsertMergesWithPreviousVersion(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	if _, err := s.Upsert(grant("R-1", "title", "T", "deadline", "2025-01-01")); err != nil {
		t.Fatal(err)
	}
	res, err := s.Upsert(grant("R-1", "deadline", "2025-02-01", "sponsor", "NSF"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Fatal("second upsert reported Created")
	}

	got, err := s.Get("R-1")
	if err != nil {
		t.Fatal(err)
	}
	want := record.Record{
		record.DefaultIDField: "R-1",
		"title":               "T",
		"deadline":            "2025-02-01",
		"sponsor":             "NSF",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: got %v, want %v", k, got[k], v)
		}
	}
	if st := s.Stats(); st.Lines != 2 || st.Live != 1 || st.Dead() != 1 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestUpsertRejectsMissingIdentifier(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	for _, rec := range []record.Record{
		{"title": "no id"},
		{record.DefaultIDField: ""},
		{record.DefaultIDField: "   "},
		{record.DefaultIDField: nil},
	} {
		if _, err := s.Upsert(rec); !errors.Is(err, ErrMissingIdentifier) {
			t.Errorf("Upsert(%v): got %v, want ErrMissingIdentifier", rec, err)
		}
	}
	if st := s.Stats(); st.Lines != 0 || st.Bytes != 0 {
		t.Fatalf("rejected records were written: %+v", st)
	}
	if _, err := os.Stat(s.Files().Data); !os.IsNotExist(err) {
		t.Fatalf("record log created by rejected upsert: %v", err)
	}
}

func TestCustomIDField(t *testing.T) {
	s := openTestStore(t, t.TempDir(), func(c *Config) { c.IDField = "ref" })
	if _, err := s.Upsert(record.Record{"ref": json.Number("42"), "title": "x"}); err != nil {
		t.Fatal(err)
	}
	if !s.Has("42") {
		t.Fatal("numeric identifier not indexed by its literal form")
	}
}

func TestBulkUpsertCounts(t *testing.T) {
	h := &captureHandler{}
	s := openTestStore(t, t.TempDir(), func(c *Config) { c.Logger = slog.New(h) })

	if _, err := s.Upsert(grant("old")); err != nil {
		t.Fatal(err)
	}
	res, err := s.BulkUpsert([]record.Record{
		grant("a", "v", "1"),
		grant("old", "v", "2"),
		{"title": "missing id"},
		grant("b"),
		grant("a", "v", "3"),
	})
	if err != nil {
		t.Fatalf("bulk upsert: %v", err)
	}
	want := BulkResult{New: 2, Updated: 2, Skipped: 1}
	if res != want {
		t.Fatalf("got %+v, want %+v", res, want)
	}
	if got := h.count(slog.LevelWarn, "skipping record"); got != 1 {
		t.Errorf("skip warnings: got %d, want 1", got)
	}
	a, err := s.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if a["v"] != "3" {
		t.Errorf("a.v: got %v, want 3 (last write in batch wins)", a["v"])
	}
	if ids := s.AllIDs(); ids.Len() != 3 || !ids.Has("old") || !ids.Has("a") || !ids.Has("b") {
		t.Errorf("AllIDs: got %v", ids.Sorted())
	}
}

func TestAllIDsIsACopy(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	if _, err := s.Upsert(grant("a")); err != nil {
		t.Fatal(err)
	}
	ids := s.AllIDs()
	ids.Add("injected")
	if s.Has("injected") {
		t.Fatal("mutating AllIDs result changed the store")
	}
}

func TestReopenLoadsIndex(t *testing.T) {
	dir := t.TempDir()
	h := &captureHandler{}
	s := openTestStore(t, dir)
	if _, err := s.BulkUpsert([]record.Record{grant("a", "n", "1"), grant("b"), grant("a", "n", "2")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openTestStore(t, dir, func(c *Config) { c.Logger = slog.New(h) })
	if got := h.count(slog.LevelInfo, "rebuilt index"); got != 0 {
		t.Fatalf("consistent index was rebuilt")
	}
	a, err := s2.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if a["n"] != "2" {
		t.Errorf("a.n: got %v, want 2", a["n"])
	}
	if st := s2.Stats(); st.Lines != 3 || st.Live != 2 {
		t.Errorf("stats after reopen: got %+v", st)
	}
}

func TestReopenRebuildsStaleIndex(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	if _, err := s.Upsert(grant("a", "n", "1")); err != nil {
		t.Fatal(err)
	}
	files := s.Files()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// A crash between append and index save leaves lines the index does not know.
	f, err := os.OpenFile(files.Data, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"competition_id":"a","n":"2"}` + "\n" + `{"competition_id":"c"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	h := &captureHandler{}
	s2 := openTestStore(t, dir, func(c *Config) { c.Logger = slog.New(h) })
	if got := h.count(slog.LevelInfo, "rebuilt index"); got != 1 {
		t.Fatalf("rebuild logs: got %d, want 1", got)
	}
	a, err := s2.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if a["n"] != "2" {
		t.Errorf("last valid line should win: got %v", a["n"])
	}
	if !s2.Has("c") {
		t.Error("record appended after last index save was lost")
	}
}

func TestLegacyIndexWithoutOffsetsIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	files := FilesFor(dir, "umich")
	log := `{"competition_id":"a","v":1}` + "\n" + `{"competition_id":"b"}` + "\n" + `{"competition_id":"a","v":2}` + "\n"
	if err := os.WriteFile(files.Data, []byte(log), 0o644); err != nil {
		t.Fatal(err)
	}
	legacyIndex := `{"site":"umich","count":2,"last_updated":"2024-06-01T10:00:00.123456","index":{"a":2,"b":1}}`
	if err := os.WriteFile(files.Index, []byte(legacyIndex), 0o644); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, dir)
	a, err := s.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if a["v"] != json.Number("2") {
		t.Errorf("a.v: got %v, want 2", a["v"])
	}

	idx, err := ReadIndex(files.Index)
	if err != nil {
		t.Fatal(err)
	}
	if idx.LogSize == nil || *idx.LogSize != int64(len(log)) {
		t.Errorf("rebuilt index log_size: got %v, want %d", idx.LogSize, len(log))
	}
	if idx.Index["a"] != 2 || idx.Offsets["b"] != int64(strings.Index(log, `{"competition_id":"b"}`)) {
		t.Errorf("rebuilt index: got %+v", idx)
	}
}

func TestPartialTrailingLineIsTruncated(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	if _, err := s.Upsert(grant("a")); err != nil {
		t.Fatal(err)
	}
	files := s.Files()
	_ = s.Close()

	before, _ := os.ReadFile(files.Data)
	f, err := os.OpenFile(files.Data, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"competition_id":"b","tit`)
	_ = f.Close()

	h := &captureHandler{}
	s2 := openTestStore(t, dir, func(c *Config) { c.Logger = slog.New(h) })
	if got := h.count(slog.LevelWarn, "partial trailing line"); got != 1 {
		t.Fatalf("truncation warnings: got %d, want 1", got)
	}
	after, _ := os.ReadFile(files.Data)
	if !bytes.Equal(before, after) {
		t.Fatalf("log after repair:\n%s\nwant:\n%s", after, before)
	}
	if s2.Has("b") {
		t.Fatal("partial record indexed")
	}
	if _, err := s2.Upsert(grant("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Get("b"); err != nil {
		t.Fatalf("get after repair: %v", err)
	}
}

// corruptLine overwrites the line holding id with same-length garbage, so
// the index stays consistent with the log size.
func corruptLine(t *testing.T, path, id string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.Split(data, []byte{'\n'})
	for i, l := range lines {
		if bytes.Contains(l, []byte(`"`+id+`"`)) {
			lines[i] = bytes.Repeat([]byte{'#'}, len(l))
		}
	}
	if err := os.WriteFile(path, bytes.Join(lines, []byte{'\n'}), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCorruptLineIsIsolated(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	if _, err := s.BulkUpsert([]record.Record{grant("a"), grant("bad"), grant("c")}); err != nil {
		t.Fatal(err)
	}
	files := s.Files()
	_ = s.Close()
	corruptLine(t, files.Data, "bad")

	h := &captureHandler{}
	s2 := openTestStore(t, dir, func(c *Config) { c.Logger = slog.New(h) })

	_, err := s2.Get("bad")
	var rerr *RetrievalError
	if !errors.As(err, &rerr) || !errors.Is(err, ErrRetrieval) {
		t.Fatalf("get corrupt: got %v, want *RetrievalError", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("corrupt record reported as never stored")
	}
	if rerr.ID != "bad" || rerr.Line != 1 {
		t.Errorf("retrieval error: got %+v", rerr)
	}
	for _, id := range []string{"a", "c"} {
		if _, err := s2.Get(id); err != nil {
			t.Errorf("get %s: %v", id, err)
		}
	}

	snap, err := s2.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Count != 2 {
		t.Errorf("snapshot count: got %d, want 2", snap.Count)
	}

	res, err := s2.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if res.Corrupt != 1 || len(res.Lost) != 1 || res.Lost[0] != "bad" || res.Records != 2 {
		t.Errorf("compact: got %+v", res)
	}
	if got := h.count(slog.LevelWarn, "unparseable log line"); got < 1 {
		t.Error("corrupt line was not logged")
	}
}

func TestCompactKeepsPreviousVersionOfUnreadableRecord(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	if _, err := s.Upsert(grant("x", "v", "1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(grant("y")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(grant("x", "v", "2")); err != nil {
		t.Fatal(err)
	}
	files := s.Files()
	_ = s.Close()

	// Overwrite only the current version of x.
	lines := bytes.Split(mustRead(t, files.Data), []byte{'\n'})
	lines[2] = bytes.Repeat([]byte{'#'}, len(lines[2]))
	if err := os.WriteFile(files.Data, bytes.Join(lines, []byte{'\n'}), 0o644); err != nil {
		t.Fatal(err)
	}

	h := &captureHandler{}
	s2 := openTestStore(t, dir, func(c *Config) { c.Logger = slog.New(h) })
	res, err := s2.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Lost) != 0 || len(res.Recovered) != 1 || res.Recovered[0] != "x" {
		t.Fatalf("compact: got %+v", res)
	}
	if res.LinesAfter != 2 || res.Records != 2 || res.Dropped != 0 || res.Corrupt != 1 {
		t.Errorf("compact counts: got %+v", res)
	}
	got, err := s2.Get("x")
	if err != nil {
		t.Fatalf("get x after compaction: %v", err)
	}
	if got["v"] != "1" {
		t.Errorf("x: got %v, want previous version", got)
	}
	if h.count(slog.LevelWarn, "kept previous versions") != 1 {
		t.Error("recovery was not logged")
	}

	// A second compaction has nothing left to repair.
	again, err := s2.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Recovered) != 0 || again.LinesAfter != 2 {
		t.Errorf("second compact: got %+v", again)
	}
}

func TestUpsertOverUnreadablePreviousVersion(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	if _, err := s.Upsert(grant("a", "old", "x")); err != nil {
		t.Fatal(err)
	}
	files := s.Files()
	_ = s.Close()
	corruptLine(t, files.Data, "a")

	s2 := openTestStore(t, dir)
	res, err := s2.Upsert(grant("a", "new", "y"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Created {
		t.Error("update of indexed id reported Created")
	}
	got, err := s2.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if got["new"] != "y" || got["old"] != nil {
		t.Errorf("got %v, want new record stored as-is", got)
	}
}

func TestCompactKeepsLatestVersions(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	batch := []record.Record{
		grant("a", "v", "1"), grant("b", "v", "1"), grant("a", "v", "2"),
		grant("c", "v", "1"), grant("b", "v", "2"), grant("a", "v", "3"),
	}
	if _, err := s.BulkUpsert(batch); err != nil {
		t.Fatal(err)
	}

	res, err := s.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if res.LinesBefore != 6 || res.LinesAfter != 3 || res.Dropped != 3 || res.Records != 3 {
		t.Fatalf("compact: got %+v", res)
	}
	if res.BytesAfter >= res.BytesBefore {
		t.Errorf("log did not shrink: %d -> %d", res.BytesBefore, res.BytesAfter)
	}
	for id, want := range map[string]string{"a": "3", "b": "2", "c": "1"} {
		got, err := s.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got["v"] != want {
			t.Errorf("%s.v: got %v, want %s", id, got["v"], want)
		}
	}

	first, _ := os.ReadFile(s.Files().Data)
	if _, err := s.Compact(); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(s.Files().Data)
	if !bytes.Equal(first, second) {
		t.Fatal("second compaction changed the log")
	}

	// Appends after compaction land after the rewritten lines.
	if _, err := s.Upsert(grant("d")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("d"); err != nil {
		t.Fatal(err)
	}
}

func TestCompactSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	if _, err := s.BulkUpsert([]record.Record{grant("a", "v", "1"), grant("a", "v", "2")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Compact(); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	h := &captureHandler{}
	s2 := openTestStore(t, dir, func(c *Config) { c.Logger = slog.New(h) })
	if h.count(slog.LevelInfo, "rebuilt index") != 0 {
		t.Error("index saved by compaction was not used")
	}
	got, err := s2.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if got["v"] != "2" {
		t.Errorf("got %v", got)
	}
}

func TestListArchivesScopedToSource(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data[1]")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	umich := FilesFor(dir, "umich")
	want := []string{umich.ArchivePath("20250101T000000Z"), umich.ArchivePath("20250201T000000Z")}
	for _, p := range append([]string{
		FilesFor(dir, "msu").ArchivePath("20250101T000000Z"),
		umich.Data,
	}, want...) {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ListArchives(dir, "umich")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, want) {
		t.Fatalf("ListArchives: got %v, want %v", got, want)
	}
}

func TestCompactWritesArchive(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, func(c *Config) { c.ArchiveOnCompact = true })
	if _, err := s.BulkUpsert([]record.Record{grant("a", "v", "1"), grant("a", "v", "2"), grant("b")}); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.Files().Data)

	res, err := s.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if res.Archive == "" {
		t.Fatal("no archive written")
	}
	archives, err := ListArchives(dir, "umich")
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 || archives[0] != res.Archive {
		t.Fatalf("ListArchives: got %v, want [%s]", archives, res.Archive)
	}

	a, err := OpenArchive(res.Archive)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Close() }()
	if a.Size() != int64(len(before)) {
		t.Fatalf("archive size: got %d, want %d", a.Size(), len(before))
	}
	var buf bytes.Buffer
	n, err := a.Scan(func(_, _ int64, line []byte) error {
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || !bytes.Equal(buf.Bytes(), before) {
		t.Fatalf("archive content: got %d lines\n%s\nwant\n%s", n, buf.Bytes(), before)
	}
}

func TestCompactEmptyStore(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	res, err := s.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if res.LinesAfter != 0 || res.Records != 0 {
		t.Fatalf("got %+v", res)
	}
}

func TestExportAndImportLegacy(t *testing.T) {
	src := openTestStore(t, t.TempDir())
	if _, err := src.BulkUpsert([]record.Record{grant("a", "title", "A"), grant("b", "title", "B"), grant("a", "deadline", "soon")}); err != nil {
		t.Fatal(err)
	}
	path, err := src.ExportLegacy()
	if err != nil {
		t.Fatal(err)
	}

	doc, err := LoadLegacy(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Site != "umich" || doc.Count != 2 || len(doc.Grants) != 2 {
		t.Fatalf("exported snapshot: %+v", doc)
	}
	if a := doc.Grants["a"]; a["title"] != "A" || a["deadline"] != "soon" {
		t.Errorf("exported a: %v", a)
	}

	dir := t.TempDir()
	if err := os.WriteFile(FilesFor(dir, "umich").Legacy, mustRead(t, path), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := openTestStore(t, dir)
	if !dst.Has("a") || !dst.Has("b") {
		t.Fatalf("legacy snapshot not imported on open: %v", dst.AllIDs().Sorted())
	}
	if n, err := dst.InitializeFromLegacy(doc); !errors.Is(err, ErrNotEmpty) || n != 0 {
		t.Fatalf("second import: got (%d, %v), want ErrNotEmpty", n, err)
	}
}

func TestInitializeFromLegacyUsesKeyAsIdentifier(t *testing.T) {
	s := openTestStore(t, t.TempDir(), func(c *Config) { c.SkipLegacyImport = true })
	doc := &Snapshot{
		Site: "umich",
		Grants: map[string]record.Record{
			"k1": {"title": "no id field"},
			"k2": {record.DefaultIDField: "k2", "title": "has id"},
		},
	}
	n, err := s.InitializeFromLegacy(doc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("imported: got %d, want 2", n)
	}
	got, err := s.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if got[record.DefaultIDField] != "k1" {
		t.Errorf("identifier from key: got %v", got)
	}
}

func TestUnreadableLegacySnapshotIsIgnored(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(FilesFor(dir, "umich").Legacy, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := &captureHandler{}
	s := openTestStore(t, dir, func(c *Config) { c.Logger = slog.New(h) })
	if s.Meta().Count != 0 {
		t.Fatal("store not empty")
	}
	if h.count(slog.LevelWarn, "legacy snapshot unreadable") != 1 {
		t.Error("unreadable legacy snapshot not logged")
	}
}

func TestSecondWriterIsRejected(t *testing.T) {
	dir := t.TempDir()
	openTestStore(t, dir)
	if _, err := Open(Config{Dir: dir, Source: "umich"}); !errors.Is(err, ErrSourceLocked) {
		t.Fatalf("got %v, want ErrSourceLocked", err)
	}
	other, err := Open(Config{Dir: dir, Source: "other"})
	if err != nil {
		t.Fatalf("other source: %v", err)
	}
	_ = other.Close()
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(grant("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Upsert: got %v", err)
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get: got %v", err)
	}
	if _, err := s.Compact(); !errors.Is(err, ErrClosed) {
		t.Errorf("Compact: got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOrphanTempFilesRemoved(t *testing.T) {
	dir := t.TempDir()
	files := FilesFor(dir, "umich")
	orphan := filepath.Join(dir, ".atomic-"+filepath.Base(files.Data)+"-123")
	foreign := filepath.Join(dir, ".atomic-"+filepath.Base(FilesFor(dir, "other").Data)+"-456")
	for _, p := range []string{orphan, foreign} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	openTestStore(t, dir)
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan temp file of this source survived open")
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Error("temp file of another source was removed")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestEndToEndScenario(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	res, err := s.BulkUpsert([]record.Record{grant("1", "title", "A"), grant("2", "title", "B")})
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 2 {
		t.Fatalf("first batch: got %d new, want 2", res.New)
	}
	if !s.Has("1") {
		t.Fatal("Has(1) = false")
	}

	if _, err := s.Compact(); err != nil {
		t.Fatal(err)
	}
	if n := s.AllIDs().Len(); n != 2 {
		t.Fatalf("after compaction: %d ids, want 2", n)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Count != 2 {
		t.Fatalf("snapshot count: got %d, want 2", snap.Count)
	}

	res, err = s.BulkUpsert([]record.Record{grant("2", "title", "B2"), grant("3", "title", "C")})
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 1 || res.Updated != 1 {
		t.Fatalf("second batch: got %+v, want 1 new and 1 update", res)
	}
	got, err := s.Get("2")
	if err != nil {
		t.Fatal(err)
	}
	if got["title"] != "B2" {
		t.Errorf("get 2: title %v, want B2", got["title"])
	}
	if n := s.AllIDs().Len(); n != 3 {
		t.Errorf("final ids: got %d, want 3", n)
	}
}
