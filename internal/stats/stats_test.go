package stats

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"optrack/internal/idset"
	"optrack/internal/reconcile"
	"optrack/internal/record"
	"optrack/internal/seen"
	"optrack/internal/store"
)

var testNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// fixture builds a data dir with an append-only source "umich", a
// legacy-only source "msu" and seen ids for both plus "wayne".
func fixture(t *testing.T) (dataDir, runsDir string, tr *seen.Tracker) {
	t.Helper()
	root := t.TempDir()
	dataDir = filepath.Join(root, "db")
	runsDir = filepath.Join(root, "runs")

	s, err := store.Open(store.Config{Dir: dataDir, Source: "umich", Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.BulkUpsert([]record.Record{
		{record.DefaultIDField: "u1"},
		{record.DefaultIDField: "u2"},
		{record.DefaultIDField: "u1", "title": "v2"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	legacy := `{"site":"msu","grants":{"m1":{"title":"x"}},"last_updated":"2024-01-02T03:04:05.000001","count":1}`
	if err := os.WriteFile(store.FilesFor(dataDir, "msu").Legacy, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	tr, err = seen.New(seen.Config{Dir: dataDir})
	if err != nil {
		t.Fatal(err)
	}
	for src, ids := range map[string]idset.Set{
		"umich": idset.Of("u1", "u2", "u3"),
		"msu":   idset.Of("m1"),
		"wayne": idset.Of("w1", "w2"),
	} {
		if _, err := tr.Add(src, ids); err != nil {
			t.Fatal(err)
		}
	}
	return dataDir, runsDir, tr
}

func bySource(r *Report) map[string]Source {
	m := make(map[string]Source, len(r.Sources))
	for _, s := range r.Sources {
		m[s.Name] = s
	}
	return m
}

func TestCollect(t *testing.T) {
	dataDir, runsDir, tr := fixture(t)

	rec := reconcile.New(reconcile.Config{Tracker: tr, RunsDir: runsDir, Now: func() time.Time { return testNow }})
	if _, err := rec.Run(context.Background(), "umich", reconcile.Observation{IDs: idset.Of("u1", "u2", "u3", "u4")}); err != nil {
		t.Fatal(err)
	}

	c := NewCollector(Config{DataDir: dataDir, RunsDir: runsDir, Seen: tr, Now: func() time.Time { return testNow }})
	r, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	got := bySource(r)
	if names := func() []string {
		var n []string
		for _, s := range r.Sources {
			n = append(n, s.Name)
		}
		return n
	}(); !slices.Equal(names, []string{"msu", "umich", "wayne"}) {
		t.Fatalf("sources: got %v", names)
	}

	u := got["umich"]
	if u.StorageFormat != FormatAppendOnly || u.RecordCount != 2 || u.LogLines != 3 {
		t.Errorf("umich: got %+v", u)
	}
	if u.SeenCount != 3 || u.PendingCount != 1 || !slices.Equal(u.PendingIDs, []string{"u3"}) {
		t.Errorf("umich pending: got %+v", u)
	}
	if !u.LastUpdated.Equal(testNow) {
		t.Errorf("umich last updated: got %v", u.LastUpdated)
	}
	if u.Storage.JSONL == 0 || u.Storage.Index == 0 || u.Storage.Total != u.Storage.JSONL+u.Storage.Index {
		t.Errorf("umich storage: got %+v", u.Storage)
	}
	if u.LatestPull.NewGrants != 1 || u.LatestPull.TotalFound != 4 || !slices.Equal(u.LatestPull.NewIDs, []string{"u4"}) {
		t.Errorf("umich latest pull: got %+v", u.LatestPull)
	}

	m := got["msu"]
	if m.StorageFormat != FormatLegacyJSON || m.RecordCount != 1 || m.PendingCount != 0 {
		t.Errorf("msu: got %+v", m)
	}
	if m.LastUpdated.IsZero() {
		t.Error("msu: zone-less legacy timestamp not parsed")
	}
	if m.LatestPull.TotalFound != 1 || m.LatestPull.NewGrants != 0 {
		t.Errorf("msu latest pull fallback: got %+v", m.LatestPull)
	}

	w := got["wayne"]
	if w.StorageFormat != FormatUnknown || w.PendingCount != 2 {
		t.Errorf("wayne: got %+v", w)
	}

	want := Summary{Sources: 3, Records: 3, Seen: 6, Pending: 3}
	sum := r.Summary
	sum.StorageBytes = 0
	if sum != want {
		t.Errorf("summary: got %+v, want %+v", sum, want)
	}
}

func TestCollectSelectedSources(t *testing.T) {
	dataDir, _, tr := fixture(t)
	c := NewCollector(Config{DataDir: dataDir, Seen: tr})
	r, err := c.Collect(context.Background(), "msu")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Sources) != 1 || r.Sources[0].Name != "msu" {
		t.Fatalf("got %+v", r.Sources)
	}
}

func TestCollectCancelled(t *testing.T) {
	dataDir, _, tr := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewCollector(Config{DataDir: dataDir, Seen: tr}).Collect(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func sampleReport() *Report {
	return &Report{
		GeneratedAt: testNow,
		Sources: []Source{
			{
				Name:          "umich",
				StorageFormat: FormatAppendOnly,
				RecordCount:   2,
				SeenCount:     3,
				PendingCount:  1,
				PendingIDs:    []string{"u3"},
				LogLines:      3,
				LastUpdated:   testNow,
				Storage:       Storage{JSONL: 2048, Index: 1024, Total: 3072},
				LatestPull:    Pull{Timestamp: testNow, NewGrants: 1, TotalFound: 4},
			},
		},
		Summary: Summary{Sources: 1, Records: 2, Seen: 3, Pending: 1, StorageBytes: 3072},
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"umich", "append_only", "3.00", "+1 @ 2025-06-01 08:00:00",
		"umich: 1 pending details: u3",
		"Total: 1 sources, 2 grants, 3 seen, 1 pending, 3.00 KB",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text report missing %q:\n%s", want, out)
		}
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || len(rows[1]) != len(csvHeader) {
		t.Fatalf("rows: %v", rows)
	}
	if rows[1][0] != "umich" || rows[1][2] != "2" || rows[1][6] != "2.00" {
		t.Errorf("row: %v", rows[1])
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	sources, _ := doc["sources"].([]any)
	if len(sources) != 1 {
		t.Fatalf("sources: %v", doc["sources"])
	}
	if got := sources[0].(map[string]any)["grant_count"]; got != float64(2) {
		t.Errorf("grant_count: got %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optrack.prom")
	if err := WriteTextfile(path, sampleReport()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{
		`optrack_records{source="umich"} 2`,
		`optrack_pending_details{source="umich"} 1`,
		`optrack_storage_bytes{file="jsonl",source="umich"} 2048`,
		`optrack_storage_format_info{format="append_only",source="umich"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}
