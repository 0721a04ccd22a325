package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// pendingShown is how many pending ids the text report lists per source.
const pendingShown = 10

func kb(n int64) string {
	return strconv.FormatFloat(float64(n)/1024, 'f', 2, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// WriteText renders the human-readable report.
func WriteText(w io.Writer, r *Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "OpTrack stats, generated %s\n\n", formatTime(r.GeneratedAt))

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tFORMAT\tGRANTS\tSEEN\tPENDING\tSIZE (KB)\tLAST UPDATED\tLATEST PULL")
	for _, s := range r.Sources {
		pull := "-"
		if s.LatestPull.NewGrants > 0 {
			pull = fmt.Sprintf("+%d @ %s", s.LatestPull.NewGrants, formatTime(s.LatestPull.Timestamp))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			s.Name, s.StorageFormat, s.RecordCount, s.SeenCount, s.PendingCount,
			kb(s.Storage.Total), formatTime(s.LastUpdated), pull)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, s := range r.Sources {
		if s.PendingCount == 0 {
			continue
		}
		shown := s.PendingIDs[:min(len(s.PendingIDs), pendingShown)]
		fmt.Fprintf(&b, "\n%s: %d pending details: %s", s.Name, s.PendingCount, strings.Join(shown, ", "))
		if len(s.PendingIDs) > len(shown) {
			fmt.Fprintf(&b, " and %d more", len(s.PendingIDs)-len(shown))
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "\nTotal: %d sources, %d grants, %d seen, %d pending, %s KB\n",
		r.Summary.Sources, r.Summary.Records, r.Summary.Seen, r.Summary.Pending, kb(r.Summary.StorageBytes))
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON renders the report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

var csvHeader = []string{
	"source", "storage_format", "grant_count", "seen_ids_count", "pending_count",
	"log_lines", "jsonl_kb", "index_kb", "legacy_json_kb", "csv_kb", "archive_kb", "total_kb",
	"last_updated", "latest_pull_new", "latest_pull_timestamp",
}

// WriteCSV renders one row per source.
func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range r.Sources {
		row := []string{
			s.Name,
			s.StorageFormat,
			strconv.Itoa(s.RecordCount),
			strconv.Itoa(s.SeenCount),
			strconv.Itoa(s.PendingCount),
			strconv.FormatInt(s.LogLines, 10),
			kb(s.Storage.JSONL),
			kb(s.Storage.Index),
			kb(s.Storage.LegacyJSON),
			kb(s.Storage.CSV),
			kb(s.Storage.Archives),
			kb(s.Storage.Total),
			rfc3339OrEmpty(s.LastUpdated),
			strconv.Itoa(s.LatestPull.NewGrants),
			rfc3339OrEmpty(s.LatestPull.Timestamp),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func rfc3339OrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
