package reconcile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"optrack/internal/atomicfile"
)

// ReportFileName is the file each run directory holds.
const ReportFileName = "comparison_summary.json"

// Report is what one reconciliation run writes to runs/<run-id>/.
type Report struct {
	RunID       string                `json:"run_id"`
	StartedAt   string                `json:"started_at"`
	CompletedAt string                `json:"completed_at"`
	Sites       map[string]SiteReport `json:"sites"`
}

// SiteReport is the outcome for one source.
type SiteReport struct {
	BeforeCount   int      `json:"before_count"`
	AfterCount    int      `json:"after_count"`
	NewCount      int      `json:"new_count"`
	NewIDs        []string `json:"new_ids"`
	MissingCount  int      `json:"missing_count"`
	MissingIDs    []string `json:"missing_ids"`
	ArchivedCount int      `json:"archived_count"`
	Committed     bool     `json:"committed"`
}

// CompletedTime parses CompletedAt.
func (r *Report) CompletedTime() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, r.CompletedAt)
	return t, err == nil
}

func writeReport(runsDir string, r *Report) (string, error) {
	path := filepath.Join(runsDir, r.RunID, ReportFileName)
	return path, atomicfile.WriteJSON(path, r, 0o644)
}

// LoadRecentReports reads the reports of the newest limit run directories,
// newest first. Run ids are UUIDv7, so lexical order is creation order.
// Directories without a readable report are skipped.
func LoadRecentReports(runsDir string, limit int) ([]*Report, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	slices.Sort(dirs)
	slices.Reverse(dirs)
	if limit > 0 && len(dirs) > limit {
		dirs = dirs[:limit]
	}

	reports := make([]*Report, 0, len(dirs))
	for _, d := range dirs {
		var r Report
		if err := atomicfile.ReadJSON(filepath.Join(runsDir, d, ReportFileName), &r); err != nil {
			continue
		}
		reports = append(reports, &r)
	}
	return reports, nil
}
