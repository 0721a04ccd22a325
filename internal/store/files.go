package store

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// File name patterns within the data dir. They match what earlier versions
// of the tracker wrote, so existing data dirs open unchanged.
const (
	indexFileSuffix   = "_grants_index.json"
	dataFileSuffix    = "_grants_data.jsonl"
	legacyFileSuffix  = "_grants.json"
	csvFileSuffix     = "_grants.csv"
	lockFileSuffix    = ".lock"
	archiveFileSuffix = ".jsonl.zst"
)

// Files names every file a source owns in a data dir.
type Files struct {
	Data   string // Record Log
	Index  string // ID Index + metadata
	Legacy string // aggregate snapshot for older consumers
	CSV    string // spreadsheet export written by external tooling
	Lock   string // advisory writer lock
}

// FilesFor returns the file set of source within dir.
func FilesFor(dir, source string) Files {
	base := filepath.Join(dir, SanitizeSource(source))
	return Files{
		Data:   base + dataFileSuffix,
		Index:  base + indexFileSuffix,
		Legacy: base + legacyFileSuffix,
		CSV:    base + csvFileSuffix,
		Lock:   base + lockFileSuffix,
	}
}

// ArchivePath returns where a compaction archive stamped with ts is written.
func (f Files) ArchivePath(ts string) string {
	return strings.TrimSuffix(f.Data, ".jsonl") + "." + ts + archiveFileSuffix
}

// SanitizeSource makes a source name safe to embed in a file name.
func SanitizeSource(source string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(source)
}

// SourceFromFile returns the source a data-dir file name belongs to, or ""
// if the name is not one of the per-source store files.
func SourceFromFile(name string) string {
	for _, suffix := range []string{dataFileSuffix, indexFileSuffix, legacyFileSuffix} {
		if src, ok := strings.CutSuffix(name, suffix); ok && src != "" {
			return src
		}
	}
	return ""
}

// storeFilePattern matches every per-source store file in a data dir.
const storeFilePattern = "*{" + dataFileSuffix + "," + indexFileSuffix + "," + legacyFileSuffix + "}"

// Discover lists the sources that have store files in dir, sorted.
// A missing dir holds no sources.
func Discover(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), storeFilePattern)
	if err != nil {
		return nil, fmt.Errorf("discover sources: %w", err)
	}
	var sources []string
	for _, m := range matches {
		if src := SourceFromFile(m); src != "" && !slices.Contains(sources, src) {
			sources = append(sources, src)
		}
	}
	slices.Sort(sources)
	return sources, nil
}
