package seen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"optrack/internal/atomicfile"
	"optrack/internal/idset"
	"optrack/internal/logging"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	fileSuffix        = "_seen_competitions.json"
	legacyFileName    = "seen_competitions.json"
	migratedSuffix    = ".migrated"
	corruptSuffix     = ".corrupt"
	defaultSourceName = "default"
)

// sourceFile is the on-disk shape of {source}_seen_competitions.json.
type sourceFile struct {
	Source      string   `json:"source"`
	IDs         []string `json:"ids"`
	Count       int      `json:"count"`
	LastUpdated string   `json:"last_updated"`
}

// rawSourceFile tolerates numeric ids written by other tools.
type rawSourceFile struct {
	Source string `json:"source"`
	IDs    []any  `json:"ids"`
}

// legacyFile is the aggregate seen_competitions.json. SeenIDs is either a
// map of source to ids or a flat list belonging to the "default" source.
type legacyFile struct {
	SeenIDs json.RawMessage `json:"seen_ids"`
}

// FileStore keeps one JSON file per source in a directory.
type FileStore struct {
	dir    string
	mode   os.FileMode
	now    func() time.Time
	logger *slog.Logger
}

// NewFileStore creates a FileStore rooted at dir. The logger is expected to
// be scoped by the caller already.
func NewFileStore(dir string, now func() time.Time, logger *slog.Logger) *FileStore {
	if now == nil {
		now = time.Now
	}
	return &FileStore{dir: dir, mode: 0o644, now: now, logger: logging.Default(logger)}
}

// PathFor returns the file holding the seen-set of source.
func (s *FileStore) PathFor(source string) string {
	return filepath.Join(s.dir, sanitize(source)+fileSuffix)
}

func sanitize(source string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(source)
}

// LoadAll migrates the legacy aggregate file, if present, and then reads
// every per-source file. Unreadable files are renamed aside and skipped.
func (s *FileStore) LoadAll() (map[string]idset.Set, error) {
	if err := s.migrateLegacy(); err != nil {
		s.logger.Error("legacy seen-id migration failed", "error", err)
	}

	names, err := doublestar.Glob(os.DirFS(s.dir), "*"+fileSuffix)
	if err != nil {
		return nil, fmt.Errorf("list seen-id files: %w", err)
	}

	sets := make(map[string]idset.Set, len(names))
	for _, name := range names {
		fallback := strings.TrimSuffix(name, fileSuffix)
		if fallback == "" {
			continue
		}
		p := filepath.Join(s.dir, name)
		source, ids, err := readSourceFile(p)
		if err != nil {
			s.quarantine(p, err)
			continue
		}
		// File names are sanitized; the recorded name is authoritative.
		if source == "" {
			source = fallback
		}
		sets[source] = ids
	}
	return sets, nil
}

func readSourceFile(path string) (string, idset.Set, error) {
	var f rawSourceFile
	if err := atomicfile.ReadJSON(path, &f); err != nil {
		return "", nil, err
	}
	ids, err := toSet(f.IDs)
	return f.Source, ids, err
}

func toSet(raw []any) (idset.Set, error) {
	ids := make(idset.Set, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			if t != "" {
				ids.Add(t)
			}
		case json.Number:
			ids.Add(t.String())
		default:
			return nil, fmt.Errorf("unexpected id of type %T", v)
		}
	}
	return ids, nil
}

// quarantine renames an unreadable file so the next save does not silently
// overwrite it.
func (s *FileStore) quarantine(path string, cause error) {
	dst := path + corruptSuffix
	if err := os.Rename(path, dst); err != nil {
		s.logger.Warn("seen-id file unreadable, ignoring", "path", path, "error", cause, "rename_error", err)
		return
	}
	s.logger.Warn("seen-id file unreadable, moved aside", "path", path, "moved_to", dst, "error", cause)
}

// migrateLegacy copies sources from seen_competitions.json into per-source
// files that do not exist yet, then renames the aggregate to *.migrated.
func (s *FileStore) migrateLegacy() error {
	path := filepath.Join(s.dir, legacyFileName)
	var lf legacyFile
	if err := atomicfile.ReadJSON(path, &lf); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		s.quarantine(path, err)
		return nil
	}

	sets, err := parseLegacy(lf.SeenIDs)
	if err != nil {
		s.quarantine(path, err)
		return nil
	}

	for source, ids := range sets {
		target := s.PathFor(source)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := s.Save(source, ids); err != nil {
			return fmt.Errorf("migrate source %s: %w", source, err)
		}
		s.logger.Info("migrated legacy seen ids", "source", source, "ids", ids.Len(), "path", target)
	}

	if err := os.Rename(path, path+migratedSuffix); err != nil {
		return fmt.Errorf("retire legacy seen-id file: %w", err)
	}
	return nil
}

func parseLegacy(raw json.RawMessage) (map[string]idset.Set, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var bySource map[string][]any
	if err := unmarshalNumbers(raw, &bySource); err == nil {
		out := make(map[string]idset.Set, len(bySource))
		for src, list := range bySource {
			ids, err := toSet(list)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", src, err)
			}
			out[src] = ids
		}
		return out, nil
	}
	var flat []any
	if err := unmarshalNumbers(raw, &flat); err != nil {
		return nil, fmt.Errorf("seen_ids is neither a map nor a list: %w", err)
	}
	ids, err := toSet(flat)
	if err != nil {
		return nil, err
	}
	return map[string]idset.Set{defaultSourceName: ids}, nil
}

func unmarshalNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// Save atomically rewrites the file of source.
func (s *FileStore) Save(source string, ids idset.Set) error {
	doc := sourceFile{
		Source:      source,
		IDs:         ids.Sorted(),
		Count:       ids.Len(),
		LastUpdated: s.now().Format(time.RFC3339Nano),
	}
	if doc.IDs == nil {
		doc.IDs = []string{}
	}
	if err := atomicfile.WriteJSON(s.PathFor(source), doc, s.mode); err != nil {
		return fmt.Errorf("save seen ids for %s: %w", source, err)
	}
	return nil
}
