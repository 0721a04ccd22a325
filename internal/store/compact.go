package store

import (
	"bufio"
	"fmt"
	"io"
	"slices"

	"optrack/internal/atomicfile"
	"optrack/internal/record"
)

// CompactResult describes one compaction.
type CompactResult struct {
	LinesBefore int64 `json:"lines_before"`
	LinesAfter  int64 `json:"lines_after"`
	BytesBefore int64 `json:"bytes_before"`
	BytesAfter  int64 `json:"bytes_after"`
	Records     int   `json:"records"`

	// Dropped counts superseded versions removed from the log.
	Dropped int64 `json:"dropped"`
	// Corrupt counts unparseable or unidentified lines removed from the log.
	Corrupt int64 `json:"corrupt"`
	// Recovered lists indexed ids whose current line was unreadable and
	// whose newest readable older version was kept instead.
	Recovered []string `json:"recovered,omitempty"`
	// Lost lists indexed ids with no readable line at all. They are no
	// longer indexed after compaction.
	Lost []string `json:"lost,omitempty"`

	// Archive is the path of the pre-compaction archive, if one was written.
	Archive string `json:"archive,omitempty"`
}

// Compact rewrites the log to hold exactly the current version of every
// indexed record, in original log order, and rebuilds the index to match.
//
// The new log is written to a temp file, synced and renamed over the old
// one. If anything fails before the rename the original log and index are
// untouched. Compacting twice in a row leaves the log byte-identical.
func (s *Store) Compact() (CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return CompactResult{}, ErrClosed
	}

	res := CompactResult{LinesBefore: s.log.lines, BytesBefore: s.log.size}
	if !s.log.exists() {
		return res, nil
	}
	if err := s.log.sync(); err != nil {
		return res, fmt.Errorf("sync record log: %w", err)
	}

	if s.cfg.ArchiveOnCompact && s.log.size > 0 {
		dst := s.files.ArchivePath(s.cfg.Now().UTC().Format(archiveTimeLayout))
		if err := writeArchive(s.files.Data, dst, s.cfg.FileMode); err != nil {
			return res, fmt.Errorf("archive record log: %w", err)
		}
		res.Archive = dst
	}

	index := make(map[string]slot, len(s.index))
	// Newest readable superseded line per id, used when the indexed line
	// turns out to be unreadable.
	older := make(map[string]slot)
	var lines, size int64
	err := atomicfile.WriteFrom(s.files.Data, s.cfg.FileMode, func(w io.Writer) error {
		bw := bufio.NewWriterSize(w, scanBufferSize)
		write := func(id string, raw []byte) error {
			if _, err := bw.Write(raw); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
			index[id] = slot{Line: lines, Offset: size}
			lines++
			size += int64(len(raw)) + 1
			return nil
		}
		st, err := s.scanLocked(func(lineNo, offset int64, raw []byte, _ record.Record, id string) error {
			sl, ok := s.index[id]
			if !ok || sl.Line != lineNo {
				res.Dropped++
				if ok && lineNo < sl.Line {
					older[id] = slot{Line: lineNo, Offset: offset}
				}
				return nil
			}
			return write(id, raw)
		})
		res.Corrupt = st.skipped
		if err != nil {
			return err
		}

		// Indexed ids not written yet had an unreadable current line. Keep
		// their newest readable version, appended after the rest.
		var missing []string
		for id := range s.index {
			if _, ok := index[id]; !ok {
				missing = append(missing, id)
			}
		}
		slices.Sort(missing)
		for _, id := range missing {
			sl, ok := older[id]
			if !ok {
				res.Lost = append(res.Lost, id)
				continue
			}
			raw, err := s.log.readLine(sl.Offset)
			if err != nil {
				return fmt.Errorf("read previous version of %s: %w", id, err)
			}
			if err := write(id, raw); err != nil {
				return err
			}
			res.Dropped--
			res.Recovered = append(res.Recovered, id)
		}
		return bw.Flush()
	})
	if err != nil {
		return res, fmt.Errorf("compact record log: %w", err)
	}

	if len(res.Recovered) > 0 {
		s.logger.Warn("current versions unreadable, kept previous versions", "count", len(res.Recovered), "ids", res.Recovered)
	}
	if len(res.Lost) > 0 {
		s.logger.Warn("indexed records missing from log, dropped from index", "count", len(res.Lost))
	}

	if err := s.log.reopen(lines); err != nil {
		return res, err
	}
	s.index = index
	res.LinesAfter = s.log.lines
	res.BytesAfter = s.log.size
	res.Records = len(index)

	if err := s.saveIndexLocked(); err != nil {
		// The on-disk index no longer matches the new log size, so the next
		// open rebuilds it.
		return res, fmt.Errorf("save index after compaction: %w", err)
	}
	s.logger.Info("compacted record log",
		"lines_before", res.LinesBefore,
		"lines_after", res.LinesAfter,
		"bytes_before", res.BytesBefore,
		"bytes_after", res.BytesAfter,
		"dropped", res.Dropped,
		"corrupt", res.Corrupt,
	)
	return res, nil
}
