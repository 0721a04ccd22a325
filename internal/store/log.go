package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// scanBufferSize is the read buffer for sequential log scans. Grant records
// with long descriptions run to tens of kilobytes; lines longer than this
// are still read, just in more than one fill.
const scanBufferSize = 64 << 10

var (
	errLogMissing  = errors.New("record log does not exist")
	errOffsetRange = errors.New("offset outside record log")
	errPartialLine = errors.New("line is not newline-terminated")
)

// recordLog is the append-only JSONL file of one source.
//
// Layout: one JSON document per line, UTF-8, newline-terminated. Lines are
// never rewritten in place; only compaction replaces the whole file.
//
// The file is opened lazily: a source that was never written has no log
// file, and f stays nil until the first append.
type recordLog struct {
	path  string
	mode  os.FileMode
	f     *os.File
	size  int64 // bytes, always ends on a line boundary
	lines int64 // physical lines including unparseable ones
}

// openLog opens an existing log for appending and positional reads.
// A missing file is not an error; the returned log simply does not exist yet.
func openLog(path string, mode os.FileMode) (*recordLog, error) {
	l := &recordLog{path: path, mode: mode}
	if err := l.open(os.O_RDWR | os.O_APPEND); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("open record log: %w", err)
	}
	return l, nil
}

func (l *recordLog) open(flags int) error {
	f, err := os.OpenFile(filepath.Clean(l.path), flags, l.mode)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.size = info.Size()
	return nil
}

func (l *recordLog) exists() bool { return l.f != nil }

func (l *recordLog) ensureOpen() error {
	if l.f != nil {
		return nil
	}
	if err := l.open(os.O_CREATE | os.O_RDWR | os.O_APPEND); err != nil {
		return fmt.Errorf("create record log: %w", err)
	}
	l.lines = 0
	return nil
}

// repairTail truncates a trailing line that was cut short by a crash and
// returns how many bytes were removed.
func (l *recordLog) repairTail() (int64, error) {
	if l.f == nil || l.size == 0 {
		return 0, nil
	}
	var last [1]byte
	if _, err := l.f.ReadAt(last[:], l.size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		return 0, nil
	}

	buf := make([]byte, 4096)
	keep := int64(0)
	for pos := l.size; pos > 0; {
		n := min(int64(len(buf)), pos)
		start := pos - n
		if _, err := l.f.ReadAt(buf[:n], start); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		pos = start
	}
	removed := l.size - keep
	if err := l.f.Truncate(keep); err != nil {
		return 0, err
	}
	l.size = keep
	return removed, nil
}

// append writes line plus a newline and returns its line number and offset.
// A failed or short write is undone so the file keeps ending on a line boundary.
func (l *recordLog) append(line []byte) (lineNo, offset int64, err error) {
	if err := l.ensureOpen(); err != nil {
		return 0, 0, err
	}
	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	n, err := l.f.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		_ = l.f.Truncate(l.size)
		return 0, 0, fmt.Errorf("append to record log: %w", err)
	}
	lineNo, offset = l.lines, l.size
	l.size += int64(n)
	l.lines++
	return lineNo, offset, nil
}

// truncate rolls the log back to an earlier size and line count.
func (l *recordLog) truncate(size, lines int64) error {
	if l.f == nil || size == l.size {
		return nil
	}
	if err := l.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate record log: %w", err)
	}
	l.size = size
	l.lines = lines
	return nil
}

// readLine returns the line starting at offset, without its newline.
func (l *recordLog) readLine(offset int64) ([]byte, error) {
	if l.f == nil {
		return nil, errLogMissing
	}
	if offset < 0 || offset >= l.size {
		return nil, fmt.Errorf("%w: %d of %d", errOffsetRange, offset, l.size)
	}
	r := bufio.NewReader(io.NewSectionReader(l.f, offset, l.size-offset))
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errPartialLine
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}

// scan calls fn for every line in file order and returns the number of
// lines seen. Returning an error from fn stops the scan.
func (l *recordLog) scan(fn func(lineNo, offset int64, line []byte) error) (int64, error) {
	if l.f == nil {
		return 0, nil
	}
	return scanLines(l.f, l.size, fn)
}

// scanLines reads the first size bytes of r line by line. A final line
// without a newline is passed to fn as well.
func scanLines(r io.ReaderAt, size int64, fn func(lineNo, offset int64, line []byte) error) (int64, error) {
	br := bufio.NewReaderSize(io.NewSectionReader(r, 0, size), scanBufferSize)
	var lineNo, offset int64
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			n := int64(len(line))
			if ferr := fn(lineNo, offset, bytes.TrimSuffix(line, []byte{'\n'})); ferr != nil {
				return lineNo, ferr
			}
			lineNo++
			offset += n
		}
		if errors.Is(err, io.EOF) {
			return lineNo, nil
		}
		if err != nil {
			return lineNo, fmt.Errorf("scan lines: %w", err)
		}
	}
}

func (l *recordLog) sync() error {
	if l.f == nil {
		return nil
	}
	return l.f.Sync()
}

// reopen switches to the file now at l.path, e.g. after compaction renamed a
// rewritten log over it.
func (l *recordLog) reopen(lines int64) error {
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	if err := l.open(os.O_RDWR | os.O_APPEND); err != nil {
		return fmt.Errorf("reopen record log: %w", err)
	}
	l.lines = lines
	return nil
}

func (l *recordLog) close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
