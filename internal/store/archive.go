package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"optrack/internal/atomicfile"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
)

// archiveFrameSize is the uncompressed size of each independently
// compressed frame. Frames give archives random access at this granularity.
const archiveFrameSize = 256 << 10

// archiveTimeLayout stamps archive file names. It sorts lexically.
const archiveTimeLayout = "20060102T150405Z"

// writeArchive compresses the file at src into dst as seekable zstd,
// atomically. dst is a valid plain zstd stream as well.
func writeArchive(src, dst string, mode os.FileMode) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()

	return atomicfile.WriteFrom(dst, mode, func(w io.Writer) error {
		sw, err := seekable.NewWriter(w, enc)
		if err != nil {
			return err
		}
		buf := make([]byte, archiveFrameSize)
		for {
			n, err := io.ReadFull(in, buf)
			if n > 0 {
				if _, werr := sw.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				return err
			}
		}
		return sw.Close()
	})
}

// Archive is a compaction archive opened for reading.
type Archive struct {
	f    *os.File
	dec  *zstd.Decoder
	r    seekable.Reader
	size int64
}

// OpenArchive opens an archive written by Compact.
func OpenArchive(path string) (*Archive, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	r, err := seekable.NewReader(f, dec)
	if err != nil {
		dec.Close()
		_ = f.Close()
		return nil, fmt.Errorf("open archive %s: %w", filepath.Base(path), err)
	}
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		_ = r.Close()
		dec.Close()
		_ = f.Close()
		return nil, fmt.Errorf("size archive %s: %w", filepath.Base(path), err)
	}
	return &Archive{f: f, dec: dec, r: r, size: size}, nil
}

// Size is the uncompressed size of the archived log.
func (a *Archive) Size() int64 { return a.size }

// Scan calls fn for every archived log line.
func (a *Archive) Scan(fn func(lineNo, offset int64, line []byte) error) (int64, error) {
	return scanLines(a.r, a.size, fn)
}

func (a *Archive) Close() error {
	err := a.r.Close()
	a.dec.Close()
	return errors.Join(err, a.f.Close())
}

// ListArchives returns the compaction archives of source in dir, oldest first.
func ListArchives(dir, source string) ([]string, error) {
	prefix := strings.TrimSuffix(filepath.Base(FilesFor(dir, source).Data), ".jsonl") + "."
	matches, err := doublestar.Glob(os.DirFS(dir), "*"+archiveFileSuffix)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var out []string
	for _, m := range matches {
		stamp, ok := strings.CutPrefix(strings.TrimSuffix(m, archiveFileSuffix), prefix)
		if !ok || stamp == "" || strings.Contains(stamp, ".") {
			continue
		}
		out = append(out, filepath.Join(dir, m))
	}
	slices.Sort(out)
	return out, nil
}
