package store

import (
	"errors"
	"fmt"
	"io/fs"

	"optrack/internal/idset"
)

// StoredIDs returns the identifiers stored for source without opening the
// store or taking its lock. The index is preferred; a source that only has
// a legacy snapshot reports its keys. A source with neither is empty.
//
// The result reflects the last persisted index, which can lag the log after
// a crash until the store is next opened.
func StoredIDs(dir, source string) (idset.Set, error) {
	files := FilesFor(dir, source)

	idx, err := ReadIndex(files.Index)
	if err == nil {
		ids := make(idset.Set, len(idx.Index))
		for id := range idx.Index {
			ids.Add(id)
		}
		return ids, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read index: %w", err)
	}

	doc, err := LoadLegacy(files.Legacy)
	if err == nil {
		ids := make(idset.Set, len(doc.Grants))
		for id := range doc.Grants {
			ids.Add(id)
		}
		return ids, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read legacy snapshot: %w", err)
	}
	return idset.Of(), nil
}
