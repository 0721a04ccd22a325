package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"optrack/internal/idset"
	"optrack/internal/reconcile"
	"optrack/internal/record"
)

// ReadObserved parses a listing scan: one identifier per line, either bare
// or as a JSON object with "id" and an optional "title". Blank lines and
// lines starting with '#' are ignored. Objects without a usable id are
// skipped and counted.
func ReadObserved(r io.Reader) (reconcile.Observation, int, error) {
	obs := reconcile.Observation{IDs: idset.Of(), Titles: make(map[string]string)}
	skipped := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if line[0] != '{' {
			obs.IDs.Add(string(line))
			continue
		}
		rec, err := record.Decode(line)
		if err != nil {
			skipped++
			continue
		}
		id, ok := rec.ID("id")
		if !ok {
			skipped++
			continue
		}
		obs.IDs.Add(id)
		if title, ok := rec["title"].(string); ok && title != "" {
			obs.Titles[id] = title
		}
	}
	if err := sc.Err(); err != nil {
		return obs, skipped, fmt.Errorf("read observed ids: %w", err)
	}
	return obs, skipped, nil
}
