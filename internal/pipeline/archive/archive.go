// Package archive bundles a job's per-operation results into a single zip
// file, stored alongside the individual outputs for clients that prefer one
// download over several.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"

	"github.com/pixtools/pixtools/internal/pipeline/naming"
)

// Entry pairs one operation's result blob key with its downloaded bytes.
type Entry struct {
	Key  string
	Data []byte
}

// Build writes one zip entry per operation in ops that has a corresponding
// results entry, named the same way the individual result's download
// filename is, and returns the archive bytes. ops is walked in its given
// order so the archive's entry order is deterministic across rebuilds of the
// same job.
func Build(originalFilename string, ops []string, results map[string]Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, op := range ops {
		entry, ok := results[op]
		if !ok {
			continue
		}
		w, err := zw.Create(naming.DownloadName(originalFilename, op, entry.Key))
		if err != nil {
			return nil, fmt.Errorf("archive: create entry %q: %w", op, err)
		}
		if _, err := w.Write(entry.Data); err != nil {
			return nil, fmt.Errorf("archive: write entry %q: %w", op, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Key returns the deterministic blob store key for jobID's archive. Writing
// to the same key on every rebuild makes archive regeneration idempotent.
func Key(jobID string) string {
	return fmt.Sprintf("archives/%s/bundle.zip", jobID)
}
