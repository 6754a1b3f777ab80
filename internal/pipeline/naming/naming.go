// Package naming computes the download filename pixtools attaches to every
// presigned result URL, shared between the finalize callback (which sets it
// once, at write time) and the job read path (which regenerates the same
// name on every GET so a client always sees a consistent filename regardless
// of when it fetched the presigned URL).
package naming

import (
	"path/filepath"
	"strings"

	"github.com/pixtools/pixtools/pkg/textx"
)

// DownloadName builds the attachment filename for a single operation's
// result, given the job's original filename and the blob key its output was
// written under: pixtools_{op}_{orig_base}.{ext}. The extension comes from
// the result key's own leaf ({op}_{hex}.{ext}), per the finalizer's key
// parsing step, rather than being guessed from the operation name — this is
// the only way to get denoise right, since it always re-encodes as PNG
// regardless of the source format.
func DownloadName(originalFilename, op, key string) string {
	base := strings.TrimSuffix(filepath.Base(originalFilename), filepath.Ext(originalFilename))
	// original_filename is client-supplied and flows straight into a
	// Content-Disposition header and a zip member name; strip control
	// characters so neither can be used to inject header fields or path
	// tricks into a downstream HTTP client or archive tool.
	base = textx.SanitizeText(base)
	if base == "" {
		base = "image"
	}
	ext := extFromKey(key)
	if ext == "" {
		ext = strings.TrimPrefix(strings.ToLower(filepath.Ext(originalFilename)), ".")
	}
	if ext == "" {
		ext = "bin"
	}
	return "pixtools_" + op + "_" + base + "." + ext
}

// extFromKey parses the "{op}_{hex}.{ext}" leaf a codec functor names its
// output blob with and returns ext, or "" if key doesn't carry one.
func extFromKey(key string) string {
	leaf := filepath.Base(key)
	ext := strings.TrimPrefix(filepath.Ext(leaf), ".")
	return strings.ToLower(ext)
}

// ArchiveName builds the attachment filename for a job's bundled zip archive.
func ArchiveName(jobID string) string {
	return "pixtools_" + jobID + ".zip"
}
