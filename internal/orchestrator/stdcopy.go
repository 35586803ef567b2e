package orchestrator

import (
	"io"

	"github.com/docker/docker/pkg/stdcopy"
)

// stdcopyInto demuxes the engine's attach stream, which multiplexes stdout
// and stderr behind an 8-byte frame header. Passing the same writer for both
// destinations merges them in engine-delivered order rather than attempting
// to interleave by timestamp (spec.md §4.3 step 5).
func stdcopyInto(stdout, stderr io.Writer, src io.Reader) (int64, error) {
	return stdcopy.StdCopy(stdout, stderr, src)
}
