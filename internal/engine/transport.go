package engine

import (
	"context"
	"io"
)

// ProbeResult describes a remote resource ahead of download.
type ProbeResult struct {
	Size          int64 // -1 when the remote does not report a length
	SupportsRange bool
	ETag          string
	LastModified  string
	Filename      string // server-suggested name, may be empty
}

// Transport is the injected wire capability. The engine never speaks a
// protocol itself; implementations live outside this package and must
// classify failures into the engine error taxonomy.
type Transport interface {
	// Probe learns the size, range support and validators of a resource.
	Probe(ctx context.Context, url string) (ProbeResult, error)

	// Fetch streams bytes [start, end) of a resource; end < 0 means
	// through EOF.
	Fetch(ctx context.Context, url string, start, end int64) (io.ReadCloser, error)
}

// DiskChecker reports available space on the volume containing a path.
// The shell wires one in; a nil checker skips the free-space preflight.
type DiskChecker interface {
	Available(path string) (int64, error)
}
