// Package kmodel implements the kmodel binary model container: the
// fixed little-endian on-disk format consumed by the KPU inference
// engine. It parses the header, the output descriptor table, the layer
// header array and the per-layer body stream, and owns the scratch
// ("main memory") buffer for the lifetime of a loaded model.
//
// The compiler that emits kmodel files is external to this package;
// Load validates only the header fields the engine depends on.
package kmodel

import (
	"errors"
	"fmt"
)

var (
	// ErrBadArtifact is returned when the header's version/arch tags
	// don't match what this engine supports, or when the layer stream
	// contains a type tag outside the closed KL_* set.
	ErrBadArtifact = errors.New("kmodel: bad artifact")

	// ErrOutOfRange is returned by Container.Output for an index that
	// is not smaller than the output count.
	ErrOutOfRange = errors.New("kmodel: output index out of range")

	// ErrTruncated is returned by Load and Open when the buffer is too
	// short to contain the header or the section tables. It wraps
	// ErrBadArtifact, so errors.Is matches either sentinel. A truncated
	// layer body is reported by internal/engine as ErrBadArtifact alone.
	ErrTruncated = fmt.Errorf("%w: truncated buffer", ErrBadArtifact)
)
