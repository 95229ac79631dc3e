package cubby

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultCapacity is the branching factor used when Options.Capacity is
// left at its zero value. spec.md flags this as a policy choice that
// "could reasonably be made configurable" -- it now is.
const DefaultCapacity = 32

// DefaultNodePoolSize mirrors the teacher's MariOpts.NodePoolSize default
// of pre-allocating a modest pool instead of letting every record read
// churn the garbage collector.
const DefaultNodePoolSize = 1024

// AutoCompactConfig controls the automatic-compaction trigger of §4.6:
// a compaction is requested after a commit when Dirt >= MinWrites AND
// the dirt factor (dirt / (size + dirt)) >= MinDirtFactor.
type AutoCompactConfig struct {
	Enabled       bool
	MinWrites     uint64
	MinDirtFactor float64
}

// DefaultAutoCompact matches the defaults named in §4.6.
func DefaultAutoCompact() AutoCompactConfig {
	return AutoCompactConfig{Enabled: true, MinWrites: 100, MinDirtFactor: 0.25}
}

// Options configures Engine.Open. The flat-struct, zero-value-is-a-default
// shape follows the teacher's MariOpts.
type Options struct {
	// DataDir is the directory holding <hex>.cub / <hex>.compact files.
	// Required.
	DataDir string

	// Capacity is the B-tree branching factor. Zero means DefaultCapacity.
	Capacity int

	// NodePoolSize sizes the internal read-buffer pool. Zero means
	// DefaultNodePoolSize.
	NodePoolSize int

	// AutoCompact configures the automatic compaction trigger. The zero
	// value (AutoCompactConfig{}) disables auto-compaction; use
	// DefaultAutoCompact() to opt into the spec's defaults.
	AutoCompact AutoCompactConfig

	// AutoFileSync, when true, datasyncs after every commit before
	// acknowledging it.
	AutoFileSync bool

	// SnapshotTTLGrace is not read by the engine. Each read through a
	// Snapshot resets its expiry to the snapshot's own ttl, and no separate
	// grace period bounds that.
	SnapshotTTLGrace int64

	// Logger receives operational diagnostics: compaction failures, a
	// compaction swap that proceeds while a snapshot still pins the old
	// file, and cleanup failures. The zero value is zerolog.Nop(), so
	// embedding stays silent unless the host opts in.
	Logger zerolog.Logger

	// Registerer, when non-nil, registers the engine's prometheus metrics
	// (writer queue depth, compaction count, dirt factor, commit latency).
	// Left nil, no metrics are registered -- embedding stays dependency-silent.
	Registerer prometheus.Registerer
}

func (o Options) capacity() int {
	if o.Capacity <= 0 {
		return DefaultCapacity
	}
	return o.Capacity
}

func (o Options) nodePoolSize() int {
	if o.NodePoolSize <= 0 {
		return DefaultNodePoolSize
	}
	return o.NodePoolSize
}
