// Package restore implements the partition restorer (C7): it moves a
// received partition file into place and schedules its activation onto the
// checkpoint thread so the activation sees a consistent view free from
// concurrent page writes (§4.7).
package restore

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shardstore/snapshot/checkpoint"
	"github.com/shardstore/snapshot/partid"
	"github.com/shardstore/snapshot/snaperr"
)

// UpdateCounter is the minimal counter surface a partition exposes; the
// restorer reads it twice (once as readCntr, once as snapshotCntr) and
// never mutates it directly.
type UpdateCounter interface {
	HighestApplied() uint64
}

// staticCounter is the simplest UpdateCounter, used by callers (and tests)
// that only need to hand the restorer a snapshot value.
type staticCounter uint64

func (c staticCounter) HighestApplied() uint64 { return uint64(c) }

// StaticCounter wraps a plain uint64 as an UpdateCounter.
func StaticCounter(v uint64) UpdateCounter { return staticCounter(v) }

// PathResolver resolves the destination path a received partition file
// should be moved into, via the page-store manager.
type PathResolver func(id partid.ID) (string, error)

// Activator performs the partition-activation side effects C7 schedules
// under the checkpoint thread: read-only/live counters, switching to
// write-accepting mode, and clearing on-heap entry maps. A real
// single-node embedding supplies its own; tests use a recording stub.
type Activator interface {
	// ReadOnlyCounter returns the partition's current read-only update
	// counter (saved as readCntr).
	ReadOnlyCounter(id partid.ID) UpdateCounter
	// LiveCounter returns the partition's current live update counter
	// (saved as snapshotCntr).
	LiveCounter(id partid.ID) UpdateCounter
	// SwitchToWriteAccepting flips the partition to write-accepting mode
	// and clears its on-heap entry maps.
	SwitchToWriteAccepting(id partid.ID) error
}

// Future represents one in-flight restore for a (groupId, partitionId): the
// object onPartitionReceived consults to decide whether a received file is
// stale.
type Future struct {
	id             partid.ID
	topologyVer    int64
	cancelled      atomic.Bool
	done           atomic.Bool
}

// NewFuture builds a Future pinned to the topology version active when the
// restore was requested.
func NewFuture(id partid.ID, topologyVer int64) *Future {
	return &Future{id: id, topologyVer: topologyVer}
}

// Cancel marks this restore cancelled.
func (f *Future) Cancel() { f.cancelled.Store(true) }

// MarkDone marks this restore as having already completed.
func (f *Future) MarkDone() { f.done.Store(true) }

// Stale reports whether the future is cancelled, already done, or the
// topology has since changed (§4.7 step 1).
func (f *Future) Stale(currentTopologyVer int64) bool {
	return f.cancelled.Load() || f.done.Load() || currentTopologyVer != f.topologyVer
}

// HandoffFunc delivers the hwm update counter to the rebalance driver so it
// can build historical-rebalance demands for any update tail not covered by
// the file snapshot (§4.7 step 5).
type HandoffFunc func(id partid.ID, hwm uint64)

// GroupDestroyed reports whether id's cache group has been destroyed; if so
// the scheduled activation is skipped (§4.7 edge cases).
type GroupDestroyed func(id partid.ID) bool

// Restorer drives C7 against one Coordinator, scheduling partition
// activations onto its checkpoint task queue.
type Restorer struct {
	cp          *checkpoint.Coordinator
	resolve     PathResolver
	activator   Activator
	handoff     HandoffFunc
	destroyed   GroupDestroyed
	topologyVer func() int64
	log         zerolog.Logger

	mu       sync.Mutex
	futures  map[partid.ID]*Future
}

// NewRestorer builds a Restorer. topologyVer reports the cluster's current
// topology version, used to detect staleness.
func NewRestorer(cp *checkpoint.Coordinator, resolve PathResolver, activator Activator, handoff HandoffFunc, destroyed GroupDestroyed, topologyVer func() int64, log zerolog.Logger) *Restorer {
	return &Restorer{
		cp:          cp,
		resolve:     resolve,
		activator:   activator,
		handoff:     handoff,
		destroyed:   destroyed,
		topologyVer: topologyVer,
		log:         log.With().Str("component", "restore").Logger(),
		futures:     make(map[partid.ID]*Future),
	}
}

// TrackFuture registers the Future for id so OnPartitionReceived can check
// staleness against it. Call once per restore request.
func (r *Restorer) TrackFuture(id partid.ID, fut *Future) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.futures[id] = fut
}

func (r *Restorer) futureFor(id partid.ID) *Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.futures[id]
}

// OnPartitionReceived is invoked on the transport thread once a partition
// file has landed at a temp path (§4.7).
func (r *Restorer) OnPartitionReceived(nodeID, file string, groupID, partID int32) {
	id := partid.ID{GroupID: groupID, PartID: partID}

	fut := r.futureFor(id)
	if fut == nil || fut.Stale(r.topologyVer()) {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			r.log.Warn().Err(err).Str("file", file).Msg("restore: failed to delete stale received file")
		}
		return
	}

	dest, err := r.resolve(id)
	if err != nil {
		r.log.Error().Err(err).Str("partition", id.String()).Msg("restore: resolve destination failed")
		return
	}
	if _, err := os.Stat(dest); err == nil {
		r.log.Error().Str("partition", id.String()).Str("dest", dest).Msg("restore: destination partition file already exists")
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		r.log.Error().Err(err).Msg("restore: create destination dir failed")
		return
	}
	if err := atomicMove(file, dest); err != nil {
		r.log.Error().Err(err).Msg("restore: move received file into place failed")
		return
	}

	scheduledTopologyVer := r.topologyVer()
	ok := r.cp.ScheduleTask(func(ctx *checkpoint.Context) {
		r.activate(id, fut, scheduledTopologyVer)
	})
	if !ok {
		r.log.Error().Str("partition", id.String()).Msg("restore: checkpoint task queue full, dropping activation")
		return
	}
	r.cp.WakeupForCheckpoint("restore:" + id.String())
}

func (r *Restorer) activate(id partid.ID, fut *Future, scheduledTopologyVer int64) {
	if r.destroyed(id) {
		// Group destroyed between receipt and activation: skip (§4.7 edge
		// case).
		return
	}
	if fut.Stale(r.topologyVer()) || scheduledTopologyVer != r.topologyVer() {
		return
	}

	readCntr := r.activator.ReadOnlyCounter(id)
	snapshotCntr := r.activator.LiveCounter(id)

	if err := r.activator.SwitchToWriteAccepting(id); err != nil {
		r.log.Error().Err(err).Str("partition", id.String()).Msg("restore: switch to write-accepting mode failed")
		return
	}

	hwm := readCntr.HighestApplied()
	if snapshotCntr.HighestApplied() > hwm {
		hwm = snapshotCntr.HighestApplied()
	}
	fut.MarkDone()
	r.handoff(id, hwm)
}

// atomicMove renames src to dst, falling back to a copy-then-remove if the
// rename fails across filesystems (e.g. the receiver's temp dir and the
// page store live on different mounts).
func atomicMove(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return snaperr.IO("restore: open source for copy-fallback move", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return snaperr.IO("restore: create destination for copy-fallback move", err)
	}
	if _, err := copyAll(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return snaperr.IO("restore: copy-fallback move failed", err)
	}
	if err := out.Close(); err != nil {
		return snaperr.IO("restore: close destination after copy-fallback move", err)
	}
	if err := os.Remove(src); err != nil {
		return snaperr.IO("restore: remove source after copy-fallback move", err)
	}
	return nil
}

func copyAll(dst *os.File, src *os.File) (int64, error) {
	return io.Copy(dst, src)
}
