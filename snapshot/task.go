package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shardstore/snapshot/checkpoint"
	"github.com/shardstore/snapshot/delta"
	"github.com/shardstore/snapshot/pagestore"
	"github.com/shardstore/snapshot/partid"
	"github.com/shardstore/snapshot/snaperr"
)

// State is one of the snapshot task's lifecycle states (§4.3).
type State int32

const (
	StateNew State = iota
	StateStartedWaitingMark
	StateMarked
	StateRunning
	StateDoneOK
	StateDoneErr
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStartedWaitingMark:
		return "STARTED_WAITING_MARK"
	case StateMarked:
		return "MARKED"
	case StateRunning:
		return "RUNNING"
	case StateDoneOK:
		return "DONE_OK"
	case StateDoneErr:
		return "DONE_ERR"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// MetaBlob is a binary-metadata or marshaller-metadata payload the task
// sends alongside partition data (§4.3 step 5).
type MetaBlob struct {
	Kind string // "binary" or "marshaller", used only for logging
	Data []byte
}

// CacheConfig names a cache-group configuration file to ship verbatim.
type CacheConfig struct {
	SrcFile  string
	CacheDir string
}

// Task drives one snapshot end to end against a checkpoint.Subsystem,
// implementing checkpoint.Listener to hook the write-lock-held phases
// exactly as §4.3 describes.
type Task struct {
	name         string
	sourceNodeID string
	partitions   []partid.ID
	stores       map[partid.ID]pagestore.Store
	cacheDirOf   func(partid.ID) string
	tmpDir       string

	cacheConfigs []CacheConfig
	binaryMeta   []MetaBlob
	marshaller   []MetaBlob

	cp     *checkpoint.Coordinator
	sender Sender
	log    zerolog.Logger

	state      atomic.Int32
	cpDone     atomic.Bool
	cancelled  atomic.Bool

	mu           sync.Mutex
	partLengths  map[partid.ID]int64
	deltaWriters map[partid.ID]*delta.Writer
	partCopied   map[partid.ID]bool

	firstErr      snaperr.FirstError
	startOnce     sync.Once
	started       chan struct{}
	doneOnce      sync.Once
	done          chan struct{}
}

// NewTask builds a snapshot task for the given partitions. stores must
// contain an entry for every id in partitions; cacheDirOf maps a partition
// to the cache-group directory name its artifacts live under.
func NewTask(name, sourceNodeID string, partitions []partid.ID, stores map[partid.ID]pagestore.Store, cacheDirOf func(partid.ID) string, tmpDir string, cp *checkpoint.Coordinator, sender Sender, log zerolog.Logger) *Task {
	t := &Task{
		name:         name,
		sourceNodeID: sourceNodeID,
		partitions:   append([]partid.ID(nil), partitions...),
		stores:       stores,
		cacheDirOf:   cacheDirOf,
		tmpDir:       tmpDir,
		cp:           cp,
		sender:       sender,
		log:          log.With().Str("component", "snapshot").Str("snapshot", name).Logger(),
		partCopied:   make(map[partid.ID]bool),
		started:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	return t
}

// AddCacheConfig registers a cache-group configuration file to ship.
func (t *Task) AddCacheConfig(c CacheConfig) { t.cacheConfigs = append(t.cacheConfigs, c) }

// AddBinaryMeta registers a binary-metadata payload to ship.
func (t *Task) AddBinaryMeta(b []byte) {
	t.binaryMeta = append(t.binaryMeta, MetaBlob{Kind: "binary", Data: b})
}

// AddMarshallerMeta registers a marshaller-metadata payload to ship.
func (t *Task) AddMarshallerMeta(b []byte) {
	t.marshaller = append(t.marshaller, MetaBlob{Kind: "marshaller", Data: b})
}

func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) checkpointFinished() bool { return t.cpDone.Load() }
func (t *Task) isCancelled() bool        { return t.cancelled.Load() }

// Started returns a channel closed once startedPromise completes (§4.3
// step 5, "Complete startedPromise").
func (t *Task) Started() <-chan struct{} { return t.started }

// Done returns a channel closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the task's outcome; valid only after Done is closed.
func (t *Task) Result() error { return t.firstErr.First() }

// Start registers the task as a checkpoint listener and requests a
// checkpoint pass (§4.3 step 1). Fails fast if the task was already
// started or is stopping.
func (t *Task) Start() error {
	if !t.state.CompareAndSwap(int32(StateNew), int32(StateStartedWaitingMark)) {
		return snaperr.State("snapshot: task already started or stopping", nil)
	}
	t.cp.AddListener(t)
	t.cp.WakeupForCheckpoint("snapshot:" + t.name)
	return nil
}

// Cancel marks the task cancelled (§4.3 "Cancellation"). A partition
// sub-task that has not yet started its tail copy skips it, and the delta
// writers stop capturing pages. A tail copy or artifact send already in
// progress is not interrupted by this flag.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// BeforeCheckpointBegin requests allocation stats for every partition this
// task covers (§4.3 step 2).
func (t *Task) BeforeCheckpointBegin(ctx *checkpoint.Context) error {
	if t.cancelled.Load() {
		return snaperr.Cancelled("snapshot: task cancelled before mark", nil)
	}
	for _, p := range t.partitions {
		ctx.RequestAllocation(p)
	}
	return nil
}

// OnMarkCheckpointBegin is a no-op with respect to snapshot state: the
// write-lock is held by the checkpoint system while partition counters are
// stable, but this task has nothing to record until mark-end (§4.3 step 3).
func (t *Task) OnMarkCheckpointBegin(ctx *checkpoint.Context) error {
	return nil
}

// ResolveAllocations answers the allocation request this task made from
// BeforeCheckpointBegin: for every partition it still owns a store for, it
// records the store's current page count into ctx. A partition absent from
// t.stores (no longer OWNING) is left unset, which OnMarkCheckpointEnd below
// reads back as failure (§4.3 step 4).
func (t *Task) ResolveAllocations(ctx *checkpoint.Context) {
	for _, p := range t.partitions {
		if store, ok := t.stores[p]; ok {
			ctx.SetAllocatedPageCount(p, store.Pages())
		}
	}
}

// OnMarkCheckpointEnd records each partition's allocated tail length and
// initializes its delta writer while the write-lock is still held (§4.3
// step 4). The allocation range comes back through ctx, recorded moments
// earlier by ResolveAllocations; a partition missing from it failed to
// resolve as OWNING and aborts the whole task.
func (t *Task) OnMarkCheckpointEnd(ctx *checkpoint.Context) (err error) {
	// Runs after t.mu is released below: finish takes t.mu itself.
	defer func() {
		if err != nil {
			t.firstErr.Set(err)
			t.finish()
		}
	}()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partLengths = make(map[partid.ID]int64, len(t.partitions))
	t.deltaWriters = make(map[partid.ID]*delta.Writer, len(t.partitions))

	for _, p := range t.partitions {
		allocated, ok := ctx.AllocatedPageCount(p)
		if !ok {
			return snaperr.State(fmt.Sprintf("snapshot: partition %s not in OWNING state", p), nil)
		}
		store, ok := t.stores[p]
		if !ok {
			return snaperr.State(fmt.Sprintf("snapshot: partition %s not in OWNING state", p), nil)
		}
		t.partLengths[p] = store.Size()

		deltaPath := filepath.Join(t.tmpDir, fmt.Sprintf("part-%d-%d.delta.tmp", p.GroupID, p.PartID))
		pid := p.PartID
		dw, err := delta.New(store, pid, deltaPath, store.PageSize(), t.checkpointFinished, t.isCancelled, t.log)
		if err != nil {
			return snaperr.IO("snapshot: create delta writer", err)
		}
		dw.Attach()
		dw.Init(allocated)
		t.deltaWriters[p] = dw
	}
	return nil
}

// OnCheckpointBegin runs once the write-lock has been released: it
// completes startedPromise and submits every sub-task to the sender's
// executor (§4.3 step 5).
func (t *Task) OnCheckpointBegin(ctx *checkpoint.Context) error {
	t.state.Store(int32(StateMarked))
	t.cpDone.Store(true)
	t.startOnce.Do(func() { close(t.started) })
	t.state.Store(int32(StateRunning))

	if err := t.sender.Init(); err != nil {
		t.firstErr.Set(err)
		t.finish()
		return err
	}

	exec := t.sender.Executor()
	for _, cc := range t.cacheConfigs {
		cc := cc
		exec.Submit(func(ctx context.Context) error {
			return t.sender.SendCacheConfig(cc.SrcFile, cc.CacheDir)
		})
	}
	for _, blob := range t.binaryMeta {
		blob := blob
		exec.Submit(func(ctx context.Context) error { return t.sender.SendBinaryMeta(blob.Data) })
	}
	for _, blob := range t.marshaller {
		blob := blob
		exec.Submit(func(ctx context.Context) error { return t.sender.SendMarshallerMeta(blob.Data) })
	}
	for _, p := range t.partitions {
		p := p
		exec.Submit(func(ctx context.Context) error { return t.runPartition(p) })
	}

	go func() {
		err := exec.Wait()
		if err != nil {
			t.firstErr.Set(err)
		}
		t.finish()
	}()
	return nil
}

// runPartition is the per-partition composition from §4.3 step 5:
// sendPart · markPartitionCopied · (checkpoint already finished by
// construction — onCheckpointBegin only submits sub-tasks after
// cpDone flips) · sendDelta · delete(deltaFile). Tail-copy strictly
// precedes markPartitionCopied, which strictly precedes the delta send.
func (t *Task) runPartition(p partid.ID) (err error) {
	defer func() {
		if err != nil {
			t.firstErr.Set(err)
		}
	}()

	store := t.stores[p]
	t.mu.Lock()
	length := t.partLengths[p]
	dw := t.deltaWriters[p]
	t.mu.Unlock()

	cacheDir := t.cacheDirOf(p)

	if t.cancelled.Load() {
		return snaperr.Cancelled(fmt.Sprintf("snapshot: partition %s cancelled before send", p), nil)
	}
	if serr := t.sender.SendPart(store.ReaderAt(), length, cacheDir, p); serr != nil {
		return serr
	}

	dw.MarkPartitionCopied()
	t.mu.Lock()
	t.partCopied[p] = true
	t.mu.Unlock()

	if cerr := dw.Close(); cerr != nil {
		return snaperr.IO(fmt.Sprintf("snapshot: close delta writer for %s", p), cerr)
	}
	// A cancellation observed past this point does not abort the delta
	// send: markPartitionCopied has already run, so the captured delta is
	// valid and is still worth delivering if the send completes.
	deltaPath := dw.Path()
	if derr := t.sender.SendDelta(deltaPath, cacheDir, p); derr != nil {
		return derr
	}
	if rerr := os.Remove(deltaPath); rerr != nil && !os.IsNotExist(rerr) {
		t.log.Warn().Err(rerr).Str("delta", deltaPath).Msg("snapshot: failed to delete sent delta file")
	}
	return nil
}

// finish closes every delta writer and the sender exactly once, reporting
// the first error and moving the task to its terminal state (§4.3 step 6).
func (t *Task) finish() {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		for _, dw := range t.deltaWriters {
			dw.Close()
		}
		t.mu.Unlock()

		cerr := t.sender.Close(t.firstErr.First())
		if cerr != nil {
			t.firstErr.Set(cerr)
		}

		if t.firstErr.Loaded() {
			if t.cancelled.Load() {
				t.state.Store(int32(StateCancelled))
			} else {
				t.state.Store(int32(StateDoneErr))
			}
			os.RemoveAll(t.tmpDir)
		} else {
			t.state.Store(int32(StateDoneOK))
		}
		close(t.done)
	})
}
