// Package rebalance implements the rebalance driver (C8): it filters and
// orders per-group assignments, demands each (group, node) pair from a
// chained sequence of futures, and hands off the historical tail once file
// rebalance completes (§4.8).
package rebalance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shardstore/snapshot/partid"
)

// GroupMeta answers the per-group policy questions the filter applies
// before a group is admitted to file rebalance.
type GroupMeta struct {
	// Order is the group's rebalanceOrder; survivors are processed in
	// ascending order.
	Order int32
	// FileRebalanceDisabled reflects an explicit policy opt-out.
	FileRebalanceDisabled bool
	// Persistent reports whether the group is backed by durable storage;
	// non-persistent groups never use file rebalance.
	Persistent bool
	// Reserved marks a reserved or utility system group, always excluded.
	Reserved bool
	// MVCC marks a group using multiversion concurrency control.
	MVCC bool
	// Atomic marks a group whose caches are ATOMIC (not TRANSACTIONAL).
	Atomic bool
}

// GroupMetaFunc resolves a group's policy metadata; false means unknown
// group, treated as ineligible.
type GroupMetaFunc func(groupID int32) (GroupMeta, bool)

// PartitionSizeFunc reports a partition's approximate on-disk size in
// bytes, used for the minimum-size eligibility threshold.
type PartitionSizeFunc func(id partid.ID) int64

// Policy configures the size threshold a group needs at least one
// partition above to qualify for file rebalance.
type Policy struct {
	MinPartitionSizeBytes int64
}

// GroupAssignment is one group's slice of the rebalance plan: the set of
// partitions demanded from each supplying node.
type GroupAssignment struct {
	GroupID int32
	Nodes   map[string][]partid.ID
}

func (ga GroupAssignment) sortedNodes() []string {
	nodes := make([]string, 0, len(ga.Nodes))
	for n := range ga.Nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// eligible applies §4.8's filter: file rebalance must be enabled, the
// group persistent, not reserved/utility, not MVCC, not atomic, and carry
// at least one partition at or above the configured size threshold.
func eligible(meta GroupMeta, ga GroupAssignment, sizeOf PartitionSizeFunc, policy Policy) bool {
	if meta.FileRebalanceDisabled || !meta.Persistent || meta.Reserved || meta.MVCC || meta.Atomic {
		return false
	}
	for _, parts := range ga.Nodes {
		for _, id := range parts {
			if sizeOf(id) >= policy.MinPartitionSizeBytes {
				return true
			}
		}
	}
	return false
}

type orderedGroup struct {
	order int32
	ga    GroupAssignment
}

// NodeDemander issues the file-rebalance demand to one peer for one
// group's partition set, blocking until that node's transfer has been
// fully received and restored (wraps C4/C5/C6/C7 over a transport channel
// supplied by the embedder).
type NodeDemander func(ctx context.Context, nodeID string, groupID int32, parts []partid.ID) error

// ClearStaleFunc clears local partitions that are stale with respect to
// the incoming plan, dispatched as a background task before any node is
// demanded (§4.8 "before any requests... background clear stale local
// partitions task").
type ClearStaleFunc func(ctx context.Context, groupID int32) error

// HistoricalHandoffFunc is invoked once per admitted group after its last
// node future completes, delivering the group's assignment so the caller
// can compute and demand the historical update tail not covered by the
// file snapshot.
type HistoricalHandoffFunc func(groupID int32, ga GroupAssignment)

// RebalanceFuture tracks one installFileRebalance chain. Cancelling it (or
// observing a different topology version) stops all unscheduled node
// demands and cancels the context handed to the demand in flight.
type RebalanceFuture struct {
	id              string
	topologyVersion int64

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the rebalanceId this future was started with.
func (f *RebalanceFuture) ID() string { return f.id }

// TopologyVersion returns the topology version the chain was built
// against (supplemental feature grounded on the original's per-future
// topology tagging, §4.8).
func (f *RebalanceFuture) TopologyVersion() int64 { return f.topologyVersion }

// Cancel stops the chain: the context of the node demand currently running
// is cancelled, the chain waits for that demand to return, and no further
// node is demanded.
func (f *RebalanceFuture) Cancel() { f.cancel() }

// Done returns a channel closed once the chain has reached a terminal
// state (all admitted groups handed off, cancelled, or failed).
func (f *RebalanceFuture) Done() <-chan struct{} { return f.done }

// Err returns the chain's outcome; valid only after Done is closed.
func (f *RebalanceFuture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *RebalanceFuture) complete(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// Driver drives C8 against one cluster's node-demand and clear-stale
// collaborators. Only one chain is active at a time; installing a new one
// cancels whatever chain is currently active without waiting for it to
// wind down, mirroring the original's single active rebalance future per
// node.
type Driver struct {
	demand          NodeDemander
	clearStale      ClearStaleFunc
	handoff         HistoricalHandoffFunc
	clearConcurrency int
	log             zerolog.Logger

	mu     sync.Mutex
	active *RebalanceFuture
}

// NewDriver builds a Driver. clearConcurrency bounds how many groups'
// clear-stale tasks run concurrently.
func NewDriver(demand NodeDemander, clearStale ClearStaleFunc, handoff HistoricalHandoffFunc, clearConcurrency int, log zerolog.Logger) *Driver {
	if clearConcurrency <= 0 {
		clearConcurrency = 4
	}
	return &Driver{
		demand:           demand,
		clearStale:       clearStale,
		handoff:          handoff,
		clearConcurrency: clearConcurrency,
		log:              log.With().Str("component", "rebalance").Logger(),
	}
}

// InstallFileRebalance filters and orders assignments, cancels any
// previously active chain, and starts a new chained sequence of node
// futures in the background. It returns immediately with a
// RebalanceFuture tracking the chain (§4.8).
func (d *Driver) InstallFileRebalance(ctx context.Context, assignments []GroupAssignment, topologyVersion int64, meta GroupMetaFunc, sizeOf PartitionSizeFunc, policy Policy) *RebalanceFuture {
	d.mu.Lock()
	if d.active != nil {
		d.active.Cancel()
	}
	chainCtx, cancel := context.WithCancel(ctx)
	fut := &RebalanceFuture{
		id:              uuid.NewString(),
		topologyVersion: topologyVersion,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	d.active = fut
	d.mu.Unlock()

	ordered := d.filterAndOrder(assignments, meta, sizeOf, policy)
	go d.run(chainCtx, fut, ordered)
	return fut
}

func (d *Driver) filterAndOrder(assignments []GroupAssignment, meta GroupMetaFunc, sizeOf PartitionSizeFunc, policy Policy) []orderedGroup {
	var ordered []orderedGroup
	for _, ga := range assignments {
		m, ok := meta(ga.GroupID)
		if !ok {
			continue
		}
		if !eligible(m, ga, sizeOf, policy) {
			continue
		}
		ordered = append(ordered, orderedGroup{order: m.Order, ga: ga})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })
	return ordered
}

func (d *Driver) run(ctx context.Context, fut *RebalanceFuture, ordered []orderedGroup) {
	defer d.clearActive(fut)

	if err := d.dispatchClearStale(ctx, ordered); err != nil {
		fut.complete(fmt.Errorf("rebalance: clear stale local partitions: %w", err))
		return
	}

	for _, og := range ordered {
		if err := ctx.Err(); err != nil {
			fut.complete(fmt.Errorf("rebalance: chain cancelled before group %d: %w", og.ga.GroupID, err))
			return
		}
		if err := d.runGroup(ctx, og.ga); err != nil {
			fut.complete(fmt.Errorf("rebalance: group %d: %w", og.ga.GroupID, err))
			return
		}
		d.handoff(og.ga.GroupID, og.ga)
	}
	fut.complete(nil)
}

func (d *Driver) dispatchClearStale(ctx context.Context, ordered []orderedGroup) error {
	if d.clearStale == nil || len(ordered) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.clearConcurrency)
	for _, og := range ordered {
		groupID := og.ga.GroupID
		g.Go(func() error { return d.clearStale(gctx, groupID) })
	}
	return g.Wait()
}

// runGroup demands each node in deterministic order, chaining so the next
// node's request begins only after the previous one completes.
func (d *Driver) runGroup(ctx context.Context, ga GroupAssignment) error {
	for _, node := range ga.sortedNodes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		parts := ga.Nodes[node]
		if len(parts) == 0 {
			continue
		}
		if err := d.demand(ctx, node, ga.GroupID, parts); err != nil {
			return fmt.Errorf("node %s: %w", node, err)
		}
	}
	return nil
}

func (d *Driver) clearActive(fut *RebalanceFuture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == fut {
		d.active = nil
	}
}

// InvalidateOnTopologyChange cancels the active chain if its topology
// version no longer matches currentVersion (§4.8 "Topology-version change
// invalidates the chain"). A topology watcher calls this on every
// exchange; it is a no-op if no chain is active or the version matches.
func (d *Driver) InvalidateOnTopologyChange(currentVersion int64) {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if active != nil && active.TopologyVersion() != currentVersion {
		active.Cancel()
	}
}
