package restore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shardstore/snapshot/delta"
	"github.com/shardstore/snapshot/pagestore"
	"github.com/shardstore/snapshot/partid"
	"github.com/shardstore/snapshot/snaperr"
)

// SnapshotRestoreFuture resolves once RestoreSnapshot has walked every
// partition under a local snapshot directory and either restored all of
// them or hit the first failure.
type SnapshotRestoreFuture struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newSnapshotRestoreFuture() *SnapshotRestoreFuture {
	return &SnapshotRestoreFuture{done: make(chan struct{})}
}

func (f *SnapshotRestoreFuture) complete(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// Done returns a channel closed once the restore has finished.
func (f *SnapshotRestoreFuture) Done() <-chan struct{} { return f.done }

// Err returns the restore's outcome; valid only after Done is closed.
func (f *SnapshotRestoreFuture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// StoreResolver opens (or creates) the destination Store a restored
// partition's pages land in. Called once per partition found under the
// snapshot directory.
type StoreResolver func(id partid.ID) (pagestore.Store, error)

// CacheGroupResolver maps a cache-group directory name — the same name a
// snapshot.Task's cacheDirOf callback produced when the snapshot was taken —
// back to the numeric cache-group id. A directory RestoreSnapshot can't
// resolve is skipped.
type CacheGroupResolver func(cacheGroupDir string) (groupID int32, ok bool)

// RestoreSnapshot is the restoreSnapshot(name) → Future<void> entry point
// §6 exposes to higher layers: restoring directly from a local snapshot
// directory laid out the way LocalSender wrote it
// (root/name/nodeFolder/cacheGroupDir/part-<id>.bin[.delta]), as opposed to
// OnPartitionReceived's peer-streaming ingest path. For each partition file
// found, it copies the tail into the destination store page by page, then
// replays the paired delta file's frames onto it, giving the same
// reconstruction result (§8 invariant 1) a network-delivered snapshot would.
func RestoreSnapshot(root, name, nodeFolder string, groups CacheGroupResolver, storeOf StoreResolver, log zerolog.Logger) *SnapshotRestoreFuture {
	fut := newSnapshotRestoreFuture()
	log = log.With().Str("component", "restore").Str("snapshot", name).Logger()
	go func() {
		fut.complete(restoreSnapshotDir(filepath.Join(root, name, nodeFolder), groups, storeOf, log))
	}()
	return fut
}

func restoreSnapshotDir(dir string, groups CacheGroupResolver, storeOf StoreResolver, log zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return snaperr.IO("restore: read snapshot directory", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cacheGroupDir := entry.Name()
		groupID, ok := groups(cacheGroupDir)
		if !ok {
			log.Warn().Str("dir", cacheGroupDir).Msg("restore: unresolved cache-group directory, skipping")
			continue
		}
		if err := restoreCacheGroupDir(filepath.Join(dir, cacheGroupDir), groupID, storeOf, log); err != nil {
			return err
		}
	}
	return nil
}

func restoreCacheGroupDir(dir string, groupID int32, storeOf StoreResolver, log zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return snaperr.IO("restore: read cache-group directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "part-") || !strings.HasSuffix(entry.Name(), ".bin") {
			continue
		}
		var partID int32
		if _, err := fmt.Sscanf(entry.Name(), "part-%d.bin", &partID); err != nil {
			log.Warn().Str("file", entry.Name()).Msg("restore: unparsable partition filename, skipping")
			continue
		}
		id := partid.ID{GroupID: groupID, PartID: partID}
		store, err := storeOf(id)
		if err != nil {
			return snaperr.IO(fmt.Sprintf("restore: resolve store for %s", id), err)
		}
		partFile := filepath.Join(dir, entry.Name())
		deltaFile := partFile + ".delta"
		if err := restorePartition(store, partID, partFile, deltaFile, log); err != nil {
			return err
		}
	}
	return nil
}

// restorePartition copies partFile's page-aligned tail into store, then
// replays deltaFile's CoW frames on top of it (§8 invariant 1: replaying the
// delta onto the part file reproduces the live store's image at mark-end).
func restorePartition(store pagestore.Store, partID int32, partFile, deltaFile string, log zerolog.Logger) error {
	f, err := os.Open(partFile)
	if err != nil {
		return snaperr.IO("restore: open partition file", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return snaperr.IO("restore: stat partition file", err)
	}

	pageSize := int64(store.PageSize())
	pages := info.Size() / pageSize
	buf := make([]byte, pageSize)
	for i := int64(0); i < pages; i++ {
		if _, err := f.ReadAt(buf, i*pageSize); err != nil {
			return snaperr.IO(fmt.Sprintf("restore: read page %d of partition tail", i), err)
		}
		pageID := partid.PageID(partID, uint32(i))
		if err := store.WritePage(pageID, buf); err != nil {
			return snaperr.IO(fmt.Sprintf("restore: write page %d", i), err)
		}
	}

	df, err := os.Open(deltaFile)
	if err != nil {
		if os.IsNotExist(err) {
			// No delta file next to the partition file: there are no
			// captured pages to replay, so the copied tail is the result.
			return nil
		}
		return snaperr.IO("restore: open delta file", err)
	}
	defer df.Close()

	r, err := delta.NewReader(df)
	if err != nil {
		return snaperr.Integrity("restore: read delta header", err)
	}
	for {
		frame, ferr := r.Next()
		if errors.Is(ferr, io.EOF) {
			return nil
		}
		if errors.Is(ferr, delta.ErrCorruptFrame) {
			log.Warn().Msg("restore: dropped corrupt delta frame")
			continue
		}
		if ferr != nil {
			return snaperr.IO("restore: read delta frame", ferr)
		}
		if err := store.WritePage(frame.PageID, frame.Payload); err != nil {
			return snaperr.IO(fmt.Sprintf("restore: replay delta page %d", partid.PageIndex(frame.PageID)), err)
		}
	}
}
