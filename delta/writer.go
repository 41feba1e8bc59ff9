// Package delta implements the copy-on-write capture of pages modified
// during a snapshot's checkpoint window (§4.2), and the reader that replays
// a captured delta file on the receiving side (§4.7).
package delta

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shardstore/snapshot/pagestore"
	"github.com/shardstore/snapshot/partid"
)

var deltaMagic = [4]byte{'S', 'N', 'P', 'D'}

const (
	fileHeaderSize  = 8 // magic + version
	frameHeaderSize = 8 + 4 // pageID + length
	frameCRCSize    = 4
	deltaVersion    = 1
)

// Writer captures, for one partition, every page write that lands after the
// checkpoint barrier but before the partition's tail has been fully copied
// to the sink (§4.2). It is registered as a pagestore.WriteListener.
type Writer struct {
	store  pagestore.Store
	partID int32
	file   *os.File
	log    zerolog.Logger

	pageSize int
	bits     *atomicBitSet

	inited     atomic.Bool
	partCopied atomic.Bool

	cpDone     func() bool
	interrupt  func() bool

	mu         sync.RWMutex // serializes init/markPartitionCopied/close vs onPageWrite
	appendMu   sync.Mutex   // serializes file appends across concurrent writers
	writeOff   int64
	closed     bool
	token      pagestore.ListenerToken
	attached   bool

	bufPool sync.Pool // reusable page-sized scratch buffers (approximates a thread-local)
}

// New creates a delta writer for partID, appending frames to deltaPath.
// cpDone reports whether the checkpoint this snapshot is keyed to has
// reached FINISHED; interrupt reports whether the containing snapshot has
// been cancelled. Neither is consulted until init() sizes the bit set.
func New(store pagestore.Store, partID int32, deltaPath string, pageSize int, cpDone, interrupt func() bool, log zerolog.Logger) (*Writer, error) {
	f, err := os.OpenFile(deltaPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("delta: create %q: %w", deltaPath, err)
	}
	var hdr [fileHeaderSize]byte
	copy(hdr[:4], deltaMagic[:])
	binary.BigEndian.PutUint32(hdr[4:8], deltaVersion)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("delta: write header: %w", err)
	}
	w := &Writer{
		store:     store,
		partID:    partID,
		file:      f,
		log:       log.With().Str("component", "delta").Int32("part", partID).Logger(),
		pageSize:  pageSize,
		cpDone:    cpDone,
		interrupt: interrupt,
		writeOff:  fileHeaderSize,
	}
	w.bufPool.New = func() any { return make([]byte, pageSize) }
	return w, nil
}

// Init sizes the bit set to allocatedPageCount bits and marks the writer
// ready to accept captures. Must be called exactly once, under the
// checkpoint write-lock (§4.2 "init(allocatedPageCount)").
func (w *Writer) Init(allocatedPageCount uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bits = newAtomicBitSet(allocatedPageCount)
	w.inited.Store(true)
}

// stopped reports whether this writer should no longer capture pages:
// either the checkpoint has finished and the tail copy is done, or the
// containing snapshot was interrupted (§4.2 "Policy").
func (w *Writer) stopped() bool {
	if w.interrupt != nil && w.interrupt() {
		return true
	}
	return w.cpDone() && w.partCopied.Load()
}

// OnPageWrite is the pagestore.WriteListener bound to this writer. buf is a
// private copy with position 0 / limit pageSize, owned by the caller (the
// store) until this call returns.
func (w *Writer) OnPageWrite(pageID uint64, buf []byte) {
	if partid.PartitionOf(pageID) != w.partID {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.inited.Load() || w.closed {
		return
	}
	if w.stopped() {
		return
	}

	if !w.cpDone() {
		if err := w.appendFrame(pageID, buf); err != nil {
			w.log.Error().Err(err).Uint64("page", pageID).Msg("delta: append pre-barrier capture failed")
		}
		return
	}

	idx := partid.PageIndex(pageID)
	if !w.bits.inRange(idx) {
		// Postdates the checkpoint's allocation snapshot; belongs to the
		// next checkpoint, not this delta (§9).
		return
	}
	if w.bits.testAndSet(idx) {
		return
	}

	// Read the page as it currently stands on disk rather than trust buf:
	// buf may already be stale if a later write landed between the event
	// firing and this callback running under the read-lock. Reading from
	// the store guarantees we capture the most recent durable write for
	// this index exactly once (§9 open question, resolved).
	current := w.bufPool.Get().([]byte)
	defer w.bufPool.Put(current)
	if err := w.store.ReadPage(pageID, current); err != nil {
		w.log.Error().Err(err).Uint64("page", pageID).Msg("delta: re-read for capture failed")
		return
	}
	if err := w.appendFrame(pageID, current); err != nil {
		w.log.Error().Err(err).Uint64("page", pageID).Msg("delta: append post-barrier capture failed")
	}
}

func (w *Writer) appendFrame(pageID uint64, payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload)+frameCRCSize)
	binary.BigEndian.PutUint64(frame[0:8], pageID)
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.BigEndian.PutUint32(frame[frameHeaderSize+len(payload):], crc)

	w.appendMu.Lock()
	defer w.appendMu.Unlock()
	n, err := w.file.WriteAt(frame, w.writeOff)
	if err != nil {
		return fmt.Errorf("delta: write frame: %w", err)
	}
	w.writeOff += int64(n)
	return nil
}

// MarkPartitionCopied flips partCopied, called once the sink has finished
// reading the partition's tail (§4.2).
func (w *Writer) MarkPartitionCopied() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partCopied.Store(true)
}

// Close detaches this writer from the store and closes its file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.attached {
		w.store.RemoveWriteListener(w.token)
		w.attached = false
	}
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.file.Close()
}

// Path exposes the delta file's name so the caller (the snapshot task) can
// delete it once it has been sent, per §3's lifecycle note.
func (w *Writer) Path() string {
	return w.file.Name()
}

// Attach registers this writer as a write listener on its store. Separate
// from New so construction (which can fail) and registration (which
// cannot) stay distinct, mirroring the pager's "wal, err := OpenWAL"
// followed by later wiring.
func (w *Writer) Attach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.token = w.store.AddWriteListener(w.OnPageWrite)
	w.attached = true
}
