package delta

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shardstore/snapshot/pagestore"
	"github.com/shardstore/snapshot/partid"
)

func newTestWriter(t *testing.T, store pagestore.Store, partID int32, cpDone, interrupt func() bool) *Writer {
	t.Helper()
	dir := t.TempDir()
	w, err := New(store, partID, filepath.Join(dir, "part.delta"), store.PageSize(), cpDone, interrupt, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Attach()
	t.Cleanup(func() { w.Close() })
	return w
}

func TestDeltaWriterAtMostOncePerIndex(t *testing.T) {
	const partID = int32(10)
	store := pagestore.NewMemStore(partID, pagestore.DefaultPageSize, 0)
	defer store.Close()

	var cpDone bool
	w := newTestWriter(t, store, partID, func() bool { return cpDone }, func() bool { return false })
	w.Init(16)

	page := func(b byte) []byte {
		buf := make([]byte, store.PageSize())
		for i := range buf {
			buf[i] = b
		}
		return buf
	}

	cpDone = true
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pid := partid.PageID(partID, 3)
			store.WritePage(pid, page(byte(i)))
		}(i)
	}
	wg.Wait()

	w.MarkPartitionCopied()
	w.Close()

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open delta: %v", err)
	}
	defer f.Close()
	r, err := NewReader(f)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	frames, corrupt, err := r.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if corrupt != 0 {
		t.Fatalf("unexpected corrupt frames: %d", corrupt)
	}
	if len(frames) != 1 {
		t.Fatalf("expected exactly one captured frame for index 3, got %d", len(frames))
	}
	if partid.PageIndex(frames[0].PageID) != 3 {
		t.Fatalf("captured wrong page index: %d", partid.PageIndex(frames[0].PageID))
	}
}

func TestDeltaWriterPreBarrierCapturesEveryWrite(t *testing.T) {
	const partID = int32(7)
	store := pagestore.NewMemStore(partID, pagestore.DefaultPageSize, 0)
	defer store.Close()

	w := newTestWriter(t, store, partID, func() bool { return false }, func() bool { return false })
	w.Init(4)

	buf := make([]byte, store.PageSize())
	for i := 0; i < 3; i++ {
		pid := partid.PageID(partID, 0)
		store.WritePage(pid, buf)
	}
	w.Close()

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	r, _ := NewReader(f)
	frames, _, err := r.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected every pre-barrier write captured, got %d frames", len(frames))
	}
}

func TestDeltaWriterIgnoresOutOfRangeIndex(t *testing.T) {
	const partID = int32(1)
	store := pagestore.NewMemStore(partID, pagestore.DefaultPageSize, 0)
	defer store.Close()

	w := newTestWriter(t, store, partID, func() bool { return true }, func() bool { return false })
	w.Init(2) // only indices 0,1 are in range

	buf := make([]byte, store.PageSize())
	store.WritePage(partid.PageID(partID, 5), buf) // out of range: ignored
	w.Close()

	f, _ := os.Open(w.Path())
	defer f.Close()
	r, _ := NewReader(f)
	frames, _, _ := r.All()
	if len(frames) != 0 {
		t.Fatalf("expected out-of-range write to be ignored, got %d frames", len(frames))
	}
}

func TestDeltaWriterStopsAfterPartitionCopied(t *testing.T) {
	const partID = int32(2)
	store := pagestore.NewMemStore(partID, pagestore.DefaultPageSize, 0)
	defer store.Close()

	w := newTestWriter(t, store, partID, func() bool { return true }, func() bool { return false })
	w.Init(4)
	w.MarkPartitionCopied()

	buf := make([]byte, store.PageSize())
	store.WritePage(partid.PageID(partID, 0), buf)
	w.Close()

	f, _ := os.Open(w.Path())
	defer f.Close()
	r, _ := NewReader(f)
	frames, _, _ := r.All()
	if len(frames) != 0 {
		t.Fatalf("expected no captures once partition is copied and checkpoint is done, got %d", len(frames))
	}
}

func TestReaderDetectsCorruptFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d.delta")
	store := pagestore.NewMemStore(5, pagestore.DefaultPageSize, 0)
	defer store.Close()
	w, err := New(store, 5, path, store.PageSize(), func() bool { return false }, func() bool { return false }, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.appendFrame(partid.PageID(5, 0), make([]byte, store.PageSize())); err != nil {
		t.Fatalf("appendFrame: %v", err)
	}
	w.Close()

	// Corrupt one byte of the payload in place.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, fileHeaderSize+frameHeaderSize); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rf.Close()
	r, err := NewReader(rf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	_, err = r.Next()
	if err != ErrCorruptFrame {
		t.Fatalf("expected ErrCorruptFrame, got %v", err)
	}
	_, err = r.Next()
	if err != io.EOF {
		t.Fatalf("expected io.EOF after the single frame, got %v", err)
	}
}
