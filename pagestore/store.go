// Package pagestore adapts a fixed-page paged file to the PageStore
// contract the rest of the core consumes (§4.1): read/write pages by id,
// report geometry, and notify write listeners so C2 can capture
// copy-on-write deltas.
package pagestore

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/shardstore/snapshot/partid"
)

// DefaultPageSize is the standard fixed page size: 4 KiB.
const DefaultPageSize = 4096

// WriteListener observes every page write. It runs synchronously on the
// writer's goroutine after the Store has released its data lock, so it may
// read pages back from the Store (as the delta writer does); it should do
// the minimum work needed before returning.
type WriteListener func(pageID uint64, buf []byte)

// Store is the opaque, externally-provided page store this core consumes.
// It addresses Pages() pages of PageSize() bytes each.
type Store interface {
	// ReadPage reads the page into buf, which must be at least PageSize()
	// bytes. Reading an unwritten page yields zero-filled bytes.
	ReadPage(pageID uint64, buf []byte) error
	// WritePage writes buf (exactly PageSize() bytes) to pageID, growing the
	// store to cover pageID if it lies beyond the current allocation, then
	// fires every
	// registered WriteListener with a private copy of buf.
	WritePage(pageID uint64, buf []byte) error
	// PageOffset returns the byte offset of pageID within the store, after
	// HeaderSize().
	PageOffset(pageID uint64) int64
	// Size returns the store's current size in bytes, including its header.
	Size() int64
	// Pages returns the number of pages currently allocated.
	Pages() uint32
	// PageSize returns the fixed page size in bytes.
	PageSize() int
	// HeaderSize returns the number of bytes reserved before page data.
	HeaderSize() int
	// AddWriteListener registers l to be called on every WritePage and
	// returns a token that uniquely identifies this registration.
	AddWriteListener(l WriteListener) ListenerToken
	// RemoveWriteListener unregisters the listener previously returned by
	// AddWriteListener. A func value's identity can't be compared reliably
	// (two distinct bound methods on different receivers may share a code
	// pointer), so registration is tracked by token rather than by value.
	RemoveWriteListener(tok ListenerToken)
	// Close releases the underlying file and lock, if any.
	Close() error
	// ReaderAt exposes the store's backing bytes (disk or memory) for a
	// zero-copy range read of the partition tail, as C4's sendPart does.
	// Offsets are absolute, including HeaderSize().
	ReaderAt() io.ReaderAt
}

// ListenerToken identifies one AddWriteListener registration for later
// removal.
type ListenerToken uint64

// fileStore implements Store over a rawFile (disk-backed or in-memory).
type fileStore struct {
	mu         sync.RWMutex
	partID     int32
	file       rawFile
	lock       *fileLock
	pageSize   int
	headerSize int
	pages      uint32

	listenersMu sync.Mutex
	nextToken   ListenerToken
	listeners   map[ListenerToken]WriteListener
}

// OpenFile opens or creates a disk-backed partition file at path, holding an
// OS-level advisory lock for its lifetime to guarantee single-process
// access.
func OpenFile(path string, partID int32, pageSize, headerSize int) (Store, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	lock, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("pagestore: open %q: %w", path, err)
	}
	fs := &fileStore{
		partID:     partID,
		file:       osFile{f},
		lock:       lock,
		pageSize:   pageSize,
		headerSize: headerSize,
	}
	size, err := fs.file.Size()
	if err != nil {
		f.Close()
		lock.unlock()
		return nil, err
	}
	if size > int64(headerSize) {
		fs.pages = uint32((size - int64(headerSize)) / int64(pageSize))
	}
	return fs, nil
}

// NewMemStore creates a Store backed entirely by memory, for tests and the
// receiver-side temp staging area where durability isn't required until the
// file is later moved into place.
func NewMemStore(partID int32, pageSize, headerSize int) Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &fileStore{
		partID:     partID,
		file:       newMemFile(),
		pageSize:   pageSize,
		headerSize: headerSize,
	}
}

func (s *fileStore) PageOffset(pageID uint64) int64 {
	idx := partid.PageIndex(pageID)
	return int64(s.headerSize) + int64(idx)*int64(s.pageSize)
}

func (s *fileStore) ReadPage(pageID uint64, buf []byte) error {
	if len(buf) < s.pageSize {
		return fmt.Errorf("pagestore: read buffer smaller than page size")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	off := s.PageOffset(pageID)
	n, err := s.file.ReadAt(buf[:s.pageSize], off)
	if err != nil {
		// Reading past EOF (never-written page) yields zero-filled bytes;
		// an unwritten-page read is not an error (§7 IntegrityError only
		// applies to a page observed as corrupt, not merely absent).
		for i := n; i < s.pageSize; i++ {
			buf[i] = 0
		}
		return nil
	}
	return nil
}

func (s *fileStore) WritePage(pageID uint64, buf []byte) error {
	if len(buf) < s.pageSize {
		return fmt.Errorf("pagestore: write buffer smaller than page size")
	}
	s.mu.Lock()
	idx := partid.PageIndex(pageID)
	off := s.PageOffset(pageID)
	if _, err := s.file.WriteAt(buf[:s.pageSize], off); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pagestore: write page %d: %w", pageID, err)
	}
	if idx+1 > s.pages {
		s.pages = idx + 1
	}
	s.mu.Unlock()

	// Listener fan-out happens outside the data lock so a listener that
	// reads the page back under its own lock (as the delta writer's
	// post-barrier path does) cannot deadlock against us, while still
	// observing a private copy with position 0 / limit pageSize (§4.1).
	cp := make([]byte, s.pageSize)
	copy(cp, buf[:s.pageSize])
	s.listenersMu.Lock()
	ls := make([]WriteListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenersMu.Unlock()
	for _, l := range ls {
		l(pageID, cp)
	}
	return nil
}

func (s *fileStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(s.headerSize) + int64(s.pages)*int64(s.pageSize)
}

func (s *fileStore) Pages() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pages
}

func (s *fileStore) PageSize() int    { return s.pageSize }
func (s *fileStore) HeaderSize() int  { return s.headerSize }

func (s *fileStore) AddWriteListener(l WriteListener) ListenerToken {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[ListenerToken]WriteListener)
	}
	s.nextToken++
	tok := s.nextToken
	s.listeners[tok] = l
	return tok
}

func (s *fileStore) RemoveWriteListener(tok ListenerToken) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, tok)
}

func (s *fileStore) ReaderAt() io.ReaderAt { return s.file }

func (s *fileStore) Close() error {
	err := s.file.Close()
	if s.lock != nil {
		if uerr := s.lock.unlock(); err == nil {
			err = uerr
		}
	}
	return err
}
