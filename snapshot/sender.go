// Package snapshot implements the snapshot task (C3) that drives one
// partition-level snapshot against the checkpoint subsystem, and the
// polymorphic sender (C4) its per-artifact sub-tasks write through.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/shardstore/snapshot/delta"
	"github.com/shardstore/snapshot/partid"
	"github.com/shardstore/snapshot/snaperr"
	"github.com/shardstore/snapshot/transmission"
	"github.com/shardstore/snapshot/wire"
)

// Sender is the polymorphic sink a snapshot task's sub-tasks write through
// (§4.4). close is called exactly once, must release resources even on
// error, and preserves the first error across repeat calls.
type Sender interface {
	Init() error
	SendCacheConfig(srcFile, cacheDir string) error
	SendBinaryMeta(blob []byte) error
	SendMarshallerMeta(blob []byte) error
	SendPart(src io.ReaderAt, length int64, cacheDir string, id partid.ID) error
	SendDelta(deltaFile, cacheDir string, id partid.ID) error
	Close(cause error) error
	Executor() *TaskExecutor
}

func partFileName(id partid.ID) string      { return fmt.Sprintf("part-%d.bin", id.PartID) }
func partDeltaFileName(id partid.ID) string { return fmt.Sprintf("part-%d.bin.delta", id.PartID) }

// LocalSender writes every artifact under
// tmpDir/<snapshotName>/<nodeFolder>/<cacheGroupDir>/ with stable filenames
// (§4.4 "Local sender").
type LocalSender struct {
	root string
	exec *TaskExecutor

	mu       sync.Mutex
	closed   bool
	firstErr snaperr.FirstError
}

// NewLocalSender builds a LocalSender rooted at root (already resolved to
// tmpDir/<snapshotName>/<nodeFolder>).
func NewLocalSender(root string, exec *TaskExecutor) *LocalSender {
	return &LocalSender{root: root, exec: exec}
}

func (s *LocalSender) Init() error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return snaperr.IO("snapshot: create sender root", err)
	}
	return nil
}

func copyFile(srcPath, dstPath string, limit int64) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer dst.Close()
	var r io.Reader = src
	if limit >= 0 {
		r = io.LimitReader(src, limit)
	}
	_, err = io.Copy(dst, r)
	return err
}

func (s *LocalSender) SendCacheConfig(srcFile, cacheDir string) error {
	dst := filepath.Join(s.root, cacheDir, filepath.Base(srcFile))
	if err := copyFile(srcFile, dst, -1); err != nil {
		return snaperr.IO("snapshot: send cache config", err)
	}
	return nil
}

func (s *LocalSender) writeBlob(name string, blob []byte) error {
	dst := filepath.Join(s.root, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return snaperr.IO("snapshot: create blob dir", err)
	}
	if err := os.WriteFile(dst, blob, 0644); err != nil {
		return snaperr.IO("snapshot: write "+name, err)
	}
	return nil
}

func (s *LocalSender) SendBinaryMeta(blob []byte) error     { return s.writeBlob("binary-meta.bin", blob) }
func (s *LocalSender) SendMarshallerMeta(blob []byte) error { return s.writeBlob("marshaller-meta.bin", blob) }

func (s *LocalSender) SendPart(src io.ReaderAt, length int64, cacheDir string, id partid.ID) error {
	dst := filepath.Join(s.root, cacheDir, partFileName(id))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return snaperr.IO("snapshot: create part dir", err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return snaperr.IO("snapshot: open part dest", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, io.NewSectionReader(src, 0, length)); err != nil {
		return snaperr.IO("snapshot: send part", err)
	}
	return nil
}

func (s *LocalSender) SendDelta(deltaFile, cacheDir string, id partid.ID) error {
	dst := filepath.Join(s.root, cacheDir, partDeltaFileName(id))
	if err := copyFile(deltaFile, dst, -1); err != nil {
		return snaperr.IO("snapshot: send delta", err)
	}
	return nil
}

func (s *LocalSender) Close(cause error) error {
	s.firstErr.Set(cause)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.firstErr.First()
}

func (s *LocalSender) Executor() *TaskExecutor { return s.exec }

// RemoteSender maps each sendX call onto a framed transmission.Send with the
// appropriate (group id, partition id, artifact kind) params (§4.4 "Remote
// sender").
type RemoteSender struct {
	rw   io.ReadWriter
	tx   *transmission.Sender
	exec *TaskExecutor

	mu       sync.Mutex
	closed   bool
	firstErr snaperr.FirstError
}

// NewRemoteSender wraps an already-established session channel rw.
func NewRemoteSender(rw io.ReadWriter, tx *transmission.Sender, exec *TaskExecutor) *RemoteSender {
	return &RemoteSender{rw: rw, tx: tx, exec: exec}
}

func (s *RemoteSender) Init() error { return nil }

func idParams(kind wire.Kind, id *partid.ID) map[string][]byte {
	params := map[string][]byte{"kind": []byte(kind)}
	if id != nil {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], id.Key())
		params["partKey"] = key[:]
	}
	return params
}

func (s *RemoteSender) send(name string, src io.Reader, count int64, kind wire.Kind, id *partid.ID, policy wire.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tx.Send(s.rw, name, src, count, false, idParams(kind, id), policy); err != nil {
		return err
	}
	return nil
}

func (s *RemoteSender) SendCacheConfig(srcFile, cacheDir string) error {
	f, err := os.Open(srcFile)
	if err != nil {
		return snaperr.IO("snapshot: open cache config", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return snaperr.IO("snapshot: stat cache config", err)
	}
	name := cacheDir + "/" + filepath.Base(srcFile)
	return s.send(name, f, info.Size(), wire.KindCacheConfig, nil, wire.PolicyFile)
}

func (s *RemoteSender) SendBinaryMeta(blob []byte) error {
	return s.send("binary-meta", bytes.NewReader(blob), int64(len(blob)), wire.KindBinaryMeta, nil, wire.PolicyFile)
}

func (s *RemoteSender) SendMarshallerMeta(blob []byte) error {
	return s.send("marshaller-meta", bytes.NewReader(blob), int64(len(blob)), wire.KindMarshallerMeta, nil, wire.PolicyFile)
}

func (s *RemoteSender) SendPart(src io.ReaderAt, length int64, cacheDir string, id partid.ID) error {
	name := fmt.Sprintf("%s/%s", cacheDir, partFileName(id))
	return s.send(name, io.NewSectionReader(src, 0, length), length, wire.KindPart, &id, wire.PolicyFile)
}

// SendDelta translates deltaFile's framed, CRC-checked on-disk records
// (delta.Reader: magic header, then [pageID|length|payload|crc32] per frame)
// into the bare, fixed-size (pageID|payload) records a CHUNK-policy artifact
// carries on the wire, matching what receiver.handleDelta's
// deltaReplayConsumer expects on the other end (§4.4, §4.6). A frame whose
// CRC doesn't verify is dropped rather than forwarded, the same §7 policy
// the local replay consumer applies to a corrupt page.
func (s *RemoteSender) SendDelta(deltaFile, cacheDir string, id partid.ID) error {
	f, err := os.Open(deltaFile)
	if err != nil {
		return snaperr.IO("snapshot: open delta file", err)
	}
	defer f.Close()

	r, err := delta.NewReader(f)
	if err != nil {
		return snaperr.Integrity("snapshot: read delta header", err)
	}

	var frames bytes.Buffer
	var pageIDBuf [8]byte
	for {
		frame, ferr := r.Next()
		if errors.Is(ferr, io.EOF) {
			break
		}
		if errors.Is(ferr, delta.ErrCorruptFrame) {
			continue
		}
		if ferr != nil {
			return snaperr.IO("snapshot: read delta frame", ferr)
		}
		binary.BigEndian.PutUint64(pageIDBuf[:], frame.PageID)
		frames.Write(pageIDBuf[:])
		frames.Write(frame.Payload)
	}

	name := fmt.Sprintf("%s/%s", cacheDir, partDeltaFileName(id))
	return s.send(name, bytes.NewReader(frames.Bytes()), int64(frames.Len()), wire.KindDelta, &id, wire.PolicyChunk)
}

func (s *RemoteSender) Close(cause error) error {
	s.firstErr.Set(cause)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.firstErr.First()
	}
	s.closed = true
	if err := s.tx.Close(s.rw); err != nil {
		s.firstErr.Set(err)
	}
	return s.firstErr.First()
}

func (s *RemoteSender) Executor() *TaskExecutor { return s.exec }
