package receiver

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardstore/snapshot/pagestore"
	"github.com/shardstore/snapshot/partid"
	"github.com/shardstore/snapshot/transmission"
	"github.com/shardstore/snapshot/wire"
)

func bytesReaderOf(b []byte) *bytes.Reader { return bytes.NewReader(b) }
func stringReader(s string) *strings.Reader { return strings.NewReader(s) }

func pipe(t *testing.T) (a, b net.Conn) {
	t.Helper()
	a, b = net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func partKeyParams(id partid.ID, kind wire.Kind) map[string][]byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id.Key())
	return map[string][]byte{"kind": []byte(kind), "partKey": key[:]}
}

func TestSessionReceivesPartitionFileAndNotifies(t *testing.T) {
	a, b := pipe(t)
	dir := t.TempDir()
	id := partid.ID{GroupID: 2, PartID: 5}

	var notified chan struct{} = make(chan struct{}, 1)
	var gotFile string
	onPart := func(nodeID, file string, groupID, partID int32) {
		gotFile = file
		notified <- struct{}{}
	}

	sess := NewSession("snap1", "peerA", transmission.NewReceiver(4096), onPart,
		func(partid.ID) (pagestore.Store, bool) { return nil, false },
		func(snapshotName string, id partid.ID, suffix string) string {
			return filepath.Join(dir, snapshotName, "grp", "part"+suffix)
		}, filepath.Join(dir, "blobs"), zerolog.Nop())

	payload := []byte("partition-bytes-content")
	sender := transmission.NewSender(1024, nil)
	errc := make(chan error, 1)
	go func() {
		errc <- sender.Send(a, "part-5", bytesReaderOf(payload), int64(len(payload)), false, partKeyParams(id, wire.KindPart), wire.PolicyFile)
	}()

	closed, err := sess.HandleArtifact(b)
	if err != nil {
		t.Fatalf("HandleArtifact: %v", err)
	}
	if closed {
		t.Fatalf("unexpected session close")
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatalf("onPartitionReceived was not invoked")
	}
	got, err := os.ReadFile(gotFile)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("received content mismatch")
	}
}

func TestSessionRejectsDuplicatePartitionArtifact(t *testing.T) {
	dir := t.TempDir()
	id := partid.ID{GroupID: 1, PartID: 1}
	sess := NewSession("snap2", "peerA", transmission.NewReceiver(4096), func(string, string, int32, int32) {},
		func(partid.ID) (pagestore.Store, bool) { return nil, false },
		func(snapshotName string, id partid.ID, suffix string) string {
			return filepath.Join(dir, snapshotName, "grp", "part"+suffix)
		}, filepath.Join(dir, "blobs"), zerolog.Nop())

	meta := wire.Meta{Name: "part-1", Initial: true, Count: 4, Params: partKeyParams(id, wire.KindPart)}
	if err := sess.handlePart(stringReader("abcd"), meta); err != nil {
		t.Fatalf("first handlePart: %v", err)
	}
	if err := sess.handlePart(stringReader("efgh"), meta); err == nil {
		t.Fatalf("expected duplicate partition artifact to be rejected")
	}
}

func TestSessionReplaysDeltaPagesWithinStoreSize(t *testing.T) {
	store := pagestore.NewMemStore(3, pagestore.DefaultPageSize, 0)
	defer store.Close()
	// Grow the store to 2 pages so page index 1 is "within current size".
	buf := make([]byte, store.PageSize())
	if err := store.WritePage(partid.PageID(3, 0), buf); err != nil {
		t.Fatalf("seed page 0: %v", err)
	}
	if err := store.WritePage(partid.PageID(3, 1), buf); err != nil {
		t.Fatalf("seed page 1: %v", err)
	}

	id := partid.ID{GroupID: 9, PartID: 3}
	dir := t.TempDir()
	sess := NewSession("snap3", "peerA", transmission.NewReceiver(4096), func(string, string, int32, int32) {},
		func(got partid.ID) (pagestore.Store, bool) {
			if got == id {
				return store, true
			}
			return nil, false
		},
		func(string, partid.ID, string) string { return "" }, filepath.Join(dir, "blobs"), zerolog.Nop())

	pageID := partid.PageID(3, 1)
	payload := make([]byte, store.PageSize())
	for i := range payload {
		payload[i] = 0x42
	}
	frame := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(frame[:8], pageID)
	copy(frame[8:], payload)

	meta := wire.Meta{Name: "delta-3", Count: int64(len(frame)), Params: partKeyParams(id, wire.KindDelta)}
	if err := sess.handleDelta(bytesReaderOf(frame), meta); err != nil {
		t.Fatalf("handleDelta: %v", err)
	}

	got := make([]byte, store.PageSize())
	if err := store.ReadPage(pageID, got); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	for i, b := range got {
		if b != 0x42 {
			t.Fatalf("page byte %d = %x, want 0x42", i, b)
		}
	}
}

func TestSessionClosesOnSentinel(t *testing.T) {
	dir := t.TempDir()
	sess := NewSession("snap4", "peerA", transmission.NewReceiver(4096), func(string, string, int32, int32) {},
		func(partid.ID) (pagestore.Store, bool) { return nil, false },
		func(string, partid.ID, string) string { return "" }, filepath.Join(dir, "blobs"), zerolog.Nop())

	a, b := pipe(t)
	go wire.WriteMeta(a, wire.Closed())
	closed, err := sess.HandleArtifact(b)
	if err != nil {
		t.Fatalf("HandleArtifact: %v", err)
	}
	if !closed {
		t.Fatalf("expected session to report closed on CLOSED sentinel")
	}
}
