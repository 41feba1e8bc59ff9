package transmission

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/shardstore/snapshot/wire"
)

// pipeConn gives a Sender and Receiver a genuine net.Conn-backed duplex
// channel so io.CopyN's zero-copy path has a real chance to engage, the
// same shape a remote session would use.
func pipeConn(t *testing.T) (a, b net.Conn) {
	t.Helper()
	a, b = net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestSendReceiveFileFresh(t *testing.T) {
	a, b := pipeConn(t)
	dir := t.TempDir()
	dest := filepath.Join(dir, "part-7.bin")

	payload := bytes.Repeat([]byte{0xAB}, 10*1024+7)
	sender := NewSender(4096, nil)
	recv := NewReceiver(4096)

	errc := make(chan error, 1)
	go func() {
		errc <- sender.Send(a, "part-7", bytes.NewReader(payload), int64(len(payload)), false, map[string][]byte{"kind": []byte(wire.KindPart)}, wire.PolicyFile)
	}()

	meta, err := wire.ReadMeta(b)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if !meta.Initial || meta.Policy != wire.PolicyFile {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	path, err := recv.ReceiveFile(b, meta, func(wire.Meta) (string, error) { return dest, nil })
	if err != nil {
		t.Fatalf("ReceiveFile: %v", err)
	}
	if path != dest {
		t.Fatalf("path = %q, want %q", path, dest)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes, want %d matching payload", len(got), len(payload))
	}
}

func TestReceiveFileRejectsNameSwitchOnReconnect(t *testing.T) {
	recv := NewReceiver(4096)
	dir := t.TempDir()
	first := wire.Meta{Name: "part-1", Offset: 0, Count: 4, Initial: true}
	if _, err := recv.ReceiveFile(bytes.NewReader([]byte("abcd")), first, func(wire.Meta) (string, error) {
		return filepath.Join(dir, "p1.bin"), nil
	}); err != nil {
		t.Fatalf("initial ReceiveFile: %v", err)
	}

	reconnect := wire.Meta{Name: "part-unknown", Offset: 4, Count: 1, Initial: false}
	if _, err := recv.ReceiveFile(bytes.NewReader([]byte("e")), reconnect, nil); err == nil {
		t.Fatalf("expected protocol error for reconnect against an unknown artifact name")
	}
}

func TestReceiveFileRejectsOffsetMismatch(t *testing.T) {
	recv := NewReceiver(4096)
	dir := t.TempDir()
	first := wire.Meta{Name: "part-2", Offset: 0, Count: 4, Initial: true}
	if _, err := recv.ReceiveFile(bytes.NewReader([]byte("abcd")), first, func(wire.Meta) (string, error) {
		return filepath.Join(dir, "p2.bin"), nil
	}); err != nil {
		t.Fatalf("initial ReceiveFile: %v", err)
	}

	bad := wire.Meta{Name: "part-2", Offset: 99, Count: 1, Initial: false}
	if _, err := recv.ReceiveFile(bytes.NewReader([]byte("e")), bad, nil); err == nil {
		t.Fatalf("expected protocol error for offset mismatch")
	}
}

type sliceConsumer struct {
	size int
	got  [][]byte
}

func (c *sliceConsumer) ChunkSize() int { return c.size }
func (c *sliceConsumer) Consume(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.got = append(c.got, cp)
	return nil
}

func TestReceiveChunksHonorsConsumerChunkSize(t *testing.T) {
	recv := NewReceiver(4096)
	payload := bytes.Repeat([]byte{0x01, 0x02}, 10)
	meta := wire.Meta{Name: "stream", Count: int64(len(payload))}
	consumer := &sliceConsumer{size: 5}

	if err := recv.ReceiveChunks(bytes.NewReader(payload), meta, consumer); err != nil {
		t.Fatalf("ReceiveChunks: %v", err)
	}
	var total []byte
	for _, b := range consumer.got {
		if len(b) > 5 {
			t.Fatalf("chunk exceeded requested size: %d", len(b))
		}
		total = append(total, b...)
	}
	if !bytes.Equal(total, payload) {
		t.Fatalf("reassembled chunks don't match payload")
	}
}

func TestReceiveChunksFailsOnShortChannel(t *testing.T) {
	recv := NewReceiver(4096)
	meta := wire.Meta{Name: "stream", Count: 100}
	consumer := &sliceConsumer{size: 10}
	if err := recv.ReceiveChunks(bytes.NewReader(make([]byte, 50)), meta, consumer); err == nil {
		t.Fatalf("expected error when channel yields fewer bytes than meta.Count")
	}
}

func TestSendReconnectAdvancesFromResumeAck(t *testing.T) {
	a, b := pipeConn(t)
	payload := bytes.Repeat([]byte{0x9}, 4096)
	sender := NewSender(1024, nil)

	errc := make(chan error, 1)
	go func() {
		errc <- sender.Send(a, "resumed", bytes.NewReader(payload), int64(len(payload)), true, nil, wire.PolicyFile)
	}()

	// Act as the peer: report that 1024 bytes were already uploaded.
	if err := wire.WriteMeta(b, wire.Meta{Name: "resumed", Offset: 1024}); err != nil {
		t.Fatalf("write resume ack: %v", err)
	}
	meta, err := wire.ReadMeta(b)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if meta.Offset != 1024 || meta.Count != int64(len(payload))-1024 || meta.Initial {
		t.Fatalf("unexpected resumed meta: %+v", meta)
	}
	if _, err := io.CopyN(io.Discard, b, meta.Count); err != nil {
		t.Fatalf("drain resumed payload: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
}
