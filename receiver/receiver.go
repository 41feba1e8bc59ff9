// Package receiver implements the partition receiver (C6): given an
// incoming session from a known peer, it reads each artifact's meta,
// dispatches on params.kind, and writes the artifact to its conventional
// destination (§4.6).
package receiver

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shardstore/snapshot/pagestore"
	"github.com/shardstore/snapshot/partid"
	"github.com/shardstore/snapshot/snaperr"
	"github.com/shardstore/snapshot/transmission"
	"github.com/shardstore/snapshot/wire"
)

// OnPartitionReceived is invoked once a partition-file artifact has been
// fully written to its temp path; it hands off to C7 (§4.6).
type OnPartitionReceived func(nodeID, file string, groupID, partID int32)

// DestStores resolves the live pagestore.Store a delta-file artifact should
// be replayed against, keyed by partition.
type DestStores func(id partid.ID) (pagestore.Store, bool)

// TempPath builds the receiver-side temp path an artifact is first written
// to, keyed by (snapshotName, groupId, partitionId) per §4.6.
type TempPath func(snapshotName string, id partid.ID, suffix string) string

// Session drives one peer's inbound transmission session: every artifact
// received through it dispatches by wire.Kind until the peer sends the
// CLOSED sentinel meta.
type Session struct {
	snapshotName string
	nodeID       string

	recv     *transmission.Receiver
	onPart   OnPartitionReceived
	stores   DestStores
	tempPath TempPath
	blobDir  string

	log zerolog.Logger

	mu   sync.Mutex
	seen map[partid.ID]bool // supplemental per-session dedup (§4.6)
}

// NewSession builds a receiver session for one peer. blobDir is the
// conventional directory configuration/metadata blobs are written under.
func NewSession(snapshotName, nodeID string, recv *transmission.Receiver, onPart OnPartitionReceived, stores DestStores, tempPath TempPath, blobDir string, log zerolog.Logger) *Session {
	return &Session{
		snapshotName: snapshotName,
		nodeID:       nodeID,
		recv:         recv,
		onPart:       onPart,
		stores:       stores,
		tempPath:     tempPath,
		blobDir:      blobDir,
		log:          log.With().Str("component", "receiver").Str("snapshot", snapshotName).Logger(),
		seen:         make(map[partid.ID]bool),
	}
}

// HandleArtifact reads one TransmissionMeta from rw and dispatches it to
// the right handler, or reports session end if the peer sent CLOSED. It
// returns (closed=true, nil) exactly once, on the sentinel frame.
func (s *Session) HandleArtifact(rw io.Reader) (closed bool, err error) {
	meta, err := wire.ReadMeta(rw)
	if err != nil {
		return false, snaperr.IO("receiver: read meta", err)
	}
	if meta.IsClosed() {
		return true, nil
	}

	kind := wire.Kind(meta.Param("kind"))
	switch kind {
	case wire.KindPart:
		return false, s.handlePart(rw, meta)
	case wire.KindDelta:
		return false, s.handleDelta(rw, meta)
	case wire.KindCacheConfig, wire.KindBinaryMeta, wire.KindMarshallerMeta:
		return false, s.handleBlob(rw, meta)
	default:
		return false, snaperr.Protocol(fmt.Sprintf("receiver: unknown artifact kind %q", kind), nil)
	}
}

func idFromParams(meta wire.Meta) (partid.ID, error) {
	key, ok := meta.Params["partKey"]
	if !ok || len(key) != 8 {
		return partid.ID{}, snaperr.Protocol("receiver: artifact is missing partKey", nil)
	}
	return partid.FromKey(binary.BigEndian.Uint64(key)), nil
}

func (s *Session) handlePart(rw io.Reader, meta wire.Meta) error {
	id, err := idFromParams(meta)
	if err != nil {
		return err
	}

	if meta.Initial {
		s.mu.Lock()
		dup := s.seen[id]
		s.seen[id] = true
		s.mu.Unlock()
		if dup {
			return snaperr.Protocol(fmt.Sprintf("receiver: duplicate partition artifact for %s in this session", id), nil)
		}
	}

	path, err := s.recv.ReceiveFile(rw, meta, func(wire.Meta) (string, error) {
		dst := s.tempPath(s.snapshotName, id, ".bin")
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", err
		}
		return dst, nil
	})
	if err != nil {
		return err
	}

	// The artifact finishes exactly when ReceiveFile has consumed the last
	// byte of this send attempt; transmission.Receiver clears its own
	// bookkeeping at that point, so a fresh ResumeOffset of 0 tells us the
	// transfer completed (no further reconnect is expected for this name).
	if s.recv.ResumeOffset(meta.Name) == 0 {
		s.onPart(s.nodeID, path, id.GroupID, id.PartID)
	}
	return nil
}

func (s *Session) handleDelta(rw io.Reader, meta wire.Meta) error {
	id, err := idFromParams(meta)
	if err != nil {
		return err
	}
	store, ok := s.stores(id)
	if !ok {
		return snaperr.State(fmt.Sprintf("receiver: no destination store for %s", id), nil)
	}

	pageSize := store.PageSize()
	frameSize := 8 + pageSize // pageId + page payload, matching the records RemoteSender.SendDelta puts on the wire
	consumer := &deltaReplayConsumer{store: store, pageSize: pageSize, log: s.log}
	if err := s.recv.ReceiveChunks(rw, meta, chunkConsumerAdapter{size: frameSize, consume: consumer.consume}); err != nil {
		return err
	}
	return nil
}

func (s *Session) handleBlob(rw io.Reader, meta wire.Meta) error {
	kind := wire.Kind(meta.Param("kind"))
	name := meta.Name
	dst := filepath.Join(s.blobDir, filepath.Base(name))
	_, err := s.recv.ReceiveFile(rw, meta, func(wire.Meta) (string, error) {
		if err := os.MkdirAll(s.blobDir, 0755); err != nil {
			return "", err
		}
		return dst, nil
	})
	if err != nil {
		return fmt.Errorf("receiver: %s blob %q: %w", kind, name, err)
	}
	return nil
}

// deltaReplayConsumer replays a stream of (pageId, page) frames against a
// destination store, writing each page if it falls within the store's
// current size and discarding it otherwise (§4.6, §4.7 edge cases).
type deltaReplayConsumer struct {
	store    pagestore.Store
	pageSize int
	log      zerolog.Logger
}

func (c *deltaReplayConsumer) consume(buf []byte) error {
	if len(buf) != 8+c.pageSize {
		return snaperr.Protocol(fmt.Sprintf("receiver: delta frame size %d != expected %d", len(buf), 8+c.pageSize), nil)
	}
	pageID := binary.BigEndian.Uint64(buf[:8])
	payload := buf[8:]

	allZero := true
	for _, b := range payload {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		// A zero-filled buffer from a first-ever write is treated as
		// absent, not an error (§4.7 edge cases).
		return nil
	}

	offset := c.store.PageOffset(pageID)
	if offset+int64(c.pageSize) > c.store.Size() {
		c.log.Debug().Uint64("page", pageID).Msg("receiver: discarding delta page beyond current store size")
		return nil
	}
	if err := c.store.WritePage(pageID, payload); err != nil {
		return snaperr.IO("receiver: replay delta page", err)
	}
	return nil
}

// chunkConsumerAdapter lets a plain consume func satisfy
// transmission.ChunkConsumer without every caller defining its own type.
type chunkConsumerAdapter struct {
	size    int
	consume func([]byte) error
}

func (a chunkConsumerAdapter) ChunkSize() int           { return a.size }
func (a chunkConsumerAdapter) Consume(buf []byte) error { return a.consume(buf) }
