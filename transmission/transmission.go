// Package transmission implements the framed, resumable chunked transport
// described in §4.5: one TransmissionMeta precedes exactly Count bytes on a
// shared duplex channel, with FILE and CHUNK receive policies and a
// reconnect handshake that resumes a partially-uploaded artifact.
package transmission

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/shardstore/snapshot/snaperr"
	"github.com/shardstore/snapshot/wire"
)

// DefaultChunkSize matches config.Default().ChunkSize; packages that don't
// thread a config through use this.
const DefaultChunkSize = 256 * 1024

// Sender writes artifacts onto a session's duplex channel. A Sender is not
// safe for concurrent use by multiple goroutines against the same rw, since
// a session is single-threaded with respect to inbound processing on its
// topic (§4.5).
type Sender struct {
	chunkSize int
	stopCheck func() bool
}

// NewSender builds a Sender with the given default chunk size. stopCheck,
// if non-nil, is polled between chunks so an external cancel can abort a
// send in progress (§4.5).
func NewSender(chunkSize int, stopCheck func() bool) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{chunkSize: chunkSize, stopCheck: stopCheck}
}

// Send writes name's TransmissionMeta followed by count bytes read from src.
// When reconnect is true, the sender first reads a resume acknowledgement
// from the peer (a Meta whose Offset carries the number of bytes the peer
// already holds for this artifact) and advances its starting position by
// that amount before resuming (§4.5 "If this is a reconnect...").
func (s *Sender) Send(rw io.ReadWriter, name string, src io.Reader, count int64, reconnect bool, params map[string][]byte, policy wire.Policy) error {
	var transferred int64
	if reconnect {
		ack, err := wire.ReadMeta(rw)
		if err != nil {
			return snaperr.IO("transmission: read resume ack", err)
		}
		if ack.Name != name {
			return snaperr.Protocol(fmt.Sprintf("transmission: resume ack name %q != %q", ack.Name, name), nil)
		}
		uploaded := ack.Offset
		if uploaded < 0 {
			return snaperr.Protocol("transmission: resume ack reports negative uploadedBytes", nil)
		}
		transferred = uploaded
		if seeker, ok := src.(io.Seeker); ok {
			if _, err := seeker.Seek(transferred, io.SeekStart); err != nil {
				return snaperr.IO("transmission: seek to resume point", err)
			}
		} else if _, err := io.CopyN(io.Discard, src, transferred); err != nil {
			return snaperr.IO("transmission: skip to resume point", err)
		}
	}

	meta := wire.Meta{
		Name:    name,
		Offset:  transferred,
		Count:   count - transferred,
		Initial: transferred == 0,
		Params:  params,
		Policy:  policy,
	}
	if err := wire.WriteMeta(rw, meta); err != nil {
		return snaperr.IO("transmission: write meta", err)
	}

	for transferred < count {
		if s.stopCheck != nil && s.stopCheck() {
			return snaperr.Cancelled("transmission: send interrupted", nil)
		}
		remain := count - transferred
		want := int64(s.chunkSize)
		if want > remain {
			want = remain
		}
		// io.CopyN picks the zero-copy path automatically when rw/src are a
		// net.Conn/*os.File pair that implement ReaderFrom/WriterTo; a plain
		// io.Reader falls back to CopyN's internal reusable buffer.
		n, err := io.CopyN(rw, src, want)
		transferred += n
		if err != nil {
			return snaperr.IO("transmission: send chunk", err)
		}
		if n == 0 {
			return snaperr.IO("transmission: send stalled with no progress", nil)
		}
	}
	if transferred != count {
		return snaperr.Protocol(fmt.Sprintf("transmission: transferred %d != count %d", transferred, count), nil)
	}
	if closer, ok := src.(io.Closer); ok {
		_ = closer.Close()
	}
	return nil
}

// Close writes the session-terminating CLOSED sentinel meta.
func (s *Sender) Close(w io.Writer) error {
	if err := wire.WriteMeta(w, wire.Closed()); err != nil {
		return snaperr.IO("transmission: write closed sentinel", err)
	}
	return nil
}

// FileDestResolver maps an artifact's first-ever Meta to a destination
// path. Called exactly once per artifact name, on the Initial frame.
type FileDestResolver func(meta wire.Meta) (string, error)

// ChunkConsumer receives successive buffers for a CHUNK-policy artifact.
type ChunkConsumer interface {
	// ChunkSize returns the consumer's preferred chunk size, or <= 0 to use
	// the session default (§4.5 "Chunk size equals the consumer's
	// requested size if positive, else the session default").
	ChunkSize() int
	// Consume handles one filled (or final partial) buffer. buf is only
	// valid for the duration of the call.
	Consume(buf []byte) error
}

type fileState struct {
	path        string
	transferred int64
}

// Receiver accepts artifacts from a Sender, tracking per-artifact resume
// state across reconnects for FILE-policy destinations.
type Receiver struct {
	defaultChunkSize int

	mu    sync.Mutex
	files map[string]*fileState
}

// NewReceiver builds a Receiver using defaultChunkSize when a CHUNK
// consumer doesn't request its own.
func NewReceiver(defaultChunkSize int) *Receiver {
	if defaultChunkSize <= 0 {
		defaultChunkSize = DefaultChunkSize
	}
	return &Receiver{defaultChunkSize: defaultChunkSize, files: make(map[string]*fileState)}
}

// ReceiveFile handles one FILE-policy artifact attempt: meta has already
// been read by the caller, which chose this method for it; this streams
// meta.Count bytes from rw into the resolved destination, honoring
// resumption at meta.Offset on a reconnect.
func (r *Receiver) ReceiveFile(rw io.Reader, meta wire.Meta, resolve FileDestResolver) (path string, err error) {
	r.mu.Lock()
	st, seen := r.files[meta.Name]
	r.mu.Unlock()

	if meta.Initial {
		if seen {
			return "", snaperr.Protocol(fmt.Sprintf("transmission: %q restarted mid-session", meta.Name), nil)
		}
		p, rerr := resolve(meta)
		if rerr != nil {
			return "", snaperr.IO("transmission: resolve destination", rerr)
		}
		st = &fileState{path: p}
		r.mu.Lock()
		r.files[meta.Name] = st
		r.mu.Unlock()
	} else if !seen {
		return "", snaperr.Protocol(fmt.Sprintf("transmission: reconnect for unknown artifact %q", meta.Name), nil)
	}

	if meta.Offset != st.transferred {
		return "", snaperr.Protocol(fmt.Sprintf("transmission: %q offset %d != expected %d", meta.Name, meta.Offset, st.transferred), nil)
	}

	f, oerr := os.OpenFile(st.path, os.O_CREATE|os.O_WRONLY, 0644)
	if oerr != nil {
		return "", snaperr.IO("transmission: open destination", oerr)
	}
	defer f.Close()
	if _, serr := f.Seek(st.transferred, io.SeekStart); serr != nil {
		return "", snaperr.IO("transmission: seek destination", serr)
	}

	n, cerr := io.CopyN(f, rw, meta.Count)
	r.mu.Lock()
	st.transferred += n
	r.mu.Unlock()
	if cerr != nil {
		return "", snaperr.IO(fmt.Sprintf("transmission: receive file %q", meta.Name), cerr)
	}
	if st.transferred == meta.Offset+meta.Count {
		r.mu.Lock()
		delete(r.files, meta.Name)
		r.mu.Unlock()
	}
	return st.path, nil
}

// ResumeOffset reports how many bytes of name's FILE-policy artifact have
// been durably received so far, for building a resume ack on reconnect.
func (r *Receiver) ResumeOffset(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.files[name]; ok {
		return st.transferred
	}
	return 0
}

// ResumeAck builds the Meta a receiver writes back to a reconnecting
// sender, reporting the offset it should resume from.
func (r *Receiver) ResumeAck(name string) wire.Meta {
	return wire.Meta{Name: name, Offset: r.ResumeOffset(name)}
}

// ReceiveChunks handles one CHUNK-policy artifact: meta.Count bytes are
// read from rw in consumer-sized buffers and handed to consumer in order.
func (r *Receiver) ReceiveChunks(rw io.Reader, meta wire.Meta, consumer ChunkConsumer) error {
	chunkSize := consumer.ChunkSize()
	if chunkSize <= 0 {
		chunkSize = r.defaultChunkSize
	}
	buf := make([]byte, chunkSize)
	remaining := meta.Count
	for remaining > 0 {
		want := int64(chunkSize)
		if want > remaining {
			want = remaining
		}
		n, err := io.ReadFull(rw, buf[:want])
		remaining -= int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if remaining > 0 {
					return snaperr.IO(fmt.Sprintf("transmission: channel closed with %d bytes remaining for %q", remaining, meta.Name), err)
				}
			} else {
				return snaperr.IO("transmission: receive chunk", err)
			}
		}
		if n > 0 {
			if cerr := consumer.Consume(buf[:n]); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}
