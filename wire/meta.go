// Package wire defines the framing record exchanged over a chunked
// transmission session (§3, §6) and its CBOR encoding.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Policy selects how a receiver interprets the byte range following a
// TransmissionMeta frame.
type Policy int

const (
	// PolicyFile streams the range into a destination file.
	PolicyFile Policy = iota
	// PolicyChunk streams the range into a caller-provided buffer consumer.
	PolicyChunk
)

func (p Policy) String() string {
	if p == PolicyChunk {
		return "chunk"
	}
	return "file"
}

// Kind identifies the artifact a transmission carries, conveyed via
// TransmissionMeta.Params["kind"].
type Kind string

const (
	KindPart           Kind = "part"
	KindDelta          Kind = "delta"
	KindCacheConfig    Kind = "cacheCfg"
	KindBinaryMeta     Kind = "binaryMeta"
	KindMarshallerMeta Kind = "marshallerMeta"
)

// ErrorDescription is the optional error payload carried by a CLOSED or
// failed TransmissionMeta.
type ErrorDescription struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

func (e *ErrorDescription) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Meta is the externally-serialized framing record described in §3/§6: one
// precedes every artifact's payload bytes on the wire.
type Meta struct {
	Name         string            `cbor:"name"`
	Offset       int64             `cbor:"offset"`
	Count        int64             `cbor:"count"`
	Initial      bool              `cbor:"initial"`
	CloseSession bool              `cbor:"closeSession"`
	Params       map[string][]byte `cbor:"params"`
	Policy       Policy            `cbor:"policy"`
	Error        *ErrorDescription `cbor:"error"`
}

// Closed builds the sentinel CLOSED meta that terminates a session.
func Closed() Meta {
	return Meta{Offset: -1, Count: -1, CloseSession: true}
}

// IsClosed reports whether m is the session-terminating sentinel.
func (m Meta) IsClosed() bool {
	return m.CloseSession && m.Offset == -1 && m.Count == -1
}

// WithParam returns a copy of m with key set to value in Params.
func (m Meta) WithParam(key string, value []byte) Meta {
	out := m
	params := make(map[string][]byte, len(m.Params)+1)
	for k, v := range m.Params {
		params[k] = v
	}
	params[key] = value
	out.Params = params
	return out
}

// Param returns Params[key] as a string, or "" if absent.
func (m Meta) Param(key string) string {
	if m.Params == nil {
		return ""
	}
	return string(m.Params[key])
}

// Marshal encodes m using canonical CBOR.
func Marshal(m Meta) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	enc, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("wire: build encoder: %w", err)
	}
	return enc.Marshal(m)
}

// Unmarshal decodes a Meta previously produced by Marshal.
func Unmarshal(data []byte) (Meta, error) {
	var m Meta
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("wire: decode meta: %w", err)
	}
	return m, nil
}
