package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteMeta writes a length-prefixed, CBOR-encoded Meta to w. The length
// prefix lets a reader know exactly how many bytes to consume before the
// artifact payload begins, without a CBOR streaming decoder.
func WriteMeta(w io.Writer, m Meta) error {
	enc, err := Marshal(m)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write meta length: %w", err)
	}
	if _, err := w.Write(enc); err != nil {
		return fmt.Errorf("wire: write meta body: %w", err)
	}
	return nil
}

// ReadMeta reads one length-prefixed, CBOR-encoded Meta from r.
func ReadMeta(r io.Reader) (Meta, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Meta{}, fmt.Errorf("wire: read meta length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxMetaSize = 1 << 20
	if n > maxMetaSize {
		return Meta{}, fmt.Errorf("wire: meta frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Meta{}, fmt.Errorf("wire: read meta body: %w", err)
	}
	return Unmarshal(buf)
}
