// Package codec implements the wire protocol for the jobmesh escrow program:
// deterministic escrow account address derivation plus the binary layouts for
// escrow instructions and on-ledger account state. The package performs no
// network I/O; the escrow client composes these primitives into signed
// submissions.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

// SchemeVersion identifies the canonical address-derivation and layout
// revision. Any change to field order or width is a breaking protocol change
// and must bump this constant, never be patched in place.
const SchemeVersion byte = 0x01

// accountDiscriminatorLabel seeds the 8-byte prefix that every escrow account
// carries ahead of its field data.
const accountDiscriminatorLabel = "jobmesh/escrow-account"

var (
	// ErrShortBuffer marks truncated input during decoding.
	ErrShortBuffer = errors.New("codec: short buffer")
	// ErrBadDiscriminator is returned when account data does not carry the
	// expected prefix, usually a foreign account or a protocol mismatch.
	ErrBadDiscriminator = errors.New("codec: unexpected account discriminator")
	// ErrTrailingBytes marks extra data after a complete decode.
	ErrTrailingBytes = errors.New("codec: trailing bytes after decode")
)

// AccountDiscriminator returns the 8-byte prefix expected at the start of
// every escrow account's data.
func AccountDiscriminator() [8]byte {
	sum := blake3.Sum256([]byte(accountDiscriminatorLabel))
	var disc [8]byte
	copy(disc[:], sum[:8])
	return disc
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	length := uint32(0)
	if data != nil {
		length = uint32(len(data))
	}
	_ = binary.Write(buf, binary.BigEndian, length)
	if length > 0 {
		buf.Write(data)
	}
}

func readDelimited(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, ErrShortBuffer
	}
	if length == 0 {
		return nil, nil
	}
	if uint32(r.Len()) < length {
		return nil, ErrShortBuffer
	}
	out := make([]byte, length)
	if err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// readFull reads exactly len(out) bytes. bytes.Reader returns short reads
// with a nil error, so trailing fixed-width fields must never use Read
// directly.
func readFull(r *bytes.Reader, out []byte) error {
	if _, err := io.ReadFull(r, out); err != nil {
		return ErrShortBuffer
	}
	return nil
}

func writeFixed(buf *bytes.Buffer, v interface{}) {
	_ = binary.Write(buf, binary.BigEndian, v)
}

func readFixed(r *bytes.Reader, out interface{}) error {
	if err := binary.Read(r, binary.BigEndian, out); err != nil {
		return ErrShortBuffer
	}
	return nil
}

func expectEnd(r *bytes.Reader) error {
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.Len())
	}
	return nil
}
