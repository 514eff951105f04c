// Package verify provides [bufcache.Verifier] implementations for
// self-describing metadata blocks.
//
// A checksummed block carries a small header and a BLAKE3 trailer:
//
//	offset  size  field
//	0       4     magic (little endian)
//	4       4     reserved, zero
//	8       8     block address the buffer was written to
//	16      n     payload
//	end-32  32    BLAKE3-256 over everything before the trailer
//
// The address field catches misdirected writes: a block that carries a
// valid checksum but was written to another address still fails
// verification.
package verify

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/calvinalkan/metabuf/pkg/bufcache"
)

// Layout constants for checksummed blocks.
const (
	HeaderSize  = 16
	TrailerSize = 32
	Overhead    = HeaderSize + TrailerSize
)

var (
	// ErrBadMagic indicates the block does not start with the expected magic.
	ErrBadMagic = errors.New("verify: bad magic")

	// ErrBadChecksum indicates the trailer does not match the content.
	ErrBadChecksum = errors.New("verify: checksum mismatch")

	// ErrMisdirected indicates the block records a different address than
	// the one it was read from.
	ErrMisdirected = errors.New("verify: misdirected block")

	// ErrTooSmall indicates the buffer cannot hold header and trailer.
	ErrTooSmall = errors.New("verify: buffer too small")
)

// Checksum verifies blocks laid out as described in the package comment.
//
// VerifyWrite stamps the address and the checksum, so callers only fill in
// the magic and the payload.
type Checksum struct {
	Magic uint32
}

// NewChecksum returns a verifier for blocks starting with magic.
func NewChecksum(magic uint32) *Checksum {
	return &Checksum{Magic: magic}
}

// Name implements [bufcache.Verifier].
func (c *Checksum) Name() string {
	return fmt.Sprintf("blake3/%08x", c.Magic)
}

// VerifyRead implements [bufcache.Verifier].
func (c *Checksum) VerifyRead(b *bufcache.Buffer) error {
	p, err := content(b)
	if err != nil {
		return err
	}

	err = c.checkHeader(p, b.Addr())
	if err != nil {
		return err
	}

	body := p[:len(p)-TrailerSize]
	sum := blake3.Sum256(body)

	if !bytes.Equal(sum[:], p[len(body):]) {
		return ErrBadChecksum
	}

	return nil
}

// VerifyWrite implements [bufcache.Verifier]. It rejects a buffer whose
// magic was damaged in memory, then stamps address and checksum.
func (c *Checksum) VerifyWrite(b *bufcache.Buffer) error {
	p, err := content(b)
	if err != nil {
		return err
	}

	if got := binary.LittleEndian.Uint32(p[0:4]); got != c.Magic {
		return fmt.Errorf("%w: got %08x, want %08x", ErrBadMagic, got, c.Magic)
	}

	binary.LittleEndian.PutUint64(p[8:16], uint64(b.Addr()))
	sum := blake3.Sum256(p[:len(p)-TrailerSize])

	b.CopyIn(8, p[8:16])
	b.CopyIn(len(p)-TrailerSize, sum[:])

	return nil
}

func (c *Checksum) checkHeader(p []byte, addr int64) error {
	if got := binary.LittleEndian.Uint32(p[0:4]); got != c.Magic {
		return fmt.Errorf("%w: got %08x, want %08x", ErrBadMagic, got, c.Magic)
	}

	if got := int64(binary.LittleEndian.Uint64(p[8:16])); got != addr {
		return fmt.Errorf("%w: block records address %d, read from %d", ErrMisdirected, got, addr)
	}

	return nil
}

// Payload returns the payload region of a checksummed buffer. It is nil for
// unmapped buffers and buffers too small to carry the layout.
func Payload(b *bufcache.Buffer) []byte {
	p := b.Bytes()
	if len(p) < Overhead {
		return nil
	}

	return p[HeaderSize : len(p)-TrailerSize]
}

// Format writes magic and payload into b and clears the rest, ready for a
// write through [Checksum]. Payload longer than the block is truncated.
func Format(b *bufcache.Buffer, magic uint32, payload []byte) error {
	if b.Size() < Overhead {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrTooSmall, b.Size(), Overhead)
	}

	b.Zero(0, b.Size())

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	b.CopyIn(0, hdr[:])

	room := b.Size() - Overhead
	b.CopyIn(HeaderSize, payload[:min(len(payload), room)])

	return nil
}

// content returns the full buffer content, copying it out of unmapped
// buffers.
func content(b *bufcache.Buffer) ([]byte, error) {
	if b.Size() < Overhead {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTooSmall, b.Size(), Overhead)
	}

	if p := b.Bytes(); p != nil {
		return p, nil
	}

	p := make([]byte, b.Size())
	b.CopyOut(0, p)

	return p, nil
}
