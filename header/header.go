// Package header implements the on-flash block header: its wire layout,
// the erased-sentinel encoding, and the signed-modular revision
// comparison. It sits directly on top of storage.Storage and endian, the
// way the teacher's blkfile.block sits on top of a raw ReadWriterAt.
package header

import (
	"github.com/pkg/errors"

	"github.com/keks/lockfs/endian"
	"github.com/keks/lockfs/storage"
)

// Flag bits within Header.Flags. All other bits are reserved and must be
// zero on disk.
const (
	ErasedBit       uint8 = 0x80
	ContinuationBit uint8 = 0x40
)

// NoTag is the reserved tag value meaning "not a tag" — it aligns with
// the all-ones erased pattern, so an erased header's tag byte is also
// NoTag.
const NoTag uint8 = 0xFF

// fixedFieldsSize is the width in bytes of tag + flags + revision +
// blockSize, i.e. every header field except the backend-defined
// checksum.
const fixedFieldsSize = 1 + 1 + 1 + 2

// Size returns the encoded width of a header for a backend whose
// checksum is checksumSize bytes wide.
func Size(checksumSize int) int {
	return fixedFieldsSize + checksumSize
}

// Header is the decoded, in-RAM form of a block header.
type Header struct {
	Tag       uint8
	Flags     uint8
	Revision  uint8
	BlockSize uint16
	Checksum  []byte
}

// Erased returns the fully-erased header for a backend with the given
// checksum width: every field, including the checksum, is the all-ones
// sentinel. Writing this pattern is a no-op on NOR flash (it matches the
// device's untouched state), so headers written this way are
// indistinguishable from a truly unwritten block until later fields are
// selectively cleared.
func Erased(checksumSize int) Header {
	cs := make([]byte, checksumSize)
	for i := range cs {
		cs[i] = 0xFF
	}
	return Header{
		Tag:       NoTag,
		Flags:     0xFF,
		Revision:  0xFF,
		BlockSize: 0xFFFF,
		Checksum:  cs,
	}
}

// IsErased reports whether flags has the ERASED bit set.
func (h Header) IsErased() bool {
	return h.Flags&ErasedBit != 0
}

// IsContinuation reports whether flags has the CONTINUATION bit set.
func (h Header) IsContinuation() bool {
	return h.Flags&ContinuationBit != 0
}

// NewerThan applies the signed 8-bit modular revision comparison: h is
// newer than other iff (h.Revision - other.Revision), interpreted as a
// signed 8-bit value, is strictly positive. This is what lets revisions
// wrap from 255 back to 0 without confusing "newer" with "much older".
func (h Header) NewerThan(other Header) bool {
	distance := int8(h.Revision - other.Revision)
	return distance > 0
}

// Read decodes the header at addr from s. It returns (Header{}, false) if
// the backend read failed — the two-case Present/Absent result the core
// needs, without exceptions.
func Read(s storage.Storage, addr storage.Addr) (Header, bool) {
	buf := make([]byte, Size(s.ChecksumSize()))
	if err := s.Read(addr, buf); err != nil {
		return Header{}, false
	}
	return decode(buf), true
}

func decode(buf []byte) Header {
	i := 0
	tag := endian.Load[uint8](buf[i : i+1])
	i += 1
	flags := endian.Load[uint8](buf[i : i+1])
	i += 1
	revision := endian.Load[uint8](buf[i : i+1])
	i += 1
	blockSize := endian.Load[uint16](buf[i : i+2])
	i += 2
	checksum := append([]byte(nil), buf[i:]...)

	return Header{
		Tag:       tag,
		Flags:     flags,
		Revision:  revision,
		BlockSize: blockSize,
		Checksum:  checksum,
	}
}

// Write encodes h and issues a single backend write at addr.
func (h Header) Write(s storage.Storage, addr storage.Addr) error {
	checksumSize := s.ChecksumSize()
	if len(h.Checksum) != checksumSize {
		return errors.Errorf("header: checksum is %d bytes, backend wants %d", len(h.Checksum), checksumSize)
	}

	buf := make([]byte, Size(checksumSize))
	i := 0
	endian.Store[uint8](buf[i:i+1], h.Tag)
	i += 1
	endian.Store[uint8](buf[i:i+1], h.Flags)
	i += 1
	endian.Store[uint8](buf[i:i+1], h.Revision)
	i += 1
	endian.Store[uint16](buf[i:i+2], h.BlockSize)
	i += 2
	copy(buf[i:], h.Checksum)

	if err := s.Write(buf, addr); err != nil {
		return errors.Wrap(err, "header: write")
	}
	return nil
}
