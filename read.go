package lockfs

import (
	"github.com/pkg/errors"

	"github.com/keks/lockfs/header"
	"github.com/keks/lockfs/storage"
)

// ReadObject walks tag's live chain in physical order and copies its
// payload into dest, returning the number of bytes copied. dest must be
// at least as large as the object (see Context.Size).
//
// This is a convenience the core itself has no use for — spec.md's
// Non-goals exclude read-time random access, and ReadObject honours
// that: it is sequential, whole-object, and read-only.
func ReadObject(ctx *Context, s storage.Storage, tag uint8, dest []byte) (int, error) {
	size, ok := ctx.Size(tag)
	if !ok {
		if int(tag) >= len(ctx.Headers) {
			return 0, ErrTagOutOfRange
		}
		return 0, ErrNoLiveChain
	}
	revision, _ := ctx.Revision(tag)

	rh := ctx.Headers[tag]
	want := int(size)
	if len(dest) < want {
		return 0, errors.Errorf("lockfs: dest is %d bytes, object is %d", len(dest), want)
	}

	blockSize := storage.Addr(s.MaxBlockSize())
	deviceSize := s.Size()
	headerSize := storage.Addr(header.Size(s.ChecksumSize()))

	n := 0
	addr := rh.StartBlock
	for n < want {
		hdr, ok := header.Read(s, addr)
		if !ok {
			return n, errors.Wrapf(ErrBackendFailure, "readObject: read chain block at %d", addr)
		}

		matchesChain := !hdr.IsErased() && hdr.Tag == tag && hdr.Revision == revision
		isExpectedRole := (addr == rh.StartBlock) != hdr.IsContinuation()
		if matchesChain && isExpectedRole {
			payload := int(hdr.BlockSize)
			if n+payload > want {
				payload = want - n
			}
			if err := s.Read(addr+headerSize, dest[n:n+payload]); err != nil {
				return n, errors.Wrapf(err, "readObject: read payload at %d", addr)
			}
			n += payload
		}

		addr = storage.Addr((uint64(addr) + uint64(blockSize)) % uint64(deviceSize))
		if addr == rh.StartBlock {
			break
		}
	}

	return n, nil
}
