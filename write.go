package lockfs

import (
	"github.com/pkg/errors"

	"github.com/keks/lockfs/header"
	"github.com/keks/lockfs/storage"
)

// StartWrite reserves a chain of erased blocks able to hold size bytes
// of payload under tag, and returns a RamHeader handle for Write and
// FinishWrite. Only one write may be in flight at a time.
func StartWrite(ctx *Context, s storage.Storage, tag uint8, size uint32) (*RamHeader, error) {
	if tag == header.NoTag {
		return nil, ErrTagReserved
	}
	if int(tag) >= len(ctx.Headers) {
		return nil, ErrTagOutOfRange
	}
	if ctx.NextFreeBlock == nil {
		return nil, ErrDeviceFull
	}

	blockSize := storage.Addr(s.MaxBlockSize())
	deviceSize := s.Size()
	checksumSize := s.ChecksumSize()
	headerSize := storage.Addr(header.Size(checksumSize))
	payloadPerBlock := uint32(blockSize) - uint32(headerSize)

	current := ctx.Headers[tag].Current
	var revision uint8
	if current.IsErased() {
		revision = 0
	} else {
		revision = current.Revision + 1
	}

	erasedChecksum := make([]byte, checksumSize)
	for i := range erasedChecksum {
		erasedChecksum[i] = 0xFF
	}

	start := *ctx.NextFreeBlock
	rh := RamHeader{
		Current: header.Header{
			Tag:       tag,
			Flags:     0xFF,
			Revision:  revision,
			BlockSize: 0xFFFF,
			Checksum:  erasedChecksum,
		},
		StartBlock:   start,
		CurrentBlock: start,
		Size:         size,
	}

	remaining := size
	for {
		existing, ok := header.Read(s, rh.CurrentBlock)
		if !ok {
			return nil, errors.Wrapf(ErrBackendFailure, "startWrite: read block at %d", rh.CurrentBlock)
		}

		wrote := false
		if existing.IsErased() {
			if err := rh.Current.Write(s, rh.CurrentBlock); err != nil {
				return nil, errors.Wrapf(err, "startWrite: reserve block at %d", rh.CurrentBlock)
			}
			wrote = true
		}

		if wrote {
			take := remaining
			if take > payloadPerBlock {
				take = payloadPerBlock
			}
			remaining -= take
		}

		if remaining == 0 {
			break
		}

		rh.CurrentBlock = storage.Addr((uint64(rh.CurrentBlock) + uint64(blockSize)) % uint64(deviceSize))
		if rh.CurrentBlock == rh.StartBlock {
			return nil, ErrDeviceFull
		}
	}

	rh.Size = size
	rh.CurrentBlock = rh.StartBlock
	rh.Current.BlockSize = 0

	ctx.Headers[tag] = rh
	return &ctx.Headers[tag], nil
}

// Write streams data into the chain rh was reserved for. It may be
// called repeatedly; the total across all calls should equal the size
// passed to StartWrite. The last block written is left unsealed for
// FinishWrite to seal.
func Write(s storage.Storage, rh *RamHeader, data []byte) error {
	blockSize := storage.Addr(s.MaxBlockSize())
	deviceSize := s.Size()
	headerSize := storage.Addr(header.Size(s.ChecksumSize()))
	payloadPerBlock := uint32(blockSize) - uint32(headerSize)

	for len(data) > 0 {
		if uint32(rh.Current.BlockSize) < payloadPerBlock {
			begin := storage.Addr(rh.Current.BlockSize) + headerSize
			blockRemaining := uint32(blockSize) - uint32(begin)
			toWrite := uint32(len(data))
			if toWrite > blockRemaining {
				toWrite = blockRemaining
			}

			if err := s.Write(data[:toWrite], rh.CurrentBlock+begin); err != nil {
				return errors.Wrapf(err, "write: stream payload at %d", rh.CurrentBlock+begin)
			}
			rh.Current.BlockSize += uint16(toWrite)
			data = data[toWrite:]
			continue
		}

		// Current block is full: seal it with its checksum and
		// blockSize, then find the next reserved block of this chain.
		sum, err := s.ComputeChecksum(rh.CurrentBlock+headerSize, uint32(rh.Current.BlockSize))
		if err != nil {
			return errors.Wrapf(err, "write: checksum block at %d", rh.CurrentBlock)
		}
		rh.Current.Checksum = sum
		if err := rh.Current.Write(s, rh.CurrentBlock); err != nil {
			return errors.Wrapf(err, "write: seal block at %d", rh.CurrentBlock)
		}
		rh.Current.BlockSize = 0

		next := storage.Addr((uint64(rh.CurrentBlock) + uint64(blockSize)) % uint64(deviceSize))
		found := false
		for next != rh.StartBlock {
			hdr, ok := header.Read(s, next)
			if ok && hdr.IsErased() && hdr.Revision == rh.Current.Revision {
				found = true
				break
			}
			next = storage.Addr((uint64(next) + uint64(blockSize)) % uint64(deviceSize))
		}
		if !found {
			return ErrChainExhausted
		}
		rh.CurrentBlock = next
	}

	return nil
}

// FinishWrite commits the chain rh describes, making its new revision
// the live chain for its tag. The start block is written last: if power
// is lost before this call returns, the previous revision remains live.
func FinishWrite(s storage.Storage, rh *RamHeader) error {
	blockSize := storage.Addr(s.MaxBlockSize())
	deviceSize := s.Size()
	headerSize := storage.Addr(header.Size(s.ChecksumSize()))

	// Seal the final, possibly partial block. write never seals the
	// block that never filled up, so it is always still carrying the
	// in-flight erased pattern's blockSize/checksum here.
	sum, err := s.ComputeChecksum(rh.CurrentBlock+headerSize, uint32(rh.Current.BlockSize))
	if err != nil {
		return errors.Wrapf(err, "finishWrite: checksum final block at %d", rh.CurrentBlock)
	}
	rh.Current.Checksum = sum
	if err := rh.Current.Write(s, rh.CurrentBlock); err != nil {
		return errors.Wrapf(err, "finishWrite: seal final block at %d", rh.CurrentBlock)
	}

	// Walk the chain backwards from the final block to, but not
	// including, the start block: every reserved block encountered
	// becomes a committed continuation block.
	addr := rh.CurrentBlock
	for addr != rh.StartBlock {
		hdr, ok := header.Read(s, addr)
		if !ok {
			return errors.Wrapf(ErrBackendFailure, "finishWrite: read chain block at %d", addr)
		}
		if hdr.IsErased() && hdr.Revision == rh.Current.Revision {
			hdr.Flags = header.ContinuationBit
			if err := hdr.Write(s, addr); err != nil {
				return errors.Wrapf(err, "finishWrite: commit continuation block at %d", addr)
			}
		}
		addr = storage.Addr((uint64(addr) + uint64(deviceSize) - uint64(blockSize)) % uint64(deviceSize))
	}

	// Commit the start block last: clearing its ERASED bit is the
	// atomic "chain complete" marker a subsequent Mount looks for.
	start, ok := header.Read(s, rh.StartBlock)
	if !ok {
		return errors.Wrapf(ErrBackendFailure, "finishWrite: read start block at %d", rh.StartBlock)
	}
	if !start.IsErased() || start.Revision != rh.Current.Revision {
		return ErrChainMismatch
	}
	start.Flags = 0
	if err := start.Write(s, rh.StartBlock); err != nil {
		return errors.Wrapf(err, "finishWrite: commit start block at %d", rh.StartBlock)
	}

	return nil
}
