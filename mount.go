package lockfs

import (
	"github.com/pkg/errors"

	"github.com/keks/lockfs/header"
	"github.com/keks/lockfs/storage"
)

// Mount performs the scan, reclaim, and lock passes over s, populating
// ctx. It must be the first operation run against a device in a given
// power cycle: after it returns successfully, every block belonging to
// a live chain is locked and the lock state is frozen until reboot.
//
// ctx.Headers must already be sized for the device's tag space (see
// NewContext) with every entry erased.
func Mount(ctx *Context, s storage.Storage) error {
	blockSize := storage.Addr(s.MaxBlockSize())
	numBlocks := uint64(s.Size()) / uint64(blockSize)

	var (
		freeRunStart storage.Addr
		inFreeRun    bool
	)
	ctx.NextFreeBlock = nil

	// Scan pass: reconstruct the live chain per tag, and remember the
	// last complete erased run (its start lies at the highest address).
	for i := uint64(0); i < numBlocks; i++ {
		addr := storage.Addr(i) * blockSize

		hdr, ok := header.Read(s, addr)
		if !ok {
			return errors.Wrapf(ErrBackendFailure, "mount: read block at %d", addr)
		}

		if hdr.IsErased() {
			if !inFreeRun {
				freeRunStart = addr
				inFreeRun = true
			}
			continue
		}

		if inFreeRun {
			start := freeRunStart
			ctx.NextFreeBlock = &start
			inFreeRun = false
		}

		if int(hdr.Tag) >= len(ctx.Headers) {
			continue
		}

		if hdr.IsContinuation() {
			continue
		}

		current := ctx.Headers[hdr.Tag].Current
		if current.IsErased() || hdr.NewerThan(current) {
			ctx.Headers[hdr.Tag] = RamHeader{
				Current:      hdr,
				StartBlock:   addr,
				CurrentBlock: addr,
				Size:         uint32(hdr.BlockSize),
			}
		}
	}

	if inFreeRun {
		start := freeRunStart
		ctx.NextFreeBlock = &start
	}

	// Reclaim pass: erase any live block with an in-range tag that isn't
	// part of that tag's adopted chain, before locking. This is what
	// makes superseded revisions' blocks available for reservation
	// again. Continuation blocks of an adopted chain are added to its
	// Size here, once every start block is known, so a chain that wraps
	// past the end of the device is counted in full.
	for i := uint64(0); i < numBlocks; i++ {
		addr := storage.Addr(i) * blockSize

		hdr, ok := header.Read(s, addr)
		if !ok {
			return errors.Wrapf(ErrBackendFailure, "mount: reread block at %d", addr)
		}
		if hdr.IsErased() {
			continue
		}
		if int(hdr.Tag) >= len(ctx.Headers) {
			continue
		}

		live := ctx.Headers[hdr.Tag].Current
		belongsToLiveChain := !live.IsErased() && hdr.Revision == live.Revision
		if belongsToLiveChain {
			if hdr.IsContinuation() {
				ctx.Headers[hdr.Tag].Size += uint32(hdr.BlockSize)
			}
			continue
		}

		if err := s.Erase(addr); err != nil {
			return errors.Wrapf(err, "mount: reclaim superseded block at %d", addr)
		}
	}

	// Lock pass: walk blocks in physical order again (not chain order)
	// so stray continuation blocks of the live revision are locked too.
	for i := uint64(0); i < numBlocks; i++ {
		addr := storage.Addr(i) * blockSize

		hdr, ok := header.Read(s, addr)
		if !ok {
			return errors.Wrapf(ErrBackendFailure, "mount: reread block at %d for lock pass", addr)
		}
		if hdr.IsErased() {
			continue
		}
		if int(hdr.Tag) >= len(ctx.Headers) {
			continue
		}

		live := ctx.Headers[hdr.Tag].Current
		if !live.IsErased() && hdr.Tag == live.Tag && hdr.Revision == live.Revision {
			if err := s.Lock(addr, hdr.Tag); err != nil {
				return errors.Wrapf(err, "mount: lock block at %d", addr)
			}
		}
	}

	if err := s.LockFreeze(); err != nil {
		return errors.Wrap(err, "mount: lock freeze")
	}

	return nil
}
