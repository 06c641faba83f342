// Package memdev simulates a NOR-flash device with per-block hardware
// write locking, entirely in memory. It is grounded on
// outofforest-storm's pkg/memdev, generalised with lock/freeze state and
// a pluggable checksum so it can serve as a Storage backend for LockFS
// rather than a plain io.ReadWriter.
package memdev

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/keks/lockfs/checksum"
	"github.com/keks/lockfs/storage"
)

// Config describes the geometry of a MemDev.
type Config struct {
	// Size is N, the total device size in bytes. Must be a multiple of
	// BlockSize.
	Size uint64
	// BlockSize is B, the fixed physical block size in bytes.
	BlockSize uint32
	// ChecksumSize is K, the width in bytes Checksum always returns.
	ChecksumSize int
	// Checksum computes the device's checksum. If nil, checksum.SHA256
	// is used and ChecksumSize is forced to checksum.SHA256Size.
	Checksum checksum.Func
	// MaxNonvolatileTag is the highest tag value eligible for permanent
	// locking; tags above it receive volatile locks. Forwarded from
	// Lock's tag argument.
	MaxNonvolatileTag uint8
}

// MemDev is an in-memory Storage backend.
type MemDev struct {
	mu sync.Mutex

	data      []byte
	blockSize uint32

	checksumSize int
	checksumFunc checksum.Func

	maxNonvolatileTag uint8

	locked    []bool
	permanent []bool
	frozen    bool
}

// New returns a new MemDev, its bytes initialised to the erased sentinel
// 0xFF throughout, matching the untouched state of real NOR flash.
func New(cfg Config) *MemDev {
	fn := cfg.Checksum
	size := cfg.ChecksumSize
	if fn == nil {
		fn = checksum.SHA256
		size = checksum.SHA256Size
	}

	data := make([]byte, cfg.Size)
	for i := range data {
		data[i] = 0xFF
	}

	numBlocks := cfg.Size / uint64(cfg.BlockSize)

	return &MemDev{
		data:              data,
		blockSize:         cfg.BlockSize,
		checksumSize:      size,
		checksumFunc:      fn,
		maxNonvolatileTag: cfg.MaxNonvolatileTag,
		locked:            make([]bool, numBlocks),
		permanent:         make([]bool, numBlocks),
	}
}

func (md *MemDev) MaxBlockSize() uint32 { return md.blockSize }
func (md *MemDev) Size() storage.Addr   { return storage.Addr(len(md.data)) }
func (md *MemDev) ChecksumSize() int    { return md.checksumSize }

func (md *MemDev) blockIndex(addr storage.Addr) uint64 {
	return uint64(addr) / uint64(md.blockSize)
}

func (md *MemDev) checkBounds(addr storage.Addr, length int) error {
	if uint64(addr)+uint64(length) > uint64(len(md.data)) {
		return errors.Errorf("memdev: access at %d, len %d out of bounds (size %d)", addr, length, len(md.data))
	}
	return nil
}

// Read reads len(dest) bytes starting at addr into dest. Reads are never
// blocked by locking.
func (md *MemDev) Read(addr storage.Addr, dest []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if err := md.checkBounds(addr, len(dest)); err != nil {
		return err
	}
	copy(dest, md.data[addr:])
	return nil
}

// Write programs len(src) bytes at addr. It fails if any byte written
// falls within a locked block. Each byte is ANDed with its previous
// value, modelling real NOR-flash semantics where a write can only clear
// bits.
func (md *MemDev) Write(src []byte, addr storage.Addr) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if err := md.checkBounds(addr, len(src)); err != nil {
		return err
	}

	if len(src) > 0 {
		first := md.blockIndex(addr)
		last := md.blockIndex(addr + storage.Addr(len(src)) - 1)
		for b := first; b <= last; b++ {
			if md.locked[b] {
				return errors.Errorf("memdev: write to locked block %d", b)
			}
		}
	}

	for i, b := range src {
		off := uint64(addr) + uint64(i)
		md.data[off] &= b
	}
	return nil
}

// Erase restores every byte of the block at blockAddr to 0xFF. It fails
// if the block is locked.
func (md *MemDev) Erase(blockAddr storage.Addr) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if err := md.checkBounds(blockAddr, int(md.blockSize)); err != nil {
		return err
	}
	idx := md.blockIndex(blockAddr)
	if md.locked[idx] {
		return errors.Errorf("memdev: erase of locked block %d", idx)
	}

	for i := uint64(0); i < uint64(md.blockSize); i++ {
		md.data[uint64(blockAddr)+i] = 0xFF
	}
	return nil
}

// Lock hardware-locks the block at blockAddr. tag <= MaxNonvolatileTag
// requests a permanent lock; anything higher is volatile. Locking after
// LockFreeze is a programming error and is reported rather than
// silently accepted.
func (md *MemDev) Lock(blockAddr storage.Addr, tag uint8) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.frozen {
		return errors.New("memdev: lock after freeze")
	}
	if err := md.checkBounds(blockAddr, int(md.blockSize)); err != nil {
		return err
	}
	idx := md.blockIndex(blockAddr)
	md.locked[idx] = true
	md.permanent[idx] = tag <= md.maxNonvolatileTag
	return nil
}

// LockFreeze makes all current lock states immutable until Reboot
// (standing in for a power cycle).
func (md *MemDev) LockFreeze() error {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.frozen = true
	return nil
}

// Reboot simulates a power cycle: LockFreeze's hold is released, and every
// volatile lock clears. Permanent locks (granted for tag <=
// MaxNonvolatileTag) survive, matching hardware that can lock a block down
// across reboots.
func (md *MemDev) Reboot() {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.frozen = false
	for i := range md.locked {
		if !md.permanent[i] {
			md.locked[i] = false
		}
	}
}

// IsLocked reports whether the block at blockAddr is currently locked.
// It is not part of the Storage contract; it exists so tests can assert
// on lock state directly.
func (md *MemDev) IsLocked(blockAddr storage.Addr) bool {
	md.mu.Lock()
	defer md.mu.Unlock()

	return md.locked[md.blockIndex(blockAddr)]
}

// Frozen reports whether LockFreeze has been called.
func (md *MemDev) Frozen() bool {
	md.mu.Lock()
	defer md.mu.Unlock()

	return md.frozen
}

// ComputeChecksum computes the checksum of length bytes starting at addr.
func (md *MemDev) ComputeChecksum(addr storage.Addr, length uint32) ([]byte, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if err := md.checkBounds(addr, int(length)); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, md.data[addr:])
	return md.checksumFunc(buf), nil
}

// VerifyChecksum reports whether the checksum of length bytes starting
// at addr matches expected.
func (md *MemDev) VerifyChecksum(addr storage.Addr, length uint32, expected []byte) (bool, error) {
	got, err := md.ComputeChecksum(addr, length)
	if err != nil {
		return false, err
	}
	if len(got) != len(expected) {
		return false, nil
	}
	for i := range got {
		if got[i] != expected[i] {
			return false, nil
		}
	}
	return true, nil
}
