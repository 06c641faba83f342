// Package filedev is a Storage backend that uses an *os.File as the
// flash device. It is grounded on outofforest-storm's pkg/filedev, which
// does the same for a plain io.ReadWriteSeeker device; filedev adds the
// lock/freeze/checksum surface LockFS needs and is not satisfied by a
// bare file handle.
package filedev

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/keks/lockfs/checksum"
	"github.com/keks/lockfs/storage"
)

// Config describes the geometry of a FileDev.
type Config struct {
	// BlockSize is B, the fixed physical block size in bytes.
	BlockSize uint32
	// ChecksumSize is K, the width in bytes Checksum always returns.
	ChecksumSize int
	// Checksum computes the device's checksum. If nil, checksum.SHA256
	// is used and ChecksumSize is forced to checksum.SHA256Size.
	Checksum checksum.Func
	// MaxNonvolatileTag is the highest tag value eligible for permanent
	// locking.
	MaxNonvolatileTag uint8
}

// FileDev is a Storage backend backed by an open file. Lock state is
// kept in memory only — like most file-backed test rigs it does not
// survive process restart, unlike a real hardware lock which the
// caller's power-cycle semantics rely on.
type FileDev struct {
	mu sync.Mutex

	file      *os.File
	size      int64
	blockSize uint32

	checksumSize int
	checksumFunc checksum.Func

	maxNonvolatileTag uint8

	locked    []bool
	permanent []bool
	frozen    bool
}

// New wraps file as a Storage backend. file must already be sized to the
// intended device size (e.g. via file.Truncate).
func New(file *os.File, cfg Config) (*FileDev, error) {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "filedev: stat size")
	}

	fn := cfg.Checksum
	checksumSize := cfg.ChecksumSize
	if fn == nil {
		fn = checksum.SHA256
		checksumSize = checksum.SHA256Size
	}

	numBlocks := uint64(size) / uint64(cfg.BlockSize)

	return &FileDev{
		file:              file,
		size:              size,
		blockSize:         cfg.BlockSize,
		checksumSize:      checksumSize,
		checksumFunc:      fn,
		maxNonvolatileTag: cfg.MaxNonvolatileTag,
		locked:            make([]bool, numBlocks),
		permanent:         make([]bool, numBlocks),
	}, nil
}

func (fd *FileDev) MaxBlockSize() uint32 { return fd.blockSize }
func (fd *FileDev) Size() storage.Addr   { return storage.Addr(fd.size) }
func (fd *FileDev) ChecksumSize() int    { return fd.checksumSize }

func (fd *FileDev) blockIndex(addr storage.Addr) uint64 {
	return uint64(addr) / uint64(fd.blockSize)
}

func (fd *FileDev) checkBounds(addr storage.Addr, length int) error {
	if int64(addr)+int64(length) > fd.size {
		return errors.Errorf("filedev: access at %d, len %d out of bounds (size %d)", addr, length, fd.size)
	}
	return nil
}

// Read reads len(dest) bytes starting at addr into dest.
func (fd *FileDev) Read(addr storage.Addr, dest []byte) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if err := fd.checkBounds(addr, len(dest)); err != nil {
		return err
	}
	if _, err := fd.file.ReadAt(dest, int64(addr)); err != nil {
		return errors.Wrap(err, "filedev: read")
	}
	return nil
}

// Write programs len(src) bytes at addr, ANDing each byte with its
// previous on-disk value so a write can only clear bits. It fails if
// any byte written falls within a locked block.
func (fd *FileDev) Write(src []byte, addr storage.Addr) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if err := fd.checkBounds(addr, len(src)); err != nil {
		return err
	}

	if len(src) > 0 {
		first := fd.blockIndex(addr)
		last := fd.blockIndex(addr + storage.Addr(len(src)) - 1)
		for b := first; b <= last; b++ {
			if fd.locked[b] {
				return errors.Errorf("filedev: write to locked block %d", b)
			}
		}
	}

	cur := make([]byte, len(src))
	if _, err := fd.file.ReadAt(cur, int64(addr)); err != nil {
		return errors.Wrap(err, "filedev: read before write")
	}
	for i := range src {
		cur[i] &= src[i]
	}
	if _, err := fd.file.WriteAt(cur, int64(addr)); err != nil {
		return errors.Wrap(err, "filedev: write")
	}
	return nil
}

// Erase restores every byte of the block at blockAddr to 0xFF. It fails
// if the block is locked.
func (fd *FileDev) Erase(blockAddr storage.Addr) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if err := fd.checkBounds(blockAddr, int(fd.blockSize)); err != nil {
		return err
	}
	idx := fd.blockIndex(blockAddr)
	if fd.locked[idx] {
		return errors.Errorf("filedev: erase of locked block %d", idx)
	}

	erased := make([]byte, fd.blockSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	if _, err := fd.file.WriteAt(erased, int64(blockAddr)); err != nil {
		return errors.Wrap(err, "filedev: erase")
	}
	return nil
}

// Lock hardware-locks the block at blockAddr.
func (fd *FileDev) Lock(blockAddr storage.Addr, tag uint8) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if fd.frozen {
		return errors.New("filedev: lock after freeze")
	}
	if err := fd.checkBounds(blockAddr, int(fd.blockSize)); err != nil {
		return err
	}
	idx := fd.blockIndex(blockAddr)
	fd.locked[idx] = true
	fd.permanent[idx] = tag <= fd.maxNonvolatileTag
	return nil
}

// LockFreeze makes all current lock states immutable until Reboot (or
// until the process restarts, since lock state is kept in memory).
func (fd *FileDev) LockFreeze() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	fd.frozen = true
	return nil
}

// Reboot simulates a power cycle: LockFreeze's hold is released, and every
// volatile lock clears. Permanent locks (granted for tag <=
// MaxNonvolatileTag) survive.
func (fd *FileDev) Reboot() {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	fd.frozen = false
	for i := range fd.locked {
		if !fd.permanent[i] {
			fd.locked[i] = false
		}
	}
}

// IsLocked reports whether the block at blockAddr is currently locked.
// It is not part of the Storage contract; it exists so tests can assert
// on lock state directly.
func (fd *FileDev) IsLocked(blockAddr storage.Addr) bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	return fd.locked[fd.blockIndex(blockAddr)]
}

// Frozen reports whether LockFreeze has been called.
func (fd *FileDev) Frozen() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	return fd.frozen
}

// ComputeChecksum computes the checksum of length bytes starting at addr.
func (fd *FileDev) ComputeChecksum(addr storage.Addr, length uint32) ([]byte, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if err := fd.checkBounds(addr, int(length)); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := fd.file.ReadAt(buf, int64(addr)); err != nil {
		return nil, errors.Wrap(err, "filedev: read for checksum")
	}
	return fd.checksumFunc(buf), nil
}

// VerifyChecksum reports whether the checksum of length bytes starting
// at addr matches expected.
func (fd *FileDev) VerifyChecksum(addr storage.Addr, length uint32, expected []byte) (bool, error) {
	got, err := fd.ComputeChecksum(addr, length)
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
