package lockfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keks/lockfs/checksum"
	"github.com/keks/lockfs/header"
	"github.com/keks/lockfs/memdev"
	"github.com/keks/lockfs/storage"
)

// scenarioDevice returns an 8-block, 8-byte-block device with a 1-byte
// checksum, matching spec.md §8's end-to-end scenarios (B=8, headerSize=6,
// so payload per block = 2; N=64, 8 blocks total).
func scenarioDevice() *memdev.MemDev {
	return memdev.New(memdev.Config{
		Size:         64,
		BlockSize:    8,
		ChecksumSize: checksum.Sum8Size,
		Checksum:     checksum.Sum8,
	})
}

func newScenarioContext() *Context {
	return NewContext(5, checksum.Sum8Size)
}

// TestScenarioA_SingleBlockWrite is spec.md §8 Scenario A.
func TestScenarioA_SingleBlockWrite(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	ctx := newScenarioContext()

	r.NoError(Mount(ctx, dev))
	r.NotNil(ctx.NextFreeBlock)
	r.EqualValues(0, *ctx.NextFreeBlock)

	rh, err := StartWrite(ctx, dev, 1, 2)
	r.NoError(err)
	r.EqualValues(0, rh.StartBlock)

	r.NoError(Write(dev, rh, []byte{0xAA, 0xBB}))
	r.NoError(FinishWrite(dev, rh))

	dev.Reboot()
	freshCtx := newScenarioContext()
	r.NoError(Mount(freshCtx, dev))

	r.EqualValues(0, freshCtx.Headers[1].StartBlock)
	r.EqualValues(0, freshCtx.Headers[1].Current.Revision)

	payload := make([]byte, 2)
	n, err := ReadObject(freshCtx, dev, 1, payload)
	r.NoError(err)
	r.Equal(2, n)
	r.Equal([]byte{0xAA, 0xBB}, payload)
}

// TestScenarioB_TwoBlockWriteWithSeal is spec.md §8 Scenario B.
func TestScenarioB_TwoBlockWriteWithSeal(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	rh, err := StartWrite(ctx, dev, 1, 2)
	r.NoError(err)
	r.NoError(Write(dev, rh, []byte{0xAA, 0xBB}))
	r.NoError(FinishWrite(dev, rh))

	// Re-mount to get the post-write nextFreeBlock, as the scenario
	// assumes.
	dev.Reboot()
	ctx2 := newScenarioContext()
	r.NoError(Mount(ctx2, dev))
	r.NotNil(ctx2.NextFreeBlock)
	r.EqualValues(8, *ctx2.NextFreeBlock)

	rh2, err := StartWrite(ctx2, dev, 2, 3)
	r.NoError(err)
	r.EqualValues(8, rh2.StartBlock)

	r.NoError(Write(dev, rh2, []byte{0x01, 0x02, 0x03}))
	r.NoError(FinishWrite(dev, rh2))

	block1, ok := header.Read(dev, 8)
	r.True(ok)
	r.False(block1.IsContinuation())
	r.False(block1.IsErased())
	r.EqualValues(2, block1.BlockSize)

	block2, ok := header.Read(dev, 16)
	r.True(ok)
	r.True(block2.IsContinuation())
	r.False(block2.IsErased())
	r.EqualValues(1, block2.BlockSize)

	dev.Reboot()
	freshCtx := newScenarioContext()
	r.NoError(Mount(freshCtx, dev))
	payload := make([]byte, 3)
	n, err := ReadObject(freshCtx, dev, 2, payload)
	r.NoError(err)
	r.Equal(3, n)
	r.Equal([]byte{0x01, 0x02, 0x03}, payload)
}

// TestScenarioC_CrashBeforeCommit is spec.md §8 Scenario C.
func TestScenarioC_CrashBeforeCommit(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	rh, err := StartWrite(ctx, dev, 1, 2)
	r.NoError(err)
	r.NoError(Write(dev, rh, []byte{0xAA, 0xBB}))
	r.NoError(FinishWrite(dev, rh))

	// Re-mount so the next StartWrite sees an accurate free-block hint.
	dev.Reboot()
	ctx2 := newScenarioContext()
	r.NoError(Mount(ctx2, dev))

	rh2, err := StartWrite(ctx2, dev, 1, 2)
	r.NoError(err)
	r.EqualValues(1, rh2.Current.Revision)
	r.NoError(Write(dev, rh2, []byte{0xCC, 0xDD}))
	// Power lost here: FinishWrite is never called.

	dev.Reboot()
	freshCtx := newScenarioContext()
	r.NoError(Mount(freshCtx, dev))

	r.EqualValues(0, freshCtx.Headers[1].Current.Revision)
	r.False(dev.IsLocked(rh2.StartBlock))
}

// TestScenarioD_RevisionWins is spec.md §8 Scenario D.
func TestScenarioD_RevisionWins(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()

	older := header.Header{Tag: 3, Flags: 0, Revision: 5, BlockSize: 0, Checksum: []byte{0}}
	newer := header.Header{Tag: 3, Flags: 0, Revision: 6, BlockSize: 0, Checksum: []byte{0}}
	r.NoError(older.Write(dev, 0))
	r.NoError(newer.Write(dev, 8))

	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	r.EqualValues(6, ctx.Headers[3].Current.Revision)
	r.EqualValues(8, ctx.Headers[3].StartBlock)

	r.True(dev.IsLocked(8))
	r.False(dev.IsLocked(0))
}

// TestScenarioE_FreeRunSelection is spec.md §8 Scenario E.
func TestScenarioE_FreeRunSelection(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()

	live := header.Header{Tag: 0, Flags: 0, Revision: 0, BlockSize: 0, Checksum: []byte{0}}
	r.NoError(live.Write(dev, 0))
	r.NoError(live.Write(dev, 8))
	r.NoError(live.Write(dev, 32))
	r.NoError(live.Write(dev, 40))

	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	r.NotNil(ctx.NextFreeBlock)
	r.EqualValues(48, *ctx.NextFreeBlock)
}

// TestScenarioF_FullDevice is spec.md §8 Scenario F.
func TestScenarioF_FullDevice(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	live := header.Header{Tag: 0, Flags: 0, Revision: 0, BlockSize: 0, Checksum: []byte{0}}
	for addr := storage.Addr(0); addr < dev.Size(); addr += storage.Addr(dev.MaxBlockSize()) {
		r.NoError(live.Write(dev, addr))
	}

	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))
	r.Nil(ctx.NextFreeBlock)

	_, err := StartWrite(ctx, dev, 5, 1)
	r.ErrorIs(err, ErrDeviceFull)
}

func TestStartWriteZeroSizeCommitsSingleBlock(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	rh, err := StartWrite(ctx, dev, 1, 0)
	r.NoError(err)
	r.NoError(FinishWrite(dev, rh))

	hdr, ok := header.Read(dev, rh.StartBlock)
	r.True(ok)
	r.False(hdr.IsErased())
	r.False(hdr.IsContinuation())
	r.EqualValues(0, hdr.BlockSize)
}

func TestStartWriteExactlyOneBlock(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	payload := []byte{0x01, 0x02} // B - headerSize = 2
	rh, err := StartWrite(ctx, dev, 1, uint32(len(payload)))
	r.NoError(err)
	r.NoError(Write(dev, rh, payload))
	r.NoError(FinishWrite(dev, rh))

	r.EqualValues(rh.StartBlock, rh.CurrentBlock)
}

func TestStartWriteTwoBlocks(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	payload := []byte{0x01, 0x02, 0x03} // B - headerSize + 1
	rh, err := StartWrite(ctx, dev, 1, uint32(len(payload)))
	r.NoError(err)
	r.NoError(Write(dev, rh, payload))
	r.NoError(FinishWrite(dev, rh))

	r.NotEqual(rh.StartBlock, rh.CurrentBlock)

	dev.Reboot()
	freshCtx := newScenarioContext()
	r.NoError(Mount(freshCtx, dev))
	dest := make([]byte, 3)
	n, err := ReadObject(freshCtx, dev, 1, dest)
	r.NoError(err)
	r.Equal(3, n)
	r.Equal(payload, dest)
}

func TestWraparoundChainCrossesDeviceEnd(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()

	// Force the free run to start in the device's last block.
	last := storage.Addr(56)
	ctx := newScenarioContext()
	ctx.NextFreeBlock = &last

	payload := []byte{0x01, 0x02, 0x03, 0x04} // spans last block + block 0
	rh, err := StartWrite(ctx, dev, 1, uint32(len(payload)))
	r.NoError(err)
	r.EqualValues(56, rh.StartBlock)

	r.NoError(Write(dev, rh, payload))
	r.NoError(FinishWrite(dev, rh))

	freshCtx := newScenarioContext()
	r.NoError(Mount(freshCtx, dev))
	r.EqualValues(56, freshCtx.Headers[1].StartBlock)

	dest := make([]byte, 4)
	n, err := ReadObject(freshCtx, dev, 1, dest)
	r.NoError(err)
	r.Equal(4, n)
	r.Equal(payload, dest)
}

func TestRevisionZeroIsNewerThan255(t *testing.T) {
	r := require.New(t)

	// A header-only revision wraparound check: newerThan must treat 0
	// as newer than 255, independent of how many writes produced it.
	h255 := header.Header{Revision: 255}
	h0 := header.Header{Revision: 0}
	r.True(h0.NewerThan(h255))
	r.False(h255.NewerThan(h0))
}

func TestRevisionMonotonicityAcrossWrites(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	for k := 0; k < 5; k++ {
		rh, err := StartWrite(ctx, dev, 1, 1)
		r.NoError(err)
		r.NoError(Write(dev, rh, []byte{byte(k)}))
		r.NoError(FinishWrite(dev, rh))

		dev.Reboot()
		ctx = newScenarioContext()
		r.NoError(Mount(ctx, dev))
		r.EqualValues(k, ctx.Headers[1].Current.Revision)
	}
}

func TestTagZeroFFIsReserved(t *testing.T) {
	dev := scenarioDevice()
	ctx := newScenarioContext()
	require.NoError(t, Mount(ctx, dev))

	_, err := StartWrite(ctx, dev, 0xFF, 1)
	require.ErrorIs(t, err, ErrTagReserved)
}

func TestTagOutOfRangeIsIgnoredDuringScan(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	hdr := header.Header{Tag: 200, Flags: 0, Revision: 0, BlockSize: 0, Checksum: []byte{0}}
	r.NoError(hdr.Write(dev, 0))

	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))
	r.NotNil(ctx.NextFreeBlock)
	r.False(dev.IsLocked(0))
}

func TestMountLocksAndFreezesLiveChain(t *testing.T) {
	r := require.New(t)

	dev := scenarioDevice()
	ctx := newScenarioContext()
	r.NoError(Mount(ctx, dev))

	rh, err := StartWrite(ctx, dev, 1, 2)
	r.NoError(err)
	r.NoError(Write(dev, rh, []byte{0xAA, 0xBB}))
	r.NoError(FinishWrite(dev, rh))

	dev.Reboot()
	freshCtx := newScenarioContext()
	r.NoError(Mount(freshCtx, dev))

	r.True(dev.IsLocked(0))
	r.True(dev.Frozen())
	r.Error(dev.Write([]byte{0x00}, 0))
}
