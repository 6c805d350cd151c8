package capture

import (
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nrao-gbt/guppi-daq/internal/databuf"
	"github.com/nrao-gbt/guppi-daq/internal/shm"
	"github.com/nrao-gbt/guppi-daq/internal/status"
)

func testID(t *testing.T) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Name()))
	return int(h.Sum32()%100000) + 1
}

// newTestCapture wires a Capture against a small short-format ring (512
// bytes of payload per packet, 8 packets per block) and a status area,
// without opening any real socket -- tests drive Capture.ingest directly.
func newTestCapture(t *testing.T) (*Capture, *databuf.Ring, *status.Area) {
	t.Helper()
	id := testID(t)

	ringName := databuf.Name(id)
	_ = shm.Remove(ringName)
	ring, err := databuf.Create(id, 4, 8*512, 64, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ring.Detach()
		_ = shm.Remove(ringName)
	})

	statusName := "guppi_status_capture_test"
	_ = shm.Remove(statusName)
	st, err := status.Create(statusName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Detach()
		_ = shm.Remove(statusName)
	})

	cfg := DefaultConfig()
	cfg.Enable1SFAOld = false
	c := New(cfg, ring, st, nil, zaptest.NewLogger(t).Sugar())
	return c, ring, st
}

func shortPacket(seq uint64, fill byte) []byte {
	p := make([]byte, sizeShort)
	for i := range p[8 : sizeShort-8] {
		p[8+i] = fill
	}
	// leading 8-byte sequence counter per spec.md §6.
	for i := 0; i < 8; i++ {
		p[i] = byte(seq >> (8 * (7 - i)))
	}
	return p
}

// TestIngestNormalSequence is the baseline: consecutive sequence numbers
// place packets into consecutive slots with no drops.
func TestIngestNormalSequence(t *testing.T) {
	c, ring, _ := newTestCapture(t)

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, c.ingest(FormatShort, int64(i), shortPacket(i, byte(i+1))))
	}
	require.EqualValues(t, 0, c.nDroppedTotal)
	require.EqualValues(t, 3, c.nPacketsTotal)
	require.Equal(t, 0, c.curBlock)

	// Release the block so state is left consistent for cleanup.
	_ = ring
}

// TestIngestZeroFillsGap is spec.md's S2: a forward gap in the sequence
// causes the missing slots to be zero-filled and counted as dropped,
// without blocking later packets.
func TestIngestZeroFillsGap(t *testing.T) {
	c, ring, _ := newTestCapture(t)

	require.NoError(t, c.ingest(FormatShort, 0, shortPacket(0, 0xAA)))
	// Skip sequence 1,2: a gap of size 2.
	require.NoError(t, c.ingest(FormatShort, 3, shortPacket(3, 0xBB)))

	require.EqualValues(t, 2, c.nDroppedBlock)
	require.EqualValues(t, 2, c.nPacketsBlock)

	data := ring.Data(c.curBlock)
	payloadSize := 512
	// Slot 1 and 2 (the gap) must be all zero.
	for slot := 1; slot <= 2; slot++ {
		seg := data[slot*payloadSize : (slot+1)*payloadSize]
		for _, b := range seg {
			require.Zerof(t, b, "slot %d should be zero-filled", slot)
		}
	}
	// Slot 0 and 3 must carry the real payload fill bytes.
	require.Equal(t, byte(0xAA), data[0])
	require.Equal(t, byte(0xBB), data[3*payloadSize])
}

// TestIngestBackwardJumpForcesRollover is spec.md's S3: a sequence
// regression past the rollover threshold seals the in-progress block
// (finishBlock marks it filled) and starts a fresh one anchored at the new
// sequence number.
func TestIngestBackwardJumpForcesRollover(t *testing.T) {
	c, _, _ := newTestCapture(t)

	require.NoError(t, c.ingest(FormatShort, 2000, shortPacket(2000, 1)))
	require.NoError(t, c.ingest(FormatShort, 2001, shortPacket(2001, 1)))

	firstBlock := c.curBlock

	// A large backward jump (delta well past -1024) forces rollover.
	require.NoError(t, c.ingest(FormatShort, 0, shortPacket(0, 2)))

	require.NotEqual(t, firstBlock, c.curBlock)
	require.EqualValues(t, 0, c.curBlockSeq)
}

// TestIngestBackwardJumpRolloverAlignsToBlockBoundary verifies
// guppi_net_thread.c:205-206's block-boundary alignment
// ("curblock_seq_num = p.seq_num - (p.seq_num % packets_per_block)"): a
// forced rollover landing on a sequence number that is not itself a
// multiple of packets_per_block (8, for this ring) must still anchor the
// new block at the preceding boundary, and place the triggering packet at
// the resulting non-zero slot rather than slot 0.
func TestIngestBackwardJumpRolloverAlignsToBlockBoundary(t *testing.T) {
	c, ring, _ := newTestCapture(t)

	require.NoError(t, c.ingest(FormatShort, 4000, shortPacket(4000, 1)))
	require.NoError(t, c.ingest(FormatShort, 4001, shortPacket(4001, 1)))

	// Force a rollover onto a sequence number that is not block-aligned
	// (2001 % 8 == 1).
	require.NoError(t, c.ingest(FormatShort, 2001, shortPacket(2001, 2)))

	require.EqualValues(t, 2000, c.curBlockSeq, "new block must anchor at the boundary below 2001, not 2001 itself")

	payloadSize := 512
	data := ring.Data(c.curBlock)
	require.Equal(t, byte(2), data[1*payloadSize], "packet 2001 belongs in slot 1 (2001-2000), not slot 0")
	for _, b := range data[0:payloadSize] {
		require.Zero(t, b, "slot 0 (seq 2000, never received) must still be zero")
	}
}

// TestIngestSmallBackwardJumpSilentlyDropped verifies a small backward
// jump (within the rollover threshold) is dropped without disturbing the
// current block or sequence tracking.
func TestIngestSmallBackwardJumpSilentlyDropped(t *testing.T) {
	c, _, _ := newTestCapture(t)

	require.NoError(t, c.ingest(FormatShort, 10, shortPacket(10, 1)))
	block := c.curBlock
	seq := c.lastSeqNum

	require.NoError(t, c.ingest(FormatShort, 9, shortPacket(9, 1)))

	require.Equal(t, block, c.curBlock)
	require.Equal(t, seq, c.lastSeqNum)
}

// TestHandlePacketRejectsBogusSize is spec.md's S4: an unrecognized wire
// size is rejected as bogus and counted as dropped, never placed into a
// block.
func TestHandlePacketRejectsBogusSize(t *testing.T) {
	c, _, _ := newTestCapture(t)

	err := c.handlePacket(make([]byte, 777))
	require.Error(t, err)
	require.EqualValues(t, 1, c.nDroppedTotal)
}
