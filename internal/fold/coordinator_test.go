package fold

import (
	"context"
	"fmt"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nrao-gbt/guppi-daq/internal/databuf"
	"github.com/nrao-gbt/guppi-daq/internal/shm"
	"github.com/nrao-gbt/guppi-daq/internal/status"
)

type fixedSource struct{ pc Polyco }

func (f fixedSource) SelectPC(source string, imjd int, fmjd float64) (*Polyco, error) {
	pc := f.pc
	return &pc, nil
}

func testID(t *testing.T, salt string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Name() + salt))
	return int(h.Sum32()%100000) + 1
}

func writeHeaderFieldsForTest(hdr []byte, fields map[string]string) {
	const recordSize = 80
	i := 0
	for k, v := range fields {
		rec := fmt.Sprintf("%-8s= %-70s", k, v)
		copy(hdr[i*recordSize:(i+1)*recordSize], rec)
		i++
	}
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *databuf.Ring, *databuf.Ring) {
	t.Helper()
	idIn := testID(t, "in")
	idOut := testID(t, "out")

	nameIn := databuf.Name(idIn)
	_ = shm.Remove(nameIn)
	ringIn, err := databuf.Create(idIn, 2, 64, 16*80, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ringIn.Detach(); _ = shm.Remove(nameIn) })

	nameOut := databuf.Name(idOut)
	_ = shm.Remove(nameOut)
	ringOut, err := databuf.Create(idOut, 2, 64, 16*80, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ringOut.Detach(); _ = shm.Remove(nameOut) })

	statusName := fmt.Sprintf("guppi_status_fold_test_%d", idIn)
	_ = shm.Remove(statusName)
	st, err := status.Create(statusName)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Detach(); _ = shm.Remove(statusName) })

	src := fixedSource{pc: Polyco{Source: "PSR1", RefMJD: 55000, RefF0: 0, SpanMin: 1e9}}

	c, err := New(cfg, ringIn, ringOut, st, nil, src, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return c, ringIn, ringOut
}

// TestFoldIntegrationBoundary is spec.md's S6: a block whose PKTIDX==0
// after the first observation setup closes out the current integration,
// folding all preceding blocks into one output block, and rolls over to a
// fresh output block for the next integration.
func TestFoldIntegrationBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NWorker = 1
	cfg.NBin = 4
	cfg.IntegrationSec = 1e9 // never trigger via elapsed time, only via PKTIDX==0

	c, ringIn, ringOut := newTestCoordinator(t, cfg)
	ctx := context.Background()

	fields := map[string]string{
		"SRC_NAME": "PSR1",
		"STT_IMJD": "55000",
		"STT_SMJD": "0",
		"TBIN":     "0",
		"OBSNCHAN": "1",
		"NPOL":     "1",
		"NBIN":     "4",
		"PKTIDX":   "0",
		"PKTSIZE":  "8",
		"NPKT":     "1",
		"NDROP":    "0",
	}

	// First block: establishes observation parameters, launches one
	// worker, does not yet trigger a boundary (c.first guards it).
	c.curBlockIn = 0
	ringIn.WaitFree(0)
	writeHeaderFieldsForTest(ringIn.Header(0), fields)
	for i := range ringIn.Data(0) {
		ringIn.Data(0)[i] = byte(i + 1)
	}
	ringIn.SetFilled(0)
	ringIn.WaitFilled(0)
	require.NoError(t, c.processBlock(ctx))
	require.EqualValues(t, 1, c.occupied.Count())
	require.Equal(t, 0, c.curBlockOut)

	// Second block: PKTIDX==0 again, with c.first now false, triggers the
	// integration boundary.
	c.curBlockIn = 1
	ringIn.WaitFree(1)
	writeHeaderFieldsForTest(ringIn.Header(1), fields)
	for i := range ringIn.Data(1) {
		ringIn.Data(1)[i] = byte(i + 1)
	}
	ringIn.SetFilled(1)
	ringIn.WaitFilled(1)
	require.NoError(t, c.processBlock(ctx))

	require.Equal(t, 1, c.curBlockOut, "boundary must roll output to the next block")
	require.Equal(t, databuf.StateFilled, ringOut.State(0), "prior integration's output block must be marked filled")
	require.EqualValues(t, 1, c.occupied.Count(), "the boundary-triggering block still launches its own worker")
}

func TestFoldSkipsBlocksNotMatchingSourceGlob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SourceGlob = "OTHER*"

	c, ringIn, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()

	fields := map[string]string{
		"SRC_NAME": "PSR1",
		"STT_IMJD": "55000",
		"STT_SMJD": "0",
		"PKTIDX":   "0",
	}
	c.curBlockIn = 0
	ringIn.WaitFree(0)
	writeHeaderFieldsForTest(ringIn.Header(0), fields)
	ringIn.SetFilled(0)
	ringIn.WaitFilled(0)

	require.NoError(t, c.processBlock(ctx))
	require.Equal(t, databuf.StateClear, ringIn.State(0), "non-matching source block must be released immediately")
	require.EqualValues(t, 0, c.occupied.Count())
}
