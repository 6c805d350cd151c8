package databuf

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nrao-gbt/guppi-daq/internal/shm"
)

func newTestRing(t *testing.T, nBlock, blockSize, headerSize int) (*Ring, int) {
	t.Helper()
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Name()))
	id := int(h.Sum32()%100000) + 1
	name := Name(id)
	_ = shm.Remove(name)

	r, err := Create(id, nBlock, blockSize, headerSize, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Detach()
		_ = shm.Remove(name)
	})
	return r, id
}

// TestRingRoundTrip is spec.md's S1 scenario: N=4, a producer writes byte
// pattern i into block i (mod 4) for i=0..9, a consumer reads each in
// order, no deadlock.
func TestRingRoundTrip(t *testing.T) {
	r, _ := newTestRing(t, 4, 1024, 64)

	var wg sync.WaitGroup
	wg.Add(2)

	seen := make([]byte, 0, 10)
	var mu sync.Mutex

	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			blk := i % 4
			r.WaitFree(blk)
			data := r.Data(blk)
			for j := range data {
				data[j] = byte(i)
			}
			r.SetFilled(blk)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			blk := i % 4
			r.WaitFilled(blk)
			data := r.Data(blk)
			mu.Lock()
			seen = append(seen, data[0])
			mu.Unlock()
			r.SetFree(blk)
		}
	}()

	wg.Wait()

	want := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.Equal(t, want, seen)
}

func TestRingInitialState(t *testing.T) {
	r, _ := newTestRing(t, 3, 16, 8)

	for i := 0; i < r.NBlock(); i++ {
		require.Equal(t, StateClear, r.State(i))
	}
	require.EqualValues(t, 0, r.FilledCount())
}

func TestRingStateTransitions(t *testing.T) {
	r, _ := newTestRing(t, 2, 16, 8)

	r.WaitFree(0)
	require.Equal(t, StateBusyProducer, r.State(0))

	r.SetFilled(0)
	require.Equal(t, StateFilled, r.State(0))
	require.EqualValues(t, 1, r.FilledCount())

	r.WaitFilled(0)
	require.Equal(t, StateBusyConsumer, r.State(0))

	r.SetFree(0)
	require.Equal(t, StateClear, r.State(0))
	require.EqualValues(t, 0, r.FilledCount())
}

func TestRingHeaderAndDataIsolated(t *testing.T) {
	r, _ := newTestRing(t, 2, 32, 16)

	r.WaitFree(0)
	copy(r.Header(0), []byte("PKTIDX=0"))
	copy(r.Data(0), strings.Repeat("A", 32))
	r.SetFilled(0)

	r.WaitFilled(0)
	require.Equal(t, "PKTIDX=0", string(r.Header(0)[:8]))
	require.Equal(t, strings.Repeat("A", 32), string(r.Data(0)))
	r.SetFree(0)
}

func TestRingAttach(t *testing.T) {
	r, id := newTestRing(t, 4, 128, 32)

	attached, err := Attach(id, nil)
	require.NoError(t, err)
	defer attached.Detach()

	require.Equal(t, r.NBlock(), attached.NBlock())
	require.Equal(t, r.BlockSize(), attached.BlockSize())
	require.Equal(t, r.HeaderSize(), attached.HeaderSize())

	r.WaitFree(0)
	copy(r.Data(0), []byte("hello"))
	r.SetFilled(0)

	attached.WaitFilled(0)
	require.Equal(t, "hello", string(attached.Data(0)[:5]))
	attached.SetFree(0)
}

func TestCreateRejectsTooFewBlocks(t *testing.T) {
	name := Name(999999)
	_ = shm.Remove(name)
	_, err := Create(999999, 1, 16, 8, nil)
	require.Error(t, err)
}

func TestRingName(t *testing.T) {
	require.Equal(t, "guppi_databuf_1", Name(1))
	require.Equal(t, fmt.Sprintf("guppi_databuf_%d", 2), Name(2))
}
