// Package fold implements the fold stage of spec.md §4.4: a coordinator
// that drains ring-A blocks, dispatches bounded parallel fold workers, and
// periodically merges their partial results into a ring-B output block at
// each integration boundary.
//
// Grounded directly on original_source/src/guppi_fold_thread.c (the
// coordinator loop, per-thread FoldBuf allocation, join-on-
// saturation-or-boundary logic, polyco reload/select, header
// copy-and-overwrite).
package fold

import (
	"fmt"
	"math"
)

// FoldBuf accumulates folded power into an (nbin, nchan, npol) histogram,
// alongside a per-bin hit count used to normalize the final profile.
// Mirrors the original's struct foldbuf (data + count arrays).
type FoldBuf struct {
	NBin, NChan, NPol int
	Data              []float64
	Count             []uint32
}

// NewFoldBuf allocates a zeroed buffer of the given shape.
func NewFoldBuf(nbin, nchan, npol int) *FoldBuf {
	n := nbin * nchan * npol
	return &FoldBuf{
		NBin:  nbin,
		NChan: nchan,
		NPol:  npol,
		Data:  make([]float64, n),
		Count: make([]uint32, n),
	}
}

// Reshape reallocates the buffer if its shape differs, otherwise clears
// it in place. guppi_fold_thread.c reallocates foldbufs only on first
// observation setup; later reshapes are treated the same way here so a
// mid-run NCHAN/NPOL change degrades gracefully instead of corrupting
// data.
func (fb *FoldBuf) Reshape(nbin, nchan, npol int) {
	n := nbin * nchan * npol
	if fb.NBin == nbin && fb.NChan == nchan && fb.NPol == npol && len(fb.Data) == n {
		fb.Clear()
		return
	}
	fb.NBin, fb.NChan, fb.NPol = nbin, nchan, npol
	fb.Data = make([]float64, n)
	fb.Count = make([]uint32, n)
}

// Clear zeroes the buffer's contents in place without reallocating.
func (fb *FoldBuf) Clear() {
	for i := range fb.Data {
		fb.Data[i] = 0
	}
	for i := range fb.Count {
		fb.Count[i] = 0
	}
}

func (fb *FoldBuf) index(ibin, ichan, ipol int) int {
	return (ipol*fb.NChan+ichan)*fb.NBin + ibin
}

// Add accumulates one power sample into bin (ibin, ichan, ipol).
func (fb *FoldBuf) Add(ibin, ichan, ipol int, power float64) {
	idx := fb.index(ibin, ichan, ipol)
	fb.Data[idx] += power
	fb.Count[idx]++
}

// Accumulate merges src into dst bin-for-bin (guppi_fold_thread.c's
// accumulate_folds). Both buffers must share a shape.
func Accumulate(dst, src *FoldBuf) error {
	if dst.NBin != src.NBin || dst.NChan != src.NChan || dst.NPol != src.NPol {
		return fmt.Errorf("fold: accumulate shape mismatch: dst=(%d,%d,%d) src=(%d,%d,%d)",
			dst.NBin, dst.NChan, dst.NPol, src.NBin, src.NChan, src.NPol)
	}
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
		dst.Count[i] += src.Count[i]
	}
	return nil
}

// Profile returns the normalized (data/count) value at a bin, or 0 if the
// bin was never hit.
func (fb *FoldBuf) Profile(ibin, ichan, ipol int) float64 {
	idx := fb.index(ibin, ichan, ipol)
	if fb.Count[idx] == 0 {
		return 0
	}
	return fb.Data[idx] / float64(fb.Count[idx])
}

// WriteTo serializes the buffer into a ring block's data region in the
// same (data..., then count...) layout guppi_fold_thread.c uses to cast a
// block's raw memory directly into a struct foldbuf.
func (fb *FoldBuf) WriteTo(block []byte) error {
	need := len(fb.Data)*8 + len(fb.Count)*4
	if len(block) < need {
		return fmt.Errorf("fold: block too small for foldbuf: need %d, have %d", need, len(block))
	}
	off := 0
	for _, v := range fb.Data {
		putFloat64(block[off:off+8], v)
		off += 8
	}
	for _, v := range fb.Count {
		putUint32(block[off:off+4], v)
		off += 4
	}
	return nil
}

func putFloat64(b []byte, v float64) {
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * uint(i)))
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
