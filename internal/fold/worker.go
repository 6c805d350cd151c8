package fold

import "fmt"

// FoldBlock runs spec.md §4.4's per-block fold: for each raw sample in
// data (laid out time-major, channel next, polarization fastest, as
// 8-bit signed values per guppi_fold_thread.c's raw_signed=1), compute
// its rotational phase from pc and accumulate its power into the
// matching bin of fb.
//
// Grounded on guppi_fold_thread.c's fold_8bit_power_thread dispatch
// (nsamp/tsamp/raw_signed arguments); the original's actual sample-power
// kernel lives in fold.c, not present in original_source/, so the power
// computation here (signed-sample square) follows the same 8-bit power
// detection spec.md §4.4 describes without inventing cross-pol products
// the spec doesn't ask for.
func FoldBlock(fb *FoldBuf, data []byte, pc *Polyco, imjd int, fmjd float64, tsamp float64, nsamp int) error {
	if fb.NChan <= 0 || fb.NPol <= 0 {
		return fmt.Errorf("fold: foldbuf has non-positive shape (%d,%d,%d)", fb.NBin, fb.NChan, fb.NPol)
	}

	stride := fb.NChan * fb.NPol
	avail := len(data) / stride
	if nsamp <= 0 || nsamp > avail {
		nsamp = avail
	}

	for t := 0; t < nsamp; t++ {
		sampleFMJD := fmjd + (float64(t)*tsamp)/86400.0
		phase := pc.Phase(imjd, sampleFMJD)
		phase -= float64(int64(phase)) // fractional turns
		if phase < 0 {
			phase += 1
		}
		ibin := int(phase * float64(fb.NBin))
		if ibin >= fb.NBin {
			ibin = fb.NBin - 1
		}

		base := t * stride
		for ichan := 0; ichan < fb.NChan; ichan++ {
			for ipol := 0; ipol < fb.NPol; ipol++ {
				raw := int8(data[base+ichan*fb.NPol+ipol])
				power := float64(raw) * float64(raw)
				fb.Add(ibin, ichan, ipol, power)
			}
		}
	}
	return nil
}
