package fold

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Polyco is one polynomial-coefficient set in the standard pulsar timing
// "polyco.dat" format: a Taylor expansion of rotational phase valid over
// a short span centered on a reference epoch.
type Polyco struct {
	Source   string
	RefMJD   int
	RefFMJD  float64 // fraction of day
	RefPhase float64
	RefF0    float64 // reference spin frequency, Hz
	SpanMin  float64 // full validity span, minutes (InRange accepts ±SpanMin/2)
	Coeff    []float64
}

// refMJDFloat is the reference epoch as a single float MJD, used for phase
// extrapolation.
func (p *Polyco) refMJDFloat() float64 {
	return float64(p.RefMJD) + p.RefFMJD
}

// Phase evaluates the polynomial at (imjd, fmjd), returning rotational
// phase in turns (guppi_fold_thread.c / fold.c's eval_phase, not present
// in original_source/ but fully determined by the standard polyco
// definition: phase = refPhase + 60*dt*F0 + sum(coeff[i] * dt^i), dt in
// minutes since the reference epoch).
func (p *Polyco) Phase(imjd int, fmjd float64) float64 {
	dtDays := float64(imjd) + fmjd - p.refMJDFloat()
	dtMin := dtDays * 1440.0

	phase := p.RefPhase + dtMin*60.0*p.RefF0
	dtPow := 1.0
	for _, c := range p.Coeff {
		phase += c * dtPow
		dtPow *= dtMin
	}
	return phase
}

// InRange reports whether (imjd, fmjd) falls within this polyco's
// validity span.
func (p *Polyco) InRange(imjd int, fmjd float64) bool {
	dtDays := float64(imjd) + fmjd - p.refMJDFloat()
	dtMin := math.Abs(dtDays * 1440.0)
	return dtMin <= p.SpanMin/2.0
}

// Source is the polyco selection interface spec.md §4.4 calls
// select_pc(source, imjd, fmjd): given an observation's source name and
// epoch, find the matching coefficient set.
type Source interface {
	SelectPC(source string, imjd int, fmjd float64) (*Polyco, error)
}

// FileSource loads polyco sets from a polyco.dat-format file on each
// Refresh call, matching guppi_fold_thread.c's refresh_polycos flag
// behavior (reloaded once per observation setup, not per block).
type FileSource struct {
	path string
	sets []Polyco
}

// NewFileSource returns a Source backed by the given polyco.dat path. The
// file is not read until Refresh is called.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Refresh reloads the polyco sets from disk.
func (s *FileSource) Refresh() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("fold: open polyco file: %w", err)
	}
	defer f.Close()

	sets, err := parsePolycoFile(f)
	if err != nil {
		return fmt.Errorf("fold: parse polyco file %s: %w", s.path, err)
	}
	if len(sets) == 0 {
		return fmt.Errorf("fold: polyco file %s contained no records", s.path)
	}
	s.sets = sets
	return nil
}

// SelectPC returns the first loaded polyco set whose source matches (case
// sensitive, as the original format requires) and whose validity span
// covers (imjd, fmjd).
func (s *FileSource) SelectPC(source string, imjd int, fmjd float64) (*Polyco, error) {
	for i := range s.sets {
		pc := &s.sets[i]
		if pc.Source != source {
			continue
		}
		if pc.InRange(imjd, fmjd) {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("fold: no matching polyco (source=%s imjd=%d fmjd=%f)", source, imjd, fmjd)
}

// parsePolycoFile parses the two-line-header-plus-coefficients polyco.dat
// record format: a first line of "SOURCE refMJD UTC(sec) spanMin ncoeff
// freqMHz", a second line carrying the reference phase and frequency, and
// one or more lines of coefficients packed three to a line.
func parsePolycoFile(f *os.File) ([]Polyco, error) {
	scanner := bufio.NewScanner(f)
	var sets []Polyco

	for scanner.Scan() {
		line1 := strings.TrimSpace(scanner.Text())
		if line1 == "" {
			continue
		}
		fields := strings.Fields(line1)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed polyco header line: %q", line1)
		}
		source := fields[0]
		refMJD, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("bad ref mjd in %q: %w", line1, err)
		}
		refSec, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("bad ref utc in %q: %w", line1, err)
		}
		spanMin, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("bad span in %q: %w", line1, err)
		}
		ncoeff, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("bad ncoeff in %q: %w", line1, err)
		}

		if !scanner.Scan() {
			return nil, fmt.Errorf("truncated polyco record for %s", source)
		}
		line2 := strings.Fields(scanner.Text())
		if len(line2) < 2 {
			return nil, fmt.Errorf("malformed polyco reference line: %q", scanner.Text())
		}
		refPhase, err := strconv.ParseFloat(line2[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad ref phase: %w", err)
		}
		refF0, err := strconv.ParseFloat(line2[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad ref f0: %w", err)
		}

		coeff := make([]float64, 0, ncoeff)
		for len(coeff) < ncoeff {
			if !scanner.Scan() {
				return nil, fmt.Errorf("truncated coefficient list for %s", source)
			}
			for _, tok := range strings.Fields(scanner.Text()) {
				v, err := strconv.ParseFloat(tok, 64)
				if err != nil {
					return nil, fmt.Errorf("bad coefficient %q: %w", tok, err)
				}
				coeff = append(coeff, v)
			}
		}

		sets = append(sets, Polyco{
			Source:   source,
			RefMJD:   refMJD,
			RefFMJD:  refSec / 86400.0,
			RefPhase: refPhase,
			RefF0:    refF0,
			SpanMin:  spanMin,
			Coeff:    coeff,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sets, nil
}
