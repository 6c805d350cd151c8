// Package status implements the Status Area of spec.md §4.1: a named,
// mutex-protected shared region holding a flat text dictionary of 80-char
// keyword/value records, terminated by an "END" record.
package status

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/nrao-gbt/guppi-daq/internal/sema"
	"github.com/nrao-gbt/guppi-daq/internal/shm"
)

const (
	// RecordSize is the fixed width of every keyword/value record.
	RecordSize = 80
	// KeySize is the width of the right-padded 8-character key field.
	KeySize = 8
	// DefaultSize is the total size of the status region's text buffer,
	// chosen generously enough to hold every key spec.md §6 names plus
	// headroom for observation parameters, matching the "typically a few
	// KiB" size the original dictionary buffer used.
	DefaultSize = 184 * RecordSize

	endRecord = "END"
)

// Name is the default shared-region name for the status area.
const Name = "guppi_status"

// Area is a handle to the mutex-protected status dictionary.
type Area struct {
	region *shm.Region
	mutex  *sema.Sema // binary semaphore: 1 == unlocked, 0 == locked
	buf    []byte
}

// totalSize is the full region size: one sema.Size mutex slot followed by
// the text buffer.
func totalSize(bufSize int) int {
	return sema.Size + bufSize
}

// Create allocates and initializes a new status area.
func Create(name string) (*Area, error) {
	region, err := shm.Create(name, totalSize(DefaultSize))
	if err != nil {
		return nil, fmt.Errorf("status: create: %w", err)
	}
	a := newArea(region)
	a.mutex.Init(1)
	a.clearLocked()
	return a, nil
}

// Attach maps an existing status area.
func Attach(name string) (*Area, error) {
	region, err := shm.Attach(name, totalSize(DefaultSize))
	if err != nil {
		return nil, fmt.Errorf("status: attach: %w", err)
	}
	return newArea(region), nil
}

// CreateOrAttach creates the status area if absent, otherwise attaches.
func CreateOrAttach(name string) (*Area, error) {
	region, err := shm.CreateOrAttach(name, totalSize(DefaultSize))
	if err != nil {
		return nil, fmt.Errorf("status: create-or-attach: %w", err)
	}
	a := newArea(region)
	// Only actually initialize the mutex/buffer if we are the creator;
	// detecting that requires checking whether the region already held an
	// END record. A freshly-created tmpfs file is zero-filled, so an
	// all-zero buffer is the create signal.
	if a.buf[0] == 0 {
		a.mutex.Init(1)
		a.clearLocked()
	}
	return a, nil
}

func newArea(region *shm.Region) *Area {
	return &Area{
		region: region,
		mutex:  sema.At(region.Slice(0, sema.Size)),
		buf:    region.Slice(sema.Size, DefaultSize),
	}
}

// Detach unmaps the status area.
func (a *Area) Detach() error {
	return a.region.Detach()
}

// Lock acquires the status mutex. Blocking; retried internally on signal
// interruption by sema.Sema.Wait.
func (a *Area) Lock() {
	a.mutex.Wait()
}

// Unlock releases the status mutex.
func (a *Area) Unlock() {
	a.mutex.Post()
}

// WithLock runs fn with the mutex held and guarantees release on every
// exit path, including a panic unwinding through fn -- the "cancellation-
// safe scoped release" spec.md §9 asks for, expressed as Go's structural
// defer rather than a manual lock/unlock pair.
func (a *Area) WithLock(fn func()) {
	a.Lock()
	defer a.Unlock()
	fn()
}

func (a *Area) clearLocked() {
	for i := range a.buf {
		a.buf[i] = ' '
	}
	copy(a.buf, padRecord(endRecord))
}

// PutString writes a string-valued keyword record. Must be called with the
// mutex held (callers normally wrap this in WithLock).
func (a *Area) PutString(key, value string) {
	a.putRecord(formatRecord(key, fmt.Sprintf("'%s'", value)))
}

// PutInt writes an integer-valued keyword record.
func (a *Area) PutInt(key string, value int64) {
	a.putRecord(formatRecord(key, strconv.FormatInt(value, 10)))
}

// PutDouble writes a floating point keyword record.
func (a *Area) PutDouble(key string, value float64) {
	a.putRecord(formatRecord(key, strconv.FormatFloat(value, 'g', -1, 64)))
}

// GetString reads back a string-valued record previously written with
// PutString, stripping the surrounding quotes.
func (a *Area) GetString(key string) (string, bool) {
	raw, ok := a.find(key)
	if !ok {
		return "", false
	}
	return strings.Trim(raw, "'"), true
}

// GetInt reads back an integer-valued record.
func (a *Area) GetInt(key string) (int64, bool) {
	raw, ok := a.find(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// GetDouble reads back a floating point record.
func (a *Area) GetDouble(key string) (float64, bool) {
	raw, ok := a.find(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// find scans the record buffer for key, returning its raw value text.
// spec.md §4.1 gives "no ordering guarantees between readers" but says
// nothing about write ordering among keys, so this does a straightforward
// linear scan rather than assuming any index.
func (a *Area) find(key string) (string, bool) {
	key = padKey(key)
	for off := 0; off+RecordSize <= len(a.buf); off += RecordSize {
		rec := a.buf[off : off+RecordSize]
		if bytes.HasPrefix(rec, []byte(endRecord)) {
			break
		}
		if string(rec[:KeySize]) == key {
			value := strings.TrimSpace(string(rec[KeySize:]))
			return strings.TrimSpace(strings.TrimPrefix(value, "=")), true
		}
	}
	return "", false
}

// putRecord writes rec into the first matching-key slot, or the slot
// currently holding END, moving END one record further if a new key is
// appended.
func (a *Area) putRecord(rec string) {
	key := rec[:KeySize]
	recBytes := []byte(rec)

	for off := 0; off+RecordSize <= len(a.buf); off += RecordSize {
		slot := a.buf[off : off+RecordSize]
		if string(slot[:KeySize]) == key {
			copy(slot, recBytes)
			return
		}
		if bytes.HasPrefix(slot, []byte(endRecord)) {
			copy(slot, recBytes)
			if off+2*RecordSize <= len(a.buf) {
				copy(a.buf[off+RecordSize:off+2*RecordSize], padRecord(endRecord))
			}
			return
		}
	}
	// Buffer full: drop silently rather than corrupt adjacent memory.
	// Real deployments size DefaultSize generously enough that this never
	// triggers for the fixed key set spec.md §6 names.
}

func padKey(key string) string {
	if len(key) >= KeySize {
		return key[:KeySize]
	}
	return key + strings.Repeat(" ", KeySize-len(key))
}

func formatRecord(key, value string) string {
	rec := padKey(key) + "= " + value
	return padRecord(rec)
}

func padRecord(s string) string {
	if len(s) >= RecordSize {
		return s[:RecordSize]
	}
	return s + strings.Repeat(" ", RecordSize-len(s))
}
