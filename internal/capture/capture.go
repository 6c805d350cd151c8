// Package capture implements the UDP capture stage of spec.md §4.3: it
// receives packets on a UDP socket, classifies and sequences them, and
// assembles them into ring-A blocks with gap-filling and drop accounting.
//
// Grounded directly on original_source/src/guppi_net_thread.c (the main
// loop, sequence-delta handling, block rollover/zero-fill, drop-fraction
// EMA) and guppi_udp.c (socket setup, per-format classification and
// payload extraction, now split out into formats.go).
package capture

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nrao-gbt/guppi-daq/internal/control"
	"github.com/nrao-gbt/guppi-daq/internal/databuf"
	"github.com/nrao-gbt/guppi-daq/internal/status"
	"github.com/nrao-gbt/guppi-daq/internal/vdif"
)

// Config holds the capture stage's tunables, loaded from the top-level
// YAML configuration's "capture" section (SPEC_FULL.md §1.2).
type Config struct {
	Port       int    `yaml:"port"`
	Sender     string `yaml:"sender"` // "" or "any" accepts packets from every sender
	RecvBuf    datasize.ByteSize `yaml:"recv_buf"`
	CPU        int    `yaml:"cpu"`
	NChan      int    `yaml:"nchan"`

	Enable1SFAOld bool `yaml:"enable_1sfa_old"`
	ParkesMode    bool `yaml:"parkes_mode"`
	ParkesAccLen  int  `yaml:"parkes_acc_len"` // IBOB accumulation length (= reg_acclen+1)
	ParkesNPol    int  `yaml:"parkes_npol"`

	RingID     int `yaml:"ring_id"`
	NBlock     int `yaml:"n_block"`
	BlockSize  int `yaml:"block_size"`
	HeaderSize int `yaml:"header_size"`

	PacketsPerSec int `yaml:"packets_per_sec"` // VDIF sequencing only

	// PollTimeout bounds how long a receive poll waits before the capture
	// loop re-checks the run flag and republishes NETSTAT=waiting
	// (guppi_net_thread.c uses a 1-second select timeout).
	PollTimeout time.Duration `yaml:"-"`
}

// DefaultConfig mirrors the constants guppi_net_thread.c and guppi_udp.c
// hard-code.
func DefaultConfig() Config {
	return Config{
		Port:          60000,
		Sender:        "",
		RecvBuf:       128 * datasize.MB,
		CPU:           3,
		NChan:         1,
		Enable1SFAOld: false,
		ParkesMode:    false,
		ParkesAccLen:  1,
		ParkesNPol:    2,
		RingID:        1,
		NBlock:        24,
		BlockSize:     32 * 1024 * 1024,
		HeaderSize:    184 * 80,
		PacketsPerSec: 25600,
		PollTimeout:   time.Second,
	}
}

// dropEMAAlpha is the exponential-moving-average weight guppi_net_thread.c
// uses for the running drop fraction.
const dropEMAAlpha = 0.25

// rolloverDelta is the backward-jump threshold beyond which
// guppi_net_thread.c treats a sequence regression as a deliberate restart
// (force rollover) rather than a stray reordered packet (silent drop).
const rolloverDelta = -1024

// Capture runs the capture stage's receive loop.
type Capture struct {
	cfg    Config
	ring   *databuf.Ring
	status *status.Area
	run    *control.Run
	conn   *net.UDPConn
	senderAddr *net.UDPAddr
	vdif   vdif.HeaderReader
	log    *zap.SugaredLogger

	vdifRef     bool
	vdifRefSec  int
	vdifRefMJD  int

	curBlock      int
	curBlockSeq   int64 // sequence number of block's first packet, -1 if unset
	lastSeqNum    int64
	haveLastSeq   bool

	nPacketsBlock int64
	nDroppedBlock int64
	nPacketsTotal int64
	nDroppedTotal int64
	dropFracAvg   float64
}

// New constructs a Capture stage bound to the given ring and status area.
// The UDP socket itself is opened lazily in Run so construction never
// blocks or fails on network setup.
func New(cfg Config, ring *databuf.Ring, st *status.Area, run *control.Run, log *zap.SugaredLogger) *Capture {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Capture{
		cfg:         cfg,
		ring:        ring,
		status:      st,
		run:         run,
		vdif:        vdif.NewDefaultReader(),
		log:         log.Named("capture"),
		curBlock:    -1,
		curBlockSeq: -1,
	}
}

func (c *Capture) Name() string { return "capture" }

// openSocket reproduces guppi_udp.c's guppi_udp_init: a UDP socket with an
// enlarged receive buffer. The socket is never connected; when a sender
// other than "" or "any" is configured, its resolved address is recorded
// and Run drops packets from any other IP.
func (c *Capture) openSocket() error {
	laddr := &net.UDPAddr{Port: c.cfg.Port}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("capture: listen udp :%d: %w", c.cfg.Port, err)
	}

	if err := conn.SetReadBuffer(int(c.cfg.RecvBuf.Bytes())); err != nil {
		c.log.Warnw("failed to set receive buffer size", "want", c.cfg.RecvBuf, "err", err)
	}

	if c.cfg.Sender != "" && c.cfg.Sender != "any" {
		raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", c.cfg.Sender, c.cfg.Port))
		if err != nil {
			conn.Close()
			return fmt.Errorf("capture: resolve sender %q: %w", c.cfg.Sender, err)
		}
		// net.UDPConn has no connect-after-listen; guppi_udp.c's connect()
		// restricts the accepted peer. The equivalent we can express
		// without cgo is a read-side filter, applied in Run.
		c.senderAddr = raddr
	}

	c.conn = conn
	return nil
}

// Run executes the capture loop until ctx is cancelled. It implements
// spec.md §4.3's full per-packet pipeline: receive, classify, sequence,
// gap handling, block rollover, copy, status publication.
func (c *Capture) Run(ctx context.Context) error {
	if err := c.bindCPU(); err != nil {
		c.log.Warnw("cpu affinity/priority setup failed, continuing unaffined", "err", err)
	}

	if err := c.openSocket(); err != nil {
		return err
	}
	defer c.conn.Close()

	c.status.WithLock(func() {
		c.status.PutString("NETSTAT", "waiting")
		c.status.PutInt("NDROP", 0)
		c.status.PutDouble("DROPAVG", 0)
	})

	buf := make([]byte, 65536)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.run != nil && !c.run.Running() {
			return nil
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PollTimeout)); err != nil {
			return fmt.Errorf("capture: set read deadline: %w", err)
		}

		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.status.WithLock(func() { c.status.PutString("NETSTAT", "waiting") })
				continue
			}
			return fmt.Errorf("capture: read udp: %w", err)
		}

		if c.senderAddr != nil && !addr.IP.Equal(c.senderAddr.IP) {
			continue // reject packets from an unexpected sender
		}

		c.status.WithLock(func() { c.status.PutString("NETSTAT", "receiving") })

		if err := c.handlePacket(buf[:n]); err != nil {
			c.log.Warnw("dropping malformed packet", "err", err)
		}
	}
}

// bindCPU applies best-effort CPU affinity, grounded on
// guppi_net_thread.c's sched_setaffinity call: it pins the calling OS
// thread to cfg.CPU, and a negative CPU skips pinning. It does not change
// the scheduling priority; no setpriority call is made.
func (c *Capture) bindCPU() error {
	if c.cfg.CPU < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(c.cfg.CPU)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity cpu %d: %w", c.cfg.CPU, err)
	}
	return nil
}

func (c *Capture) handlePacket(packet []byte) error {
	if c.cfg.ParkesMode {
		if err := ParkesToGuppi(packet, c.cfg.ParkesAccLen, c.cfg.ParkesNPol, c.cfg.NChan); err != nil {
			return err
		}
	}

	format := Classify(len(packet), c.cfg.Enable1SFAOld)
	if format == FormatBogus {
		c.nDroppedBlock++
		c.nDroppedTotal++
		return fmt.Errorf("bogus packet size %d", len(packet))
	}

	seq, err := SeqNum(format, packet, c, c.cfg.PacketsPerSec)
	if err != nil {
		return err
	}

	return c.ingest(format, int64(seq), packet)
}

// VDIFSeqNum implements VDIFSeqRef (formats.go): it anchors the first VDIF
// packet's (MJD, second) as sequence zero and derives every subsequent
// packet's linear index from the elapsed seconds and frame number, per
// spec.md §6.
func (c *Capture) VDIFSeqNum(packet []byte, packetsPerSec int) uint64 {
	sec := c.vdif.FrameSecond(packet)
	mjd := c.vdif.FrameMJD(packet)
	frame := c.vdif.FrameNumber(packet)

	if !c.vdifRef {
		c.vdifRef = true
		c.vdifRefSec = sec
		c.vdifRefMJD = mjd
	}

	elapsedDays := mjd - c.vdifRefMJD
	elapsedSec := int64(elapsedDays)*86400 + int64(sec-c.vdifRefSec)
	return uint64(elapsedSec*int64(packetsPerSec) + int64(frame))
}

// ingest reproduces guppi_net_thread.c's main-loop body: compute the
// sequence delta against the last packet, classify it as a forced
// rollover, a silent backward-drop, or normal forward progress, and place
// the packet's payload into the current block (rolling over and
// zero-filling as needed).
func (c *Capture) ingest(format Format, seq int64, packet []byte) error {
	if !c.haveLastSeq {
		c.haveLastSeq = true
		c.lastSeqNum = seq
		if err := c.startBlock(format, len(packet), seq); err != nil {
			return err
		}
	}

	delta := seq - c.lastSeqNum

	switch {
	case delta < rolloverDelta:
		// Large backward jump: the sender restarted. Force a rollover to a
		// fresh block anchored at the new sequence number.
		c.log.Warnw("sequence regression beyond rollover threshold, forcing new block", "delta", delta)
		if err := c.finishBlock(); err != nil {
			return err
		}
		if err := c.startBlock(format, len(packet), seq); err != nil {
			return err
		}
	case delta < 0:
		// Small backward jump: a stray reordered/duplicate packet. Drop
		// silently, matching guppi_net_thread.c.
		return nil
	default:
		// Forward progress (delta >= 0): fill any gap with zeroed packets
		// before placing this one.
		for i := int64(1); i < delta; i++ {
			if err := c.placeZeroPacket(format, c.lastSeqNum+i); err != nil {
				return err
			}
		}
	}

	c.lastSeqNum = seq
	return c.placePacket(format, seq, packet)
}

func (c *Capture) packetsPerBlock(format Format, wireSize int) (int, error) {
	payloadSize, err := BlockPayloadSize(format, wireSize)
	if err != nil {
		return 0, err
	}
	if payloadSize <= 0 {
		return 0, fmt.Errorf("capture: non-positive payload size for format %v", format)
	}
	return c.ring.BlockSize() / payloadSize, nil
}

// startBlock acquires the next ring block as producer and anchors it at
// the block-aligned sequence number at or below firstSeq, reproducing
// guppi_net_thread.c:205-206's
// "curblock_seq_num = p.seq_num - (p.seq_num % packets_per_block)": a
// block's first slot is always a multiple of packets_per_block, even when
// the packet that triggered the new block (a backward-jump rollover, or
// simply the first packet of the run) landed mid-block.
func (c *Capture) startBlock(format Format, wireSize int, firstSeq int64) error {
	perBlock, err := c.packetsPerBlock(format, wireSize)
	if err != nil {
		return err
	}
	aligned := firstSeq
	if perBlock > 0 {
		aligned = firstSeq - firstSeq%int64(perBlock)
	}

	c.curBlock = (c.curBlock + 1) % c.ring.NBlock()
	c.ring.WaitFree(c.curBlock)
	c.curBlockSeq = aligned
	c.nPacketsBlock = 0
	c.nDroppedBlock = 0

	hdr := c.ring.Header(c.curBlock)
	for i := range hdr {
		hdr[i] = 0
	}
	writeHeaderField(hdr, "PKTIDX", aligned)
	return nil
}

// placePacket writes a real packet's payload into its slot in the current
// block, rolling over to the next block if the sequence number has
// advanced past this block's capacity.
func (c *Capture) placePacket(format Format, seq int64, packet []byte) error {
	perBlock, err := c.packetsPerBlock(format, len(packet))
	if err != nil {
		return err
	}

	if seq >= c.curBlockSeq+int64(perBlock) {
		if err := c.finishBlock(); err != nil {
			return err
		}
		if err := c.startBlock(format, len(packet), seq); err != nil {
			return err
		}
	}

	slot := int(seq - c.curBlockSeq)
	payloadSize, err := BlockPayloadSize(format, len(packet))
	if err != nil {
		return err
	}

	data := c.ring.Data(c.curBlock)
	start := slot * payloadSize
	if start+payloadSize > len(data) {
		return fmt.Errorf("capture: packet slot %d overflows block (payload %d, block %d)", slot, payloadSize, len(data))
	}
	CopyPayload(data[start:start+payloadSize], format, packet, c.cfg.NChan)

	c.nPacketsBlock++
	c.nPacketsTotal++
	return nil
}

// placeZeroPacket fills a missing sequence slot with zeros, as
// guppi_net_thread.c does for every gap between the last received packet
// and the current one.
func (c *Capture) placeZeroPacket(format Format, seq int64) error {
	wireSize := CanonicalWireSize(format)
	perBlock, err := c.packetsPerBlock(format, wireSize)
	if err != nil {
		return err
	}
	if perBlock == 0 {
		return nil
	}

	if seq >= c.curBlockSeq+int64(perBlock) {
		if err := c.finishBlock(); err != nil {
			return err
		}
		if err := c.startBlock(format, wireSize, seq); err != nil {
			return err
		}
	}

	slot := int(seq - c.curBlockSeq)
	payloadSize, err := BlockPayloadSize(format, wireSize)
	if err != nil {
		return err
	}

	data := c.ring.Data(c.curBlock)
	start := slot * payloadSize
	if start >= 0 && start+payloadSize <= len(data) {
		for i := start; i < start+payloadSize; i++ {
			data[i] = 0
		}
	}

	c.nDroppedBlock++
	c.nDroppedTotal++
	return nil
}

// finishBlock writes the block's final packet/drop counters, updates the
// drop-fraction EMA, publishes status, and releases the block to the fold
// stage.
func (c *Capture) finishBlock() error {
	if c.curBlock < 0 {
		return nil
	}

	hdr := c.ring.Header(c.curBlock)
	writeHeaderField(hdr, "NPKT", c.nPacketsBlock)
	writeHeaderField(hdr, "NDROP", c.nDroppedBlock)

	total := c.nPacketsBlock + c.nDroppedBlock
	var blockFrac float64
	if total > 0 {
		blockFrac = float64(c.nDroppedBlock) / float64(total)
	}
	c.dropFracAvg = dropEMAAlpha*blockFrac + (1-dropEMAAlpha)*c.dropFracAvg

	c.status.WithLock(func() {
		c.status.PutDouble("DROPAVG", c.dropFracAvg)
		c.status.PutInt("DROPTOT", c.nDroppedTotal)
		c.status.PutInt("DROPBLK", c.nDroppedBlock)
	})

	c.ring.SetFilled(c.curBlock)
	return nil
}

// writeHeaderField writes an ASCII "KEY=value" record into a raw block
// header byte slice, following the same 80-byte fixed-record convention
// as the status area, but without a shared mutex -- the block header is
// exclusively owned by the current producer/consumer holder.
func writeHeaderField(hdr []byte, key string, value int64) {
	const recordSize = 80
	rec := fmt.Sprintf("%-8s= %-70d", key, value)
	if len(rec) > recordSize {
		rec = rec[:recordSize]
	}
	for i := 0; i+recordSize <= len(hdr); i += recordSize {
		if hdr[i] == 0 || hdr[i] == ' ' {
			copy(hdr[i:i+recordSize], rec)
			return
		}
		existing := string(hdr[i : i+8])
		if existing == fmt.Sprintf("%-8s", key) {
			copy(hdr[i:i+recordSize], rec)
			return
		}
	}
}
