// Package ringextractor implements the ring buffer and background
// extractor thread that writes matched flows out to a PCAP (C7): a
// fixed-size byte ring holds recently seen packets, a per-flow ring
// remembers where in the main ring each of that flow's packets landed,
// and when a decoder flags a flow LIVE_EXTRACT the flow's outstanding
// offsets move to a to-extract queue a single background goroutine
// drains (spec §4.7, §5).
package ringextractor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"

	"github.com/flowplugins/flowplugins/flow"
)

// recordHeaderLen is the size of the ring's own internal per-record
// header (timestamp sec/usec, captured length, original length) — not
// to be confused with the PCAP record header pcapgo writes to the
// output file.
const recordHeaderLen = 16

// SwitchSentinel in the to-extract ring signals a flow-count-triggered
// output switch, since byte-count switches are detected by the
// background thread itself (spec §4.7).
const SwitchSentinel = uint64(math.MaxUint64)

var ErrEvicted = errors.New("ringextractor: record offset no longer resident in ring")

// Options configures ring capacity, per-flow offset retention, and the
// split-output thresholds (spec §6: split_output, split_threshold).
type Options struct {
	RingCapacity     int
	PerFlowRingDepth int
	OutputDir        string
	OutputPrefix     string
	SplitBytes       int64
	SplitFlowCount   int
}

type pendingItem struct {
	flowID flow.Index
	offset uint64
}

// Ring is the fixed-capacity byte ring plus its bookkeeping. It is safe
// for concurrent use by the capture thread and the background writer.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	head uint64 // monotonic offset of oldest valid byte
	tail uint64 // monotonic offset of next write position

	flowRings map[flow.Index][]uint64

	toExtract []pendingItem

	opts     Options
	stopCh   chan struct{}
	doneCh   chan struct{}
	out      io.WriteCloser
	outPath  string
	pcapW    *pcapgo.Writer
	curBytes int64
	curFlows int
	fileSeq  int
}

// New allocates the ring and prepares (but does not start) the
// background writer.
func New(opts Options) *Ring {
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = 4 << 20
	}
	if opts.PerFlowRingDepth <= 0 {
		opts.PerFlowRingDepth = 64
	}
	return &Ring{
		buf:       make([]byte, opts.RingCapacity),
		flowRings: make(map[flow.Index][]uint64),
		opts:      opts,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the single background writer goroutine (spec §5: "one
// background thread exists").
func (r *Ring) Start() error {
	if err := r.openNextOutput(); err != nil {
		return err
	}
	go r.writerLoop()
	return nil
}

// Append writes one packet's record into the ring, evicting the oldest
// records as needed to make room, and records the offset in the flow's
// per-flow ring. The mutex is held only for this bookkeeping, never
// across I/O (spec §5).
func (r *Ring) Append(idx flow.Index, ts time.Time, origLen int, payload []byte) uint64 {
	need := uint64(recordHeaderLen + len(payload))

	r.mu.Lock()
	defer r.mu.Unlock()

	if need > uint64(len(r.buf)) {
		// Record too large for the ring outright; nothing to record.
		return r.tail
	}
	for r.tail-r.head+need > uint64(len(r.buf)) {
		r.evictOldestLocked()
	}

	offset := r.tail
	r.writeRecordLocked(offset, ts, origLen, payload)
	r.tail = offset + need

	fr := r.flowRings[idx]
	fr = append(fr, offset)
	if len(fr) > r.opts.PerFlowRingDepth {
		fr = fr[len(fr)-r.opts.PerFlowRingDepth:]
	}
	r.flowRings[idx] = fr

	return offset
}

func (r *Ring) evictOldestLocked() {
	if r.tail == r.head {
		return
	}
	hdr := r.readAtLocked(r.head, recordHeaderLen)
	capLen := binary.LittleEndian.Uint32(hdr[8:12])
	r.head += uint64(recordHeaderLen) + uint64(capLen)
}

func (r *Ring) writeRecordLocked(offset uint64, ts time.Time, origLen int, payload []byte) {
	hdr := make([]byte, recordHeaderLen)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(origLen))
	r.writeAtLocked(offset, hdr)
	r.writeAtLocked(offset+recordHeaderLen, payload)
}

func (r *Ring) writeAtLocked(offset uint64, data []byte) {
	cap64 := uint64(len(r.buf))
	pos := offset % cap64
	n := copy(r.buf[pos:], data)
	if n < len(data) {
		copy(r.buf, data[n:])
	}
}

func (r *Ring) readAtLocked(offset uint64, n int) []byte {
	cap64 := uint64(len(r.buf))
	pos := offset % cap64
	out := make([]byte, n)
	copied := copy(out, r.buf[pos:])
	if copied < n {
		copy(out[copied:], r.buf)
	}
	return out
}

// MarkLiveExtract atomically moves idx's outstanding offsets into the
// to-extract ring (spec §4.7: triggered when a decoder sets
// LIVE_EXTRACT on a flow).
func (r *Ring) MarkLiveExtract(idx flow.Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, off := range r.flowRings[idx] {
		r.toExtract = append(r.toExtract, pendingItem{flowID: idx, offset: off})
	}
	delete(r.flowRings, idx)
}

// enqueueSwitch pushes the sentinel that signals a flow-count-triggered
// output switch.
func (r *Ring) enqueueSwitch() {
	r.mu.Lock()
	r.toExtract = append(r.toExtract, pendingItem{offset: SwitchSentinel})
	r.mu.Unlock()
}

func (r *Ring) popPending() (pendingItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.toExtract) == 0 {
		return pendingItem{}, false
	}
	item := r.toExtract[0]
	r.toExtract = r.toExtract[1:]
	return item, true
}

// readRecord reads back the record at offset, returning ErrEvicted if it
// has since fallen out of the ring's retained window.
func (r *Ring) readRecord(offset uint64) (ts time.Time, origLen int, payload []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < r.head || offset >= r.tail {
		return time.Time{}, 0, nil, ErrEvicted
	}
	hdr := r.readAtLocked(offset, recordHeaderLen)
	sec := binary.LittleEndian.Uint32(hdr[0:4])
	usec := binary.LittleEndian.Uint32(hdr[4:8])
	capLen := binary.LittleEndian.Uint32(hdr[8:12])
	origLen = int(binary.LittleEndian.Uint32(hdr[12:16]))
	payload = r.readAtLocked(offset+recordHeaderLen, int(capLen))
	ts = time.Unix(int64(sec), int64(usec)*1000)
	return ts, origLen, payload, nil
}

// writerLoop is the single background thread: it dequeues pending
// offsets, reads the backing record without holding the mutex during
// I/O, and writes it to the currently open output PCAP (spec §5).
func (r *Ring) writerLoop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			r.drainRemaining()
			return
		default:
		}

		item, ok := r.popPending()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		r.handleItem(item)
	}
}

func (r *Ring) handleItem(item pendingItem) {
	if item.offset == SwitchSentinel {
		_ = r.rotateOutput()
		return
	}
	ts, origLen, payload, err := r.readRecord(item.offset)
	if err != nil {
		return // silently skipped: overwritten since enqueue (spec §4.7)
	}
	r.writePacket(ts, origLen, payload)
}

func (r *Ring) drainRemaining() {
	for {
		item, ok := r.popPending()
		if !ok {
			return
		}
		r.handleItem(item)
	}
}

func (r *Ring) writePacket(ts time.Time, origLen int, payload []byte) {
	if r.pcapW == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(payload),
		Length:        origLen,
	}
	if err := r.pcapW.WritePacket(ci, payload); err != nil {
		return
	}
	r.curBytes += int64(len(payload) + 16)
	r.curFlows++
	if (r.opts.SplitBytes > 0 && r.curBytes >= r.opts.SplitBytes) ||
		(r.opts.SplitFlowCount > 0 && r.curFlows >= r.opts.SplitFlowCount) {
		_ = r.rotateOutput()
	}
}

func (r *Ring) outputPath() string {
	name := fmt.Sprintf("%s%d.pcap", r.opts.OutputPrefix, r.fileSeq)
	if r.opts.OutputDir != "" {
		return r.opts.OutputDir + "/" + name
	}
	return name
}

func (r *Ring) openNextOutput() error {
	path := r.outputPath()
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "ringextractor: create output %q", path)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return errors.Wrap(err, "ringextractor: write pcap header")
	}
	r.out = f
	r.outPath = path
	r.pcapW = w
	r.curBytes = 0
	r.curFlows = 0
	r.fileSeq++
	return nil
}

// rotateOutput closes the current output (unlinking it if it only ever
// got a header written) and opens the next numbered file.
func (r *Ring) rotateOutput() error {
	path := r.outPath
	wroteAnyPacket := r.curFlows > 0
	if r.out != nil {
		r.out.Close()
	}
	if !wroteAnyPacket {
		_ = os.Remove(path)
	}
	return r.openNextOutput()
}

// TriggerSplit requests a flow-count-triggered switch explicitly, per
// spec §4.7's sentinel-offset signal.
func (r *Ring) TriggerSplit() {
	r.enqueueSwitch()
}

// Finalize stops the background thread, drains any buffered offsets,
// and unlinks an output file left with only its header (spec §5).
// Calling Finalize again is a no-op.
func (r *Ring) Finalize() error {
	select {
	case <-r.stopCh:
		return nil
	default:
	}
	close(r.stopCh)
	<-r.doneCh
	if r.out != nil {
		wroteAnyPacket := r.curFlows > 0
		path := r.outPath
		r.out.Close()
		if !wroteAnyPacket {
			_ = os.Remove(path)
		}
	}
	return nil
}
