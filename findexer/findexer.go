// Package findexer maintains the chained flow-index (and optional
// packet-index) files that let a later pass locate, for any flow, the
// byte offsets of its packets inside the PCAPs captured during a run
// (C8, spec §4.8). Both files share one little-endian, append-only,
// singly-linked-list layout: a header, a chain of per-PCAP records, and
// under each PCAP record a chain of per-flow records.
package findexer

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

var (
	magicFlow   = [8]byte{'F', 'I', 'N', 'D', 'E', 'X', 'E', '2'}
	magicPacket = [8]byte{'P', 'K', 'T', 'S', 'X', 'E', 'R', '2'}
)

// Per-flow record flag bits (spec §6).
const (
	FlagReverse  uint8 = 1 << 0
	FlagFirstXer uint8 = 1 << 1
	FlagLastXer  uint8 = 1 << 2
)

// Kind distinguishes the flow-index file from the optional packet-index
// file; both share the chained layout but assign different meaning to
// the per-PCAP record's second and third fields (spec §4.8).
type Kind uint8

const (
	KindFlow Kind = iota
	KindPacket
)

const headerLenFlow = 20   // magic(8) + pcapCount(4) + firstPCAPPtr(8)
const headerLenPacket = 36 // headerLenFlow + captureEpoch sec/usec(8+8)

// IndexFile is one physical chained-index output file. It is append-only:
// new records are written at the current end of file, and predecessor
// "next" pointers are patched in place with a seek-write-seek.
type IndexFile struct {
	f         *os.File
	kind      Kind
	pcapCount uint32
	size      int64

	firstPCAPPtrOff int64 // header field to patch when the first PCAP record is added

	curPCAPOff         int64 // offset of the currently open per-PCAP record
	curPCAPField2Off   int64 // flow-count / first-packet-number field
	curPCAPField3Off   int64 // first-flow-pointer / last-packet-number field
	curPCAPFlowCount   uint64
	curPCAPFirstPktNum uint64
	curPCAPLastPktNum  uint64
	curPCAPPacketsSeen bool
	tailFlowNextPtrOff int64 // next-flow-pointer field of the most recently appended flow record, -1 if none yet
}

// Create opens path for writing and emits the file header.
func Create(path string, kind Kind) (*IndexFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "findexer: create %q", path)
	}
	ix := &IndexFile{f: f, kind: kind, tailFlowNextPtrOff: -1}
	if err := ix.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *IndexFile) magic() [8]byte {
	if ix.kind == KindPacket {
		return magicPacket
	}
	return magicFlow
}

func (ix *IndexFile) writeHeader() error {
	magic := ix.magic()
	buf := make([]byte, 0, headerLenPacket)
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // pcap count, patched later
	ix.firstPCAPPtrOff = int64(len(buf))
	buf = binary.LittleEndian.AppendUint64(buf, 0) // first pcap pointer
	if ix.kind == KindPacket {
		buf = binary.LittleEndian.AppendUint64(buf, 0) // capture epoch sec
		buf = binary.LittleEndian.AppendUint64(buf, 0) // capture epoch usec
	}
	n, err := ix.f.Write(buf)
	ix.size += int64(n)
	return err
}

func (ix *IndexFile) patchUint32(off int64, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	_, err := ix.f.WriteAt(b, off)
	return err
}

func (ix *IndexFile) patchUint64(off int64, v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	_, err := ix.f.WriteAt(b, off)
	return err
}

func (ix *IndexFile) appendAt(b []byte) (int64, error) {
	off := ix.size
	n, err := ix.f.Write(b)
	ix.size += int64(n)
	return off, err
}

// BeginPCAP appends a per-PCAP record for name, chaining the predecessor
// record's next-PCAP pointer (or the header's first-PCAP pointer, if this
// is the first) to it in place.
func (ix *IndexFile) BeginPCAP(name string) error {
	recOff := ix.size

	buf := make([]byte, 0, 26+len(name))
	buf = binary.LittleEndian.AppendUint64(buf, 0) // next-pcap pointer
	buf = binary.LittleEndian.AppendUint64(buf, 0) // field2, patched as packets/flows arrive
	buf = binary.LittleEndian.AppendUint64(buf, 0) // field3
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)

	if _, err := ix.appendAt(buf); err != nil {
		return errors.Wrap(err, "findexer: append pcap record")
	}

	if ix.pcapCount == 0 {
		if err := ix.patchUint64(ix.firstPCAPPtrOff, uint64(recOff)); err != nil {
			return err
		}
	} else {
		if err := ix.patchUint64(ix.curPCAPOff, uint64(recOff)); err != nil {
			return err
		}
	}
	ix.pcapCount++
	if err := ix.patchUint32(8, ix.pcapCount); err != nil {
		return err
	}

	ix.curPCAPOff = recOff
	ix.curPCAPField2Off = recOff + 8
	ix.curPCAPField3Off = recOff + 16
	ix.curPCAPFlowCount = 0
	ix.curPCAPFirstPktNum = 0
	ix.curPCAPLastPktNum = 0
	ix.curPCAPPacketsSeen = false
	ix.tailFlowNextPtrOff = -1
	return nil
}

// RecordPacketNumber updates the packet-index file's running
// first/last-packet-number bookkeeping for the current PCAP (only
// meaningful on a KindPacket file).
func (ix *IndexFile) RecordPacketNumber(n uint64) error {
	if !ix.curPCAPPacketsSeen {
		ix.curPCAPFirstPktNum = n
		ix.curPCAPPacketsSeen = true
		if err := ix.patchUint64(ix.curPCAPField2Off, n); err != nil {
			return err
		}
	}
	ix.curPCAPLastPktNum = n
	return ix.patchUint64(ix.curPCAPField3Off, n)
}

// AppendFlowRecord appends one flow record under the currently open PCAP,
// chaining it onto the PCAP's flow-record list (first-flow pointer if
// this is the first flow record, else the prior tail's next-flow
// pointer).
func (ix *IndexFile) AppendFlowRecord(globalFlowID uint64, flags uint8, offsets []uint64) error {
	recOff := ix.size

	buf := make([]byte, 0, 25+8*len(offsets))
	buf = binary.LittleEndian.AppendUint64(buf, 0) // next-flow pointer
	buf = binary.LittleEndian.AppendUint64(buf, globalFlowID)
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(offsets)))
	for _, o := range offsets {
		buf = binary.LittleEndian.AppendUint64(buf, o)
	}

	if _, err := ix.appendAt(buf); err != nil {
		return errors.Wrap(err, "findexer: append flow record")
	}

	if ix.tailFlowNextPtrOff < 0 {
		if err := ix.patchUint64(ix.curPCAPField3Off, uint64(recOff)); err != nil {
			return err
		}
	} else {
		if err := ix.patchUint64(ix.tailFlowNextPtrOff, uint64(recOff)); err != nil {
			return err
		}
	}
	ix.tailFlowNextPtrOff = recOff // the next-flow-pointer field IS the record's first 8 bytes

	ix.curPCAPFlowCount++
	return ix.patchUint64(ix.curPCAPField2Off, ix.curPCAPFlowCount)
}

func (ix *IndexFile) Size() int64 { return ix.size }

func (ix *IndexFile) Close() error { return ix.f.Close() }

// flowAccum is the in-memory state kept for one still-open flow: the
// packet offsets recorded since its last flow-record emission, and
// whether any record has ever been written for it yet (spec §4.8's
// first-xer flag).
type flowAccum struct {
	globalID    uint64
	reverse     bool
	offsets     []uint64
	everEmitted bool
}

// Options configures output location and split-output thresholds (spec
// §6: split_output, split_threshold).
type Options struct {
	OutputDir         string
	FilePrefix        string
	EnablePacketIndex bool
	SplitFlowCount    int
	SplitBytes        int64
}

// Findexer drives one capture run's flow-index (and optional
// packet-index) files, including mid-run split-output rotation.
type Findexer struct {
	opts    Options
	flowIdx *IndexFile
	pktIdx  *IndexFile
	accum   map[uint64]*flowAccum
	fileSeq int
	pcapName string
}

func New(opts Options) *Findexer {
	return &Findexer{opts: opts, accum: make(map[uint64]*flowAccum)}
}

func (fx *Findexer) path(kind Kind) string {
	suffix := "flow"
	if kind == KindPacket {
		suffix = "pkt"
	}
	return fmt.Sprintf("%s/%s%s_%d.idx", fx.opts.OutputDir, fx.opts.FilePrefix, suffix, fx.fileSeq)
}

// Open creates the index file(s) for a freshly started capture run.
func (fx *Findexer) Open(pcapName string) error {
	flowIdx, err := Create(fx.path(KindFlow), KindFlow)
	if err != nil {
		return err
	}
	fx.flowIdx = flowIdx

	if fx.opts.EnablePacketIndex {
		pktIdx, err := Create(fx.path(KindPacket), KindPacket)
		if err != nil {
			return err
		}
		fx.pktIdx = pktIdx
	}
	return fx.beginPCAP(pcapName)
}

func (fx *Findexer) beginPCAP(name string) error {
	fx.pcapName = name
	if err := fx.flowIdx.BeginPCAP(name); err != nil {
		return err
	}
	if fx.pktIdx != nil {
		if err := fx.pktIdx.BeginPCAP(name); err != nil {
			return err
		}
	}
	return nil
}

// NewPCAP is called when the underlying capture moves to a new physical
// PCAP file, appending a fresh per-PCAP record to each open index file.
func (fx *Findexer) NewPCAP(name string) error {
	return fx.beginPCAP(name)
}

// RecordPacket accumulates one packet's byte offset for globalFlowID,
// minted fresh the first time this flow is seen.
func (fx *Findexer) RecordPacket(globalFlowID uint64, reverse bool, pcapByteOffset uint64, packetNumber uint64) error {
	a, ok := fx.accum[globalFlowID]
	if !ok {
		a = &flowAccum{globalID: globalFlowID, reverse: reverse}
		fx.accum[globalFlowID] = a
	}
	a.offsets = append(a.offsets, pcapByteOffset)

	if fx.pktIdx != nil {
		if err := fx.pktIdx.RecordPacketNumber(packetNumber); err != nil {
			return err
		}
	}
	return nil
}

func (fx *Findexer) flagsFor(a *flowAccum, lastXer bool) uint8 {
	var flags uint8
	if a.reverse {
		flags |= FlagReverse
	}
	if !a.everEmitted {
		flags |= FlagFirstXer
	}
	if lastXer {
		flags |= FlagLastXer
	}
	return flags
}

// FlowTerminate re-emits globalFlowID's flow record with the last-xer
// flag set and releases its in-memory offset list (spec §4.8).
func (fx *Findexer) FlowTerminate(globalFlowID uint64) error {
	a, ok := fx.accum[globalFlowID]
	if !ok {
		return nil
	}
	flags := fx.flagsFor(a, true)
	if err := fx.flowIdx.AppendFlowRecord(a.globalID, flags, a.offsets); err != nil {
		return err
	}
	delete(fx.accum, globalFlowID)
	return fx.maybeSplit()
}

// maybeSplit flushes every still-open flow (re-emitting its record
// without the last-xer flag, preserving backward-reachability) and
// rotates to a freshly numbered index file if the split thresholds are
// exceeded (spec §4.8).
func (fx *Findexer) maybeSplit() error {
	overBytes := fx.opts.SplitBytes > 0 && fx.flowIdx.Size() >= fx.opts.SplitBytes
	overFlows := fx.opts.SplitFlowCount > 0 && len(fx.accum) >= fx.opts.SplitFlowCount
	if !overBytes && !overFlows {
		return nil
	}
	return fx.rotate()
}

func (fx *Findexer) rotate() error {
	for id, a := range fx.accum {
		flags := fx.flagsFor(a, false)
		if err := fx.flowIdx.AppendFlowRecord(a.globalID, flags, a.offsets); err != nil {
			return err
		}
		a.offsets = nil
		a.everEmitted = true
		fx.accum[id] = a
	}

	if err := fx.flowIdx.Close(); err != nil {
		return err
	}
	if fx.pktIdx != nil {
		if err := fx.pktIdx.Close(); err != nil {
			return err
		}
	}

	fx.fileSeq++
	flowIdx, err := Create(fx.path(KindFlow), KindFlow)
	if err != nil {
		return err
	}
	fx.flowIdx = flowIdx
	if fx.opts.EnablePacketIndex {
		pktIdx, err := Create(fx.path(KindPacket), KindPacket)
		if err != nil {
			return err
		}
		fx.pktIdx = pktIdx
	}
	return fx.beginPCAP(fx.pcapName)
}

// Close flushes every still-open flow's record and closes the index
// files.
func (fx *Findexer) Close() error {
	for id, a := range fx.accum {
		flags := fx.flagsFor(a, true)
		if err := fx.flowIdx.AppendFlowRecord(a.globalID, flags, a.offsets); err != nil {
			return err
		}
		delete(fx.accum, id)
	}
	if err := fx.flowIdx.Close(); err != nil {
		return err
	}
	if fx.pktIdx != nil {
		return fx.pktIdx.Close()
	}
	return nil
}
