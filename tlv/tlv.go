// Package tlv implements the generic type-length-value walker shared by
// the discovery-protocol decoders (CDP, LLDP, MNDP, VTP, STUN): C3 from
// the design. The walker itself never interprets an attribute's payload;
// it hands back (Type, Value) pairs and lets the protocol package decide
// what to do with them, per the "TLV walkers as iterators" redesign note.
package tlv

import (
	"github.com/flowplugins/flowplugins/cursor"
)

// Record is one decoded attribute: a type tag and its value bytes. Value
// aliases the walker's underlying buffer and is only valid until the next
// call to Next.
type Record struct {
	Type  uint32
	Value []byte
}

// Width packs the type/length field layout for one protocol. TypeBits +
// LengthBits must be a multiple of 8 and at most 64: CDP and STUN use
// 16/16 (two separate 16-bit fields read as one 32-bit header), LLDP
// packs 7/9 into a single 16-bit word.
type Width struct {
	TypeBits   int
	LengthBits int
}

var (
	WidthCDP  = Width{TypeBits: 16, LengthBits: 16}
	WidthLLDP = Width{TypeBits: 7, LengthBits: 9}
	WidthSTUN = Width{TypeBits: 16, LengthBits: 16}
	WidthMNDP = Width{TypeBits: 16, LengthBits: 16}
	WidthVTP  = Width{TypeBits: 8, LengthBits: 8}
)

// LengthConvention selects whether a TLV's encoded length counts the
// header bytes (CDP-style) or only the value bytes (LLDP-style).
type LengthConvention int

const (
	LengthExcludesHeader LengthConvention = iota
	LengthIncludesHeader
)

// Walker iterates the attributes of one captured L7 slice.
type Walker struct {
	cur        *cursor.Cursor
	width      Width
	convention LengthConvention
	pad4       bool // STUN-style: skip to the next 4-byte boundary after each attribute

	// Snapped is set once a TLV's declared length exceeds the remaining
	// slice; Next returns ErrSnappedPayload exactly once and the walk is
	// over (spec §4.3: "terminates the walk").
	Snapped bool
}

// NewWalker wraps buf (already positioned at the first attribute; the
// caller has consumed any fixed protocol prologue) for TLV iteration.
func NewWalker(buf []byte, width Width, convention LengthConvention, pad4 bool) *Walker {
	return &Walker{cur: cursor.New(buf), width: width, convention: convention, pad4: pad4}
}

// ErrEndOfSlice is returned by Next once the buffer is exhausted; it is
// not a parse error.
var ErrEndOfSlice = cursor.ErrSnapped

// headerBytes returns how many bytes the packed type+length header
// occupies.
func (w *Walker) headerBytes() int {
	return (w.width.TypeBits + w.width.LengthBits) / 8
}

// Next returns the next attribute, or (Record{}, false, nil) when the
// slice is exhausted cleanly, or (Record{}, false, err) when a TLV's
// length overflows the remaining bytes (spec §4.3's SNAPPED_PAYLOAD
// case). Once that happens the walk is over; further calls also return
// the snapped state.
func (w *Walker) Next() (Record, bool, error) {
	if w.Snapped {
		return Record{}, false, nil
	}
	if w.cur.Remaining() == 0 {
		return Record{}, false, nil
	}
	if w.cur.Remaining() < w.headerBytes() {
		w.Snapped = true
		return Record{}, false, ErrSnappedPayload
	}

	header, err := readPackedHeader(w.cur, w.headerBytes())
	if err != nil {
		w.Snapped = true
		return Record{}, false, ErrSnappedPayload
	}

	lengthMask := uint64(1)<<uint(w.width.LengthBits) - 1
	typ := uint32(header >> uint(w.width.LengthBits))
	length := int(header & lengthMask)

	headerLen := w.headerBytes()
	valueLen := length
	if w.convention == LengthIncludesHeader {
		valueLen = length - headerLen
		if valueLen < 0 {
			w.Snapped = true
			return Record{}, false, ErrInvalidLength
		}
	}

	if valueLen > w.cur.Remaining() {
		w.Snapped = true
		return Record{}, false, ErrSnappedPayload
	}

	value, err := w.cur.PeekBytes(valueLen)
	if err != nil {
		w.Snapped = true
		return Record{}, false, ErrSnappedPayload
	}
	_ = w.cur.Skip(valueLen)

	if w.pad4 {
		pad := (4 - valueLen%4) % 4
		if pad > w.cur.Remaining() {
			pad = w.cur.Remaining()
		}
		_ = w.cur.Skip(pad)
	}

	return Record{Type: typ, Value: value}, true, nil
}

func readPackedHeader(c *cursor.Cursor, n int) (uint64, error) {
	var v uint64
	for i := 0; i < n; i++ {
		b, err := c.ReadU8()
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// MarkTypeSeen sets the bit for typ in mask, collapsing any type >= 31
// into bit 31 (spec §4.3 / §8: "types >= 31 collapse to bit 31").
func MarkTypeSeen(mask *uint32, typ uint32) {
	if typ >= 31 {
		*mask |= 1 << 31
	} else {
		*mask |= 1 << typ
	}
}

// CountTypesSeen returns the number of distinct bits set in mask — the
// invariant checked in spec §8 ("number of attributes walked ... equals
// the number of types recorded ... plus collisions").
func CountTypesSeen(mask uint32) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	return n
}

// BoundedList is a fixed-capacity, dedup-on-insert list of uint32 values
// (addresses, prefixes, TTLs — spec §4.3's "bounded lists ... deduplicate
// by linear scan up to a small cap").
type BoundedList struct {
	Values   []uint32
	Cap      int
	Overflow bool
}

// NewBoundedList creates a list with the given capacity (spec caps this
// family at 32).
func NewBoundedList(cap int) BoundedList {
	return BoundedList{Cap: cap}
}

// Add inserts v if not already present; returns false (and sets Overflow)
// if the list is full and v is new.
func (l *BoundedList) Add(v uint32) bool {
	for _, existing := range l.Values {
		if existing == v {
			return true
		}
	}
	if len(l.Values) >= l.Cap {
		l.Overflow = true
		return false
	}
	l.Values = append(l.Values, v)
	return true
}
