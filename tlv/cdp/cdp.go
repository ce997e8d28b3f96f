// Package cdp decodes Cisco Discovery Protocol frames: a fixed prologue
// (version, TTL, checksum) followed by a CDP-convention TLV stream, whose
// length field includes the 4-byte attribute header.
package cdp

import (
	"encoding/binary"

	"github.com/flowplugins/flowplugins/cursor"
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/tlv"
)

// Attribute types, matching Tranalyzer's cdpDecode.h.
const (
	tlvDeviceID   = 0x0001
	tlvAddresses  = 0x0002
	tlvPortID     = 0x0003
	tlvCaps       = 0x0004
	tlvSWVersion  = 0x0005
	tlvPlatform   = 0x0006
)

// Status bits (cdpStat), matching the original plugin's bit assignment.
const (
	StatCDP  uint8 = 0x01 // flow is CDP
	StatStr  uint8 = 0x20 // string truncated
	StatLen  uint8 = 0x40 // invalid TLV length
	StatSnap uint8 = 0x80 // snapped payload
)

const (
	maxAddrs    = 5
	strLen      = 25
	longStrLen  = 100
)

type flowState struct {
	active      bool
	status      uint8
	version     uint8
	ttl         uint8
	device      string
	platform    string
	portID      string
	typesSeen   uint32
	lastTLVType uint32 // advisory-only, see SPEC_FULL.md §9 and §10
	addrs       tlv.BoundedList
}

// Decoder implements plugin.Plugin for CDP.
type Decoder struct {
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string { return "cdpDecode" }

func (d *Decoder) Init(capacity int) error {
	d.states = make([]flowState, capacity)
	return nil
}

func (d *Decoder) OnNewFlow(_ *flow.Packet, idx flow.Index, _ flow.Table) {
	d.states[idx] = flowState{addrs: tlv.NewBoundedList(maxAddrs)}
}

func (d *Decoder) OnLayer2(_ *flow.Packet, _ flow.Index, _ flow.Table) {}

func (d *Decoder) OnLayer4(pkt *flow.Packet, idx flow.Index, _ flow.Table) {
	payload := pkt.L7()
	if len(payload) == 0 {
		return
	}
	st := &d.states[idx]

	c := cursor.New(payload)
	version, err := c.ReadU8()
	if err != nil {
		return
	}
	ttl, err := c.ReadU8()
	if err != nil {
		st.status |= StatSnap
		return
	}
	if _, err := c.ReadU16(); err != nil { // checksum, unchecked
		st.status |= StatSnap
		return
	}

	st.active = true
	st.status |= StatCDP
	st.version = version
	st.ttl = ttl

	rest, _ := c.PeekBytes(c.Remaining())
	w := tlv.NewWalker(rest, tlv.WidthCDP, tlv.LengthIncludesHeader, false)
	for {
		rec, ok, err := w.Next()
		if err == tlv.ErrInvalidLength {
			st.status |= StatLen
			break
		}
		if err != nil {
			st.status |= StatSnap
			break
		}
		if !ok {
			break
		}
		tlv.MarkTypeSeen(&st.typesSeen, rec.Type)
		st.lastTLVType = rec.Type
		d.handleAttribute(st, rec)
	}
}

func (d *Decoder) handleAttribute(st *flowState, rec tlv.Record) {
	switch rec.Type {
	case tlvDeviceID:
		st.device = readBoundedString(rec.Value, longStrLen, &st.status)
	case tlvPlatform:
		st.platform = readBoundedString(rec.Value, strLen, &st.status)
	case tlvPortID:
		st.portID = readBoundedString(rec.Value, strLen, &st.status)
	case tlvAddresses:
		d.parseAddresses(st, rec.Value)
	case tlvCaps, tlvSWVersion:
		// Recognized but not surfaced as an output column in this module.
	default:
		// Unknown type: the walker has already advanced past it.
	}
}

func readBoundedString(raw []byte, max int, status *uint8) string {
	c := cursor.New(raw)
	dst := make([]byte, max)
	s, err := c.ReadString(len(raw), dst, max, cursor.UTF8, true)
	if err == cursor.ErrTruncated {
		*status |= StatStr
	}
	return s
}

// parseAddresses walks CDP's nested "number of addresses" + per-address
// (protocol-type, protocol-length, protocol, address-length, address)
// sub-structure for the Protocol=IP case, deduplicating into the bounded
// list (spec §4.3).
func (d *Decoder) parseAddresses(st *flowState, raw []byte) {
	c := cursor.New(raw)
	n, err := c.ReadU32()
	if err != nil {
		return
	}
	for i := uint32(0); i < n; i++ {
		protoType, err := c.ReadU8()
		if err != nil {
			return
		}
		protoLen, err := c.ReadU8()
		if err != nil {
			return
		}
		proto := make([]byte, protoLen)
		if err := c.ReadBytes(proto); err != nil {
			return
		}
		addrLen, err := c.ReadU16()
		if err != nil {
			return
		}
		addr := make([]byte, addrLen)
		if err := c.ReadBytes(addr); err != nil {
			return
		}
		if protoType == 1 && protoLen == 1 && len(proto) == 1 && proto[0] == 0xcc && addrLen == 4 {
			v := binary.BigEndian.Uint32(addr)
			if !d.addAddr(st, v) {
				return
			}
		}
	}
}

func (d *Decoder) addAddr(st *flowState, v uint32) bool {
	return st.addrs.Add(v)
}

func (d *Decoder) OnFlowTerminate(idx flow.Index, _ flow.Table, b *schema.Builder) error {
	st := d.states[idx]
	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteU8(st.version); err != nil {
		return err
	}
	if err := b.WriteU8(st.ttl); err != nil {
		return err
	}
	if err := b.WriteString(st.device); err != nil {
		return err
	}
	if err := b.WriteString(st.platform); err != nil {
		return err
	}
	if err := b.WriteString(st.portID); err != nil {
		return err
	}
	if err := b.WriteU32(st.typesSeen); err != nil {
		return err
	}
	rw, err := b.WriteRepeated(len(st.addrs.Values))
	if err != nil {
		return err
	}
	for _, v := range st.addrs.Values {
		var ip [4]byte
		binary.BigEndian.PutUint32(ip[:], v)
		if err := rw.Tuple(func(sub *schema.Builder) error { return sub.WriteIPv4(ip) }); err != nil {
			return err
		}
	}
	return rw.Finish()
}

func (d *Decoder) Finalize() error { return nil }

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "cdp",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Version", Type: schema.TypeU8},
			{Name: "Ttl", Type: schema.TypeU8},
			{Name: "Device", Type: schema.TypeString},
			{Name: "Platform", Type: schema.TypeString},
			{Name: "PortId", Type: schema.TypeString},
			{Name: "TypesSeen", Type: schema.TypeHexU32},
			{Name: "Addr", Type: schema.TypeIPv4, Repeated: true,
				SubColumns: []schema.Column{{Name: "Addr", Type: schema.TypeIPv4}}},
		},
	}
}
