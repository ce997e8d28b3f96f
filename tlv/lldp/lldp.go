// Package lldp decodes Link Layer Discovery Protocol frames: a stream of
// TLVs with no fixed prologue, whose 7-bit type / 9-bit length fields are
// packed into a single 16-bit header word and whose length excludes the
// header (spec §4.3).
package lldp

import (
	"encoding/hex"

	"github.com/flowplugins/flowplugins/cursor"
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/tlv"
)

const (
	tlvEnd       = 0
	tlvChassisID = 1
	tlvPortID    = 2
	tlvTTL       = 3
)

// mandatoryMask is the set of TLV types every well-formed LLDPDU carries;
// spec §8 scenario 2 expects 0x0f once all four have been observed.
const mandatoryMask = 1<<tlvEnd | 1<<tlvChassisID | 1<<tlvPortID | 1<<tlvTTL

const (
	StatLLDP uint8 = 0x01
	StatStr  uint8 = 0x20
	StatSnap uint8 = 0x80
)

const (
	strLen  = 64
	maxTTLs = 8
)

type flowState struct {
	status    uint8
	chassis   string
	portID    string
	ttls      tlv.BoundedList
	typesSeen uint32
	mandatory uint8 // which of the 4 mandatory TLVs have been seen
}

type Decoder struct {
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string { return "lldpDecode" }

func (d *Decoder) Init(capacity int) error {
	d.states = make([]flowState, capacity)
	return nil
}

func (d *Decoder) OnNewFlow(_ *flow.Packet, idx flow.Index, _ flow.Table) {
	d.states[idx] = flowState{ttls: tlv.NewBoundedList(maxTTLs)}
}

func (d *Decoder) OnLayer2(_ *flow.Packet, _ flow.Index, _ flow.Table) {}

func (d *Decoder) OnLayer4(pkt *flow.Packet, idx flow.Index, _ flow.Table) {
	payload := pkt.L7()
	if len(payload) == 0 {
		return
	}
	st := &d.states[idx]

	w := tlv.NewWalker(payload, tlv.WidthLLDP, tlv.LengthExcludesHeader, false)
	for {
		rec, ok, err := w.Next()
		if err != nil {
			st.status |= StatSnap
			break
		}
		if !ok {
			break
		}
		tlv.MarkTypeSeen(&st.typesSeen, rec.Type)
		if rec.Type <= tlvTTL {
			st.mandatory |= 1 << rec.Type
		}
		d.handleAttribute(st, rec)
		if rec.Type == tlvEnd {
			break
		}
	}
	if st.mandatory == 0x0f || st.chassis != "" {
		st.status |= StatLLDP
	}
}

func (d *Decoder) handleAttribute(st *flowState, rec tlv.Record) {
	switch rec.Type {
	case tlvChassisID:
		if len(rec.Value) < 1 {
			return
		}
		subtype := rec.Value[0]
		value := rec.Value[1:]
		if subtype == 4 && len(value) == 6 { // MAC address
			st.chassis = formatMAC(value)
		} else {
			st.chassis = readBoundedString(value, strLen, &st.status)
		}
	case tlvPortID:
		if len(rec.Value) < 1 {
			return
		}
		value := rec.Value[1:] // subtype byte dropped, e.g. 7=local
		st.portID = readBoundedString(value, strLen, &st.status)
	case tlvTTL:
		c := cursor.New(rec.Value)
		v, err := c.ReadU16()
		if err == nil {
			st.ttls.Add(uint32(v))
		}
	}
}

func formatMAC(b []byte) string {
	s := hex.EncodeToString(b)
	out := make([]byte, 0, 17)
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, s[i], s[i+1])
	}
	return string(out)
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

func (d *Decoder) OnFlowTerminate(idx flow.Index, _ flow.Table, b *schema.Builder) error {
	st := d.states[idx]
	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteString(st.chassis); err != nil {
		return err
	}
	if err := b.WriteString(st.portID); err != nil {
		return err
	}
	rw, err := b.WriteRepeated(len(st.ttls.Values))
	if err != nil {
		return err
	}
	for _, v := range st.ttls.Values {
		ttl := uint32(v)
		if err := rw.Tuple(func(sub *schema.Builder) error { return sub.WriteU32(ttl) }); err != nil {
			return err
		}
	}
	if err := rw.Finish(); err != nil {
		return err
	}
	if err := b.WriteU32(st.typesSeen); err != nil {
		return err
	}
	return b.WriteU8(st.mandatory)
}

func (d *Decoder) Finalize() error { return nil }

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "lldp",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Chassis", Type: schema.TypeString},
			{Name: "PortId", Type: schema.TypeString},
			{Name: "Ttl", Type: schema.TypeU32, Repeated: true,
				SubColumns: []schema.Column{{Name: "Ttl", Type: schema.TypeU32}}},
			{Name: "TypesSeen", Type: schema.TypeHexU32},
			{Name: "Mandatory", Type: schema.TypeHexU8},
		},
	}
}
