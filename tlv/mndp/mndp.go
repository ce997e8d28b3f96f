// Package mndp decodes MikroTik Neighbor Discovery Protocol packets: a
// 2-byte fixed prologue (MNDP "command" type + reserved byte) followed by
// a 16/16-width TLV stream whose length excludes the header, same shape
// as STUN (spec §9 supplemented feature).
package mndp

import (
	"github.com/flowplugins/flowplugins/cursor"
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/tlv"
)

const (
	tlvMAC      = 1
	tlvIdentity = 5
	tlvVersion  = 7
	tlvPlatform = 8
	tlvIface    = 10
)

const (
	StatMNDP uint8 = 0x01
	StatStr  uint8 = 0x20
	StatSnap uint8 = 0x80
)

const strLen = 64

type flowState struct {
	status    uint8
	identity  string
	version   string
	platform  string
	iface     string
	typesSeen uint32
}

type Decoder struct {
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string { return "mndpDecode" }

func (d *Decoder) Init(capacity int) error {
	d.states = make([]flowState, capacity)
	return nil
}

func (d *Decoder) OnNewFlow(_ *flow.Packet, idx flow.Index, _ flow.Table) {
	d.states[idx] = flowState{}
}

func (d *Decoder) OnLayer2(_ *flow.Packet, _ flow.Index, _ flow.Table) {}

func (d *Decoder) OnLayer4(pkt *flow.Packet, idx flow.Index, _ flow.Table) {
	payload := pkt.L7()
	if len(payload) < 2 {
		return
	}
	st := &d.states[idx]
	c := cursor.New(payload)
	if _, err := c.ReadU8(); err != nil { // command/type
		st.status |= StatSnap
		return
	}
	if _, err := c.ReadU8(); err != nil { // reserved
		st.status |= StatSnap
		return
	}
	rest, _ := c.PeekBytes(c.Remaining())

	st.status |= StatMNDP
	w := tlv.NewWalker(rest, tlv.WidthMNDP, tlv.LengthExcludesHeader, false)
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
		d.handleAttribute(st, rec)
	}
}

func (d *Decoder) handleAttribute(st *flowState, rec tlv.Record) {
	switch rec.Type {
	case tlvIdentity:
		st.identity = readBoundedString(rec.Value, strLen, &st.status)
	case tlvVersion:
		st.version = readBoundedString(rec.Value, strLen, &st.status)
	case tlvPlatform:
		st.platform = readBoundedString(rec.Value, strLen, &st.status)
	case tlvIface:
		st.iface = readBoundedString(rec.Value, strLen, &st.status)
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

func (d *Decoder) OnFlowTerminate(idx flow.Index, _ flow.Table, b *schema.Builder) error {
	st := d.states[idx]
	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteString(st.identity); err != nil {
		return err
	}
	if err := b.WriteString(st.version); err != nil {
		return err
	}
	if err := b.WriteString(st.platform); err != nil {
		return err
	}
	if err := b.WriteString(st.iface); err != nil {
		return err
	}
	return b.WriteU32(st.typesSeen)
}

func (d *Decoder) Finalize() error { return nil }

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "mndp",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Identity", Type: schema.TypeString},
			{Name: "Version", Type: schema.TypeString},
			{Name: "Platform", Type: schema.TypeString},
			{Name: "Interface", Type: schema.TypeString},
			{Name: "TypesSeen", Type: schema.TypeHexU32},
		},
	}
}
