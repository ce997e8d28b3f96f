// Package vtp decodes Cisco VLAN Trunking Protocol summary/subset
// advertisements: a fixed prologue (version, code, followers, domain,
// revision) rather than a TLV attribute loop, per spec §4.3's mention of
// "VTP: version + code + domain". A following stream of per-VLAN entries
// is walked with the generic tlv.Walker using an 8/8 width, matching
// VTP's 1-byte info-length + 1-byte reserved framing closely enough to
// exercise C3's generality (spec §9, supplemented feature).
package vtp

import (
	"github.com/flowplugins/flowplugins/cursor"
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/tlv"
)

const (
	codeSummary      = 1
	codeSubset       = 2
	codeAdvertReq    = 3
	codeJoin         = 4
)

const (
	StatVTP  uint8 = 0x01
	StatStr  uint8 = 0x20
	StatSnap uint8 = 0x80
)

const (
	maxVLANs  = 32
	domainLen = 32
)

type flowState struct {
	status   uint8
	version  uint8
	code     uint8
	domain   string
	revision uint32
	vlans    tlv.BoundedList
}

type Decoder struct {
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string { return "vtpDecode" }

func (d *Decoder) Init(capacity int) error {
	d.states = make([]flowState, capacity)
	return nil
}

func (d *Decoder) OnNewFlow(_ *flow.Packet, idx flow.Index, _ flow.Table) {
	d.states[idx] = flowState{vlans: tlv.NewBoundedList(maxVLANs)}
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
		st.status |= StatSnap
		return
	}
	code, err := c.ReadU8()
	if err != nil {
		st.status |= StatSnap
		return
	}
	if _, err := c.ReadU8(); err != nil { // followers, unused
		st.status |= StatSnap
		return
	}
	domainLenByte, err := c.ReadU8()
	if err != nil {
		st.status |= StatSnap
		return
	}
	domainRaw := make([]byte, domainLen)
	if err := c.ReadBytes(domainRaw); err != nil {
		st.status |= StatSnap
		return
	}
	revision, err := c.ReadU32()
	if err != nil {
		st.status |= StatSnap
		return
	}

	st.status |= StatVTP
	st.version = version
	st.code = code
	st.revision = revision

	n := int(domainLenByte)
	if n > len(domainRaw) {
		n = len(domainRaw)
		st.status |= StatStr
	}
	dst := make([]byte, domainLen)
	dc := cursor.New(domainRaw[:n])
	domain, derr := dc.ReadString(n, dst, domainLen, cursor.UTF8, true)
	if derr == cursor.ErrTruncated {
		st.status |= StatStr
	}
	st.domain = domain

	if code != codeSummary && code != codeSubset {
		return // VTP request/join carries no VLAN entries
	}

	rest, _ := c.PeekBytes(c.Remaining())
	w := tlv.NewWalker(rest, tlv.WidthVTP, tlv.LengthIncludesHeader, false)
	for {
		rec, ok, err := w.Next()
		if err != nil {
			st.status |= StatSnap
			break
		}
		if !ok {
			break
		}
		if len(rec.Value) >= 2 {
			vlanID := uint32(rec.Value[0])<<8 | uint32(rec.Value[1])
			st.vlans.Add(vlanID)
		}
	}
}

func (d *Decoder) OnFlowTerminate(idx flow.Index, _ flow.Table, b *schema.Builder) error {
	st := d.states[idx]
	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteU8(st.version); err != nil {
		return err
	}
	if err := b.WriteU8(st.code); err != nil {
		return err
	}
	if err := b.WriteString(st.domain); err != nil {
		return err
	}
	if err := b.WriteU32(st.revision); err != nil {
		return err
	}
	rw, err := b.WriteRepeated(len(st.vlans.Values))
	if err != nil {
		return err
	}
	for _, v := range st.vlans.Values {
		vlan := v
		if err := rw.Tuple(func(sub *schema.Builder) error { return sub.WriteU32(vlan) }); err != nil {
			return err
		}
	}
	return rw.Finish()
}

func (d *Decoder) Finalize() error { return nil }

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "vtp",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Version", Type: schema.TypeU8},
			{Name: "Code", Type: schema.TypeU8},
			{Name: "Domain", Type: schema.TypeString},
			{Name: "Revision", Type: schema.TypeU32},
			{Name: "Vlan", Type: schema.TypeU32, Repeated: true,
				SubColumns: []schema.Column{{Name: "Vlan", Type: schema.TypeU32}}},
		},
	}
}
