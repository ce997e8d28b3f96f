// Package stun decodes STUN (Session Traversal Utilities for NAT) binding
// messages: a fixed 20-byte header (type, length, magic cookie,
// transaction ID) followed by a 16/16 TLV attribute stream whose length
// excludes the header and whose attributes are padded to a 4-byte
// boundary (spec §4.3's pad4 case, §9 supplemented feature).
package stun

import (
	"encoding/hex"

	"github.com/flowplugins/flowplugins/cursor"
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/tlv"
)

const magicCookie = 0x2112A442

const (
	attrMappedAddress    = 0x0001
	attrUsername         = 0x0006
	attrMessageIntegrity = 0x0008
	attrErrorCode        = 0x0009
	attrXorMappedAddress = 0x0020
)

const (
	StatSTUN uint8 = 0x01
	StatStr  uint8 = 0x20
	StatSnap uint8 = 0x80
)

const (
	strLen     = 128
	headerSize = 20
)

type flowState struct {
	status       uint8
	msgType      uint16
	txnID        string
	mappedAddr   string
	xorMapped    string
	username     string
	errorCode    uint16
	hasIntegrity bool
	typesSeen    uint32
}

type Decoder struct {
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string { return "stunDecode" }

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
	if len(payload) < headerSize {
		return
	}
	st := &d.states[idx]
	c := cursor.New(payload)

	msgType, err := c.ReadU16()
	if err != nil {
		st.status |= StatSnap
		return
	}
	length, err := c.ReadU16()
	if err != nil {
		st.status |= StatSnap
		return
	}
	cookie, err := c.ReadU32()
	if err != nil {
		st.status |= StatSnap
		return
	}
	txn := make([]byte, 12)
	if err := c.ReadBytes(txn); err != nil {
		st.status |= StatSnap
		return
	}
	if cookie != magicCookie {
		return // not a STUN message (or an ancient RFC 3489 one)
	}

	st.status |= StatSTUN
	st.msgType = msgType
	st.txnID = hex.EncodeToString(txn)

	rest, err := c.PeekBytes(int(length))
	if err != nil {
		rest, _ = c.PeekBytes(c.Remaining())
		st.status |= StatSnap
	}

	w := tlv.NewWalker(rest, tlv.WidthSTUN, tlv.LengthExcludesHeader, true)
	for {
		rec, ok, werr := w.Next()
		if werr != nil {
			st.status |= StatSnap
			break
		}
		if !ok {
			break
		}
		tlv.MarkTypeSeen(&st.typesSeen, rec.Type)
		d.handleAttribute(st, rec, txn)
	}
}

func (d *Decoder) handleAttribute(st *flowState, rec tlv.Record, txn []byte) {
	switch rec.Type {
	case attrMappedAddress:
		st.mappedAddr = decodeAddress(rec.Value, nil)
	case attrXorMappedAddress:
		st.xorMapped = decodeAddress(rec.Value, txn)
	case attrUsername:
		c := cursor.New(rec.Value)
		dst := make([]byte, strLen)
		s, err := c.ReadString(len(rec.Value), dst, strLen, cursor.UTF8, false)
		if err == cursor.ErrTruncated {
			st.status |= StatStr
		}
		st.username = s
	case attrMessageIntegrity:
		st.hasIntegrity = true
	case attrErrorCode:
		if len(rec.Value) >= 4 {
			st.errorCode = uint16(rec.Value[2])*100 + uint16(rec.Value[3])
		}
	}
}

// decodeAddress formats a MAPPED-ADDRESS/XOR-MAPPED-ADDRESS attribute as
// "<hex ip>:<hex port>"; the family is not included. When xorKey is non-nil the port and address are
// unmasked against the magic cookie and transaction ID per RFC 5389 §15.2.
func decodeAddress(value []byte, xorKey []byte) string {
	if len(value) < 4 {
		return ""
	}
	family := value[1]
	port := uint16(value[2])<<8 | uint16(value[3])
	if xorKey != nil {
		port ^= uint16(magicCookie >> 16)
	}
	switch family {
	case 0x01: // IPv4
		if len(value) < 8 {
			return ""
		}
		ip := make([]byte, 4)
		copy(ip, value[4:8])
		if xorKey != nil {
			mask := []byte{byte(magicCookie >> 24), byte(magicCookie >> 16), byte(magicCookie >> 8), byte(magicCookie)}
			for i := range ip {
				ip[i] ^= mask[i]
			}
		}
		return formatIPv4(ip, port)
	case 0x02: // IPv6
		if len(value) < 20 {
			return ""
		}
		ip := make([]byte, 16)
		copy(ip, value[4:20])
		if xorKey != nil {
			mask := make([]byte, 16)
			mask[0] = byte(magicCookie >> 24)
			mask[1] = byte(magicCookie >> 16)
			mask[2] = byte(magicCookie >> 8)
			mask[3] = byte(magicCookie)
			copy(mask[4:], xorKey)
			for i := range ip {
				ip[i] ^= mask[i]
			}
		}
		return formatIPv6(ip, port)
	default:
		return ""
	}
}

func formatIPv4(ip []byte, port uint16) string {
	return hex.EncodeToString(ip) + ":" + hex.EncodeToString([]byte{byte(port >> 8), byte(port)})
}

func formatIPv6(ip []byte, port uint16) string {
	return hex.EncodeToString(ip) + ":" + hex.EncodeToString([]byte{byte(port >> 8), byte(port)})
}

func (d *Decoder) OnFlowTerminate(idx flow.Index, _ flow.Table, b *schema.Builder) error {
	st := d.states[idx]
	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteHexU32(uint32(st.msgType)); err != nil {
		return err
	}
	if err := b.WriteString(st.txnID); err != nil {
		return err
	}
	if err := b.WriteString(st.mappedAddr); err != nil {
		return err
	}
	if err := b.WriteString(st.xorMapped); err != nil {
		return err
	}
	if err := b.WriteString(st.username); err != nil {
		return err
	}
	if err := b.WriteU32(uint32(st.errorCode)); err != nil {
		return err
	}
	integrity := uint8(0)
	if st.hasIntegrity {
		integrity = 1
	}
	if err := b.WriteU8(integrity); err != nil {
		return err
	}
	return b.WriteHexU32(st.typesSeen)
}

func (d *Decoder) Finalize() error { return nil }

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "stun",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "MsgType", Type: schema.TypeHexU32},
			{Name: "TxnId", Type: schema.TypeString},
			{Name: "MappedAddr", Type: schema.TypeString},
			{Name: "XorMappedAddr", Type: schema.TypeString},
			{Name: "Username", Type: schema.TypeString},
			{Name: "ErrorCode", Type: schema.TypeU32},
			{Name: "HasIntegrity", Type: schema.TypeU8},
			{Name: "TypesSeen", Type: schema.TypeHexU32},
		},
	}
}
