// Package flow defines the data this module consumes from its external
// collaborators: packet capture, link-layer dissection, and the flow
// table. None of those are implemented here; flow only describes the
// shapes a decoder is handed at dispatch time.
package flow

import (
	"net"
	"time"
)

// Index is an opaque handle into the flow table, stable for the lifetime
// of a flow. Decoders use it purely as an array index into their own
// per-flow state slices; they never interpret its value.
type Index uint32

// None is the sentinel Index meaning "no such flow", used for
// Info.Opposite when HasOpposite is false.
const None Index = ^Index(0)

// L4Protocol names the transport carried by a packet.
type L4Protocol uint8

const (
	L4Unknown L4Protocol = iota
	L4TCP
	L4UDP
	L4SCTP
	L4ICMP
)

// TCPFlags mirrors the subset of TCP control bits decoders reason about.
type TCPFlags struct {
	SYN, ACK, FIN, RST, PSH, URG bool
}

// TCPHeader carries the fields of a TCP segment a decoder may need beyond
// the L7 payload itself.
type TCPHeader struct {
	Seq   uint32
	Ack   uint32
	Flags TCPFlags
}

// SCTPChunk carries per-chunk sequencing info for SCTP-carried payloads
// (Dumper needs the TSN to detect gaps; see spec §4.6).
type SCTPChunk struct {
	TSN uint32
}

// Packet is a borrowed, read-only view of one captured packet. Its
// lifetime is exactly one dispatch cycle: decoders must not retain any
// slice obtained from it past the callback that received it.
type Packet struct {
	Raw       []byte
	CapLen    int
	Timestamp time.Time

	L2Off, L2Len int
	L3Off, L3Len int
	L4Off, L4Len int
	L7Off, L7Len int

	// SnapL7Len is the number of L7 bytes actually captured; it is always
	// <= L7Len. Every decoder must validate offsets against SnapL7Len, not
	// L7Len, before reading (spec §3, Packet invariant).
	SnapL7Len int

	L3Proto   string // e.g. "ipv4", "ipv6"
	L4Proto   L4Protocol
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   int
	DstPort   int
	EtherType uint16
	VLAN      []uint16

	TCP  *TCPHeader // non-nil iff L4Proto == L4TCP
	SCTP *SCTPChunk // non-nil iff L4Proto == L4SCTP and this packet is one chunk
}

// L7 returns the captured layer-7 bytes, clamped to SnapL7Len. This is the
// only sanctioned way for a decoder to obtain its input slice.
func (p *Packet) L7() []byte {
	n := p.SnapL7Len
	if n > p.L7Len {
		n = p.L7Len
	}
	end := p.L7Off + n
	if p.L7Off < 0 || end > len(p.Raw) || n <= 0 {
		return nil
	}
	return p.Raw[p.L7Off:end]
}

// Status is a per-flow bitfield; see the named bits below. Once set, a bit
// is never cleared except the few explicitly transient bits documented by
// each decoder package.
type Status uint8

const (
	HasOpposite Status = 1 << iota
	IsL2
	IsIPv6
	LiveExtract
)

// FiveTuple identifies a unidirectional flow.
type FiveTuple struct {
	SrcIP            net.IP
	DstIP            net.IP
	SrcPort, DstPort int
	L4Proto          L4Protocol
}

// Info is the small set of observable fields the runtime and decoders may
// read about a flow. It is owned by the external flow table; decoders
// never mutate it except through the declared Status bits (e.g.
// LiveExtract).
type Info struct {
	Tuple       FiveTuple
	Opposite    Index
	HasOpposite bool
	FirstSeen   time.Time
	LastSeen    time.Time
	Status      Status
}

// Table is the read-only view of the flow table that decoders and the
// runtime may query, e.g. to look up a flow's opposite-direction state.
// It is implemented by the external flow-table component; this module
// only depends on the interface.
type Table interface {
	Info(idx Index) (Info, bool)
	// SetStatus ORs bits into the flow's status; it is the only mutation
	// a decoder may perform on a Flow, per spec §3.
	SetStatus(idx Index, bits Status)
}
