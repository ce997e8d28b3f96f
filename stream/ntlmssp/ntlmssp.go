// Package ntlmssp decodes NTLM Security Support Provider messages
// embedded in SMB/HTTP/POP3/SMTP streams: Negotiate, Challenge, and
// Authenticate, anchored on the "NTLMSSP\x00" signature (spec §4.5). On
// the client side's flow termination, if the opposite flow captured a
// matching server challenge, a NetNTLMv2-format hash line is appended to
// the configured output file. NTLMv1 responses are not told apart and are
// written in that same layout, not in NetNTLMv1 format.
package ntlmssp

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/flowplugins/flowplugins/cursor"
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/stream"
)

var signature = []byte("NTLMSSP\x00")

const (
	msgNegotiate    = 1
	msgChallenge    = 2
	msgAuthenticate = 3
)

const (
	StatNegotiate    uint8 = 0x01
	StatChallenge    uint8 = 0x02
	StatAuthenticate uint8 = 0x04
	StatHashWritten  uint8 = 0x08
	StatSnap         uint8 = 0x80
)

const strCap = 64

const (
	avNetBIOSComputer = 1
	avNetBIOSDomain   = 2
	avDNSComputer     = 3
	avDNSDomain       = 4
	avTimestamp       = 7
	avChannelBinding  = 10
)

type Options struct {
	EnableSave bool
	OutputPath string
}

type flowState struct {
	status uint8

	domain      string
	workstation string
	targetName  string
	username    string

	serverChallenge string
	ntProof         string
	clientChallenge string

	avNetBIOSComputer string
	avNetBIOSDomain   string
	avDNSComputer     string
	avDNSDomain       string
}

type Decoder struct {
	opts   Options
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New(opts Options) *Decoder { return &Decoder{opts: opts} }

func (d *Decoder) Name() string { return "ntlmsspDecode" }

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
	anchor := stream.Locate(payload, signature)
	if anchor < 0 {
		return
	}
	msg := payload[anchor:]
	st := &d.states[idx]

	c := cursor.New(msg)
	if err := c.Skip(8); err != nil { // signature
		st.status |= StatSnap
		return
	}
	msgType, err := c.ReadLEU32()
	if err != nil {
		st.status |= StatSnap
		return
	}

	switch msgType {
	case msgNegotiate:
		st.status |= StatNegotiate
	case msgChallenge:
		d.parseChallenge(st, msg)
	case msgAuthenticate:
		d.parseAuthenticate(st, msg)
	}
}

// readField reads an (offset, length) pair per MS-NLMP §2.2.2.1 at byte
// position pos within msg (length uint16 LE, max-length uint16 LE
// ignored, offset uint32 LE) and returns the referenced slice.
func readField(msg []byte, pos int) ([]byte, bool) {
	c := cursor.New(msg)
	if err := c.Seek(pos); err != nil {
		return nil, false
	}
	length, err := c.ReadLEU16()
	if err != nil {
		return nil, false
	}
	if _, err := c.ReadLEU16(); err != nil { // max length, unused
		return nil, false
	}
	offset, err := c.ReadLEU32()
	if err != nil {
		return nil, false
	}
	start, end := int(offset), int(offset)+int(length)
	if start < 0 || end > len(msg) || start > end {
		return nil, false
	}
	return msg[start:end], true
}

func (d *Decoder) parseChallenge(st *flowState, msg []byte) {
	st.status |= StatChallenge
	if target, ok := readField(msg, 12); ok {
		st.targetName = decodeUTF16(target)
	}
	if len(msg) >= 32 {
		st.serverChallenge = hex.EncodeToString(msg[24:32])
	} else {
		st.status |= StatSnap
		return
	}
	if info, ok := readField(msg, 40); ok {
		d.parseAVPairs(st, info)
	}
}

func (d *Decoder) parseAVPairs(st *flowState, info []byte) {
	c := cursor.New(info)
	for {
		id, err := c.ReadLEU16()
		if err != nil {
			return
		}
		length, err := c.ReadLEU16()
		if err != nil {
			return
		}
		if id == 0 {
			return // AvEOL
		}
		value, err := c.PeekBytes(int(length))
		if err != nil {
			return
		}
		_ = c.Skip(int(length))

		switch id {
		case avNetBIOSComputer:
			st.avNetBIOSComputer = decodeUTF16(value)
		case avNetBIOSDomain:
			st.avNetBIOSDomain = decodeUTF16(value)
		case avDNSComputer:
			st.avDNSComputer = decodeUTF16(value)
		case avDNSDomain:
			st.avDNSDomain = decodeUTF16(value)
		case avTimestamp, avChannelBinding:
			// kept only as evidence of presence; not surfaced as a column
		}
	}
}

func (d *Decoder) parseAuthenticate(st *flowState, msg []byte) {
	st.status |= StatAuthenticate
	if lm, ok := readField(msg, 12); ok {
		_ = lm // LmChallengeResponse: NTLMv1 proof lives here, unused in v2 path
	}
	if nt, ok := readField(msg, 20); ok {
		if len(nt) >= 16 {
			st.ntProof = hex.EncodeToString(nt[:16])
			st.clientChallenge = hex.EncodeToString(nt[16:])
		} else if len(nt) > 0 {
			st.ntProof = hex.EncodeToString(nt)
		}
	}
	if domain, ok := readField(msg, 28); ok {
		st.domain = decodeUTF16(domain)
	}
	if user, ok := readField(msg, 36); ok {
		st.username = decodeUTF16(user)
	}
	if ws, ok := readField(msg, 44); ok {
		st.workstation = decodeUTF16(ws)
	}
}

func decodeUTF16(raw []byte) string {
	c := cursor.New(raw)
	dst := make([]byte, strCap)
	s, _ := c.ReadString(len(raw), dst, strCap, cursor.UTF16LE, false)
	return s
}

func (d *Decoder) OnFlowTerminate(idx flow.Index, tbl flow.Table, b *schema.Builder) error {
	st := &d.states[idx]
	if st.status&StatAuthenticate != 0 && d.opts.EnableSave {
		if info, ok := tbl.Info(idx); ok && info.HasOpposite {
			if opp := &d.states[info.Opposite]; opp.status&StatChallenge != 0 && opp.serverChallenge != "" {
				if err := d.writeHash(st, opp); err == nil {
					st.status |= StatHashWritten
				}
			}
		}
	}

	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteString(st.domain); err != nil {
		return err
	}
	if err := b.WriteString(st.username); err != nil {
		return err
	}
	if err := b.WriteString(st.workstation); err != nil {
		return err
	}
	if err := b.WriteString(st.targetName); err != nil {
		return err
	}
	if err := b.WriteString(st.serverChallenge); err != nil {
		return err
	}
	if err := b.WriteString(st.ntProof); err != nil {
		return err
	}
	return b.WriteString(st.avDNSDomain)
}

// writeHash appends a NetNTLMv2-style hash line:
// user::domain:serverchallenge:ntproof:clientchallenge.
func (d *Decoder) writeHash(client, server *flowState) error {
	if client.username == "" || client.ntProof == "" {
		return errors.New("ntlmssp: incomplete authenticate, nothing to write")
	}
	line := fmt.Sprintf("%s::%s:%s:%s:%s\n",
		client.username, client.domain, server.serverChallenge, client.ntProof, client.clientChallenge)

	if err := os.MkdirAll(filepath.Dir(d.opts.OutputPath), 0o755); err != nil {
		return errors.Wrap(err, "ntlmssp: create output directory")
	}
	f, err := os.OpenFile(d.opts.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "ntlmssp: open hash output file")
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

func (d *Decoder) Finalize() error { return nil }

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "ntlmssp",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Domain", Type: schema.TypeString},
			{Name: "User", Type: schema.TypeString},
			{Name: "Workstation", Type: schema.TypeString},
			{Name: "TargetName", Type: schema.TypeString},
			{Name: "ServerChallenge", Type: schema.TypeString},
			{Name: "NtProof", Type: schema.TypeString},
			{Name: "AvDnsDomain", Type: schema.TypeString},
		},
	}
}
