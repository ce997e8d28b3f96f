// Package irc decodes IRC client/server chat sessions using the shared
// line-scanning primitives in C4 (spec §4.4): command recognition via
// packed tokens, server response codes, and the client's nick, user and
// channel names.
package irc

import (
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/line"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
)

const (
	cmdNICK uint64 = iota
	cmdUSER
	cmdJOIN
	cmdPRIVMSG
	cmdQUIT
	cmdPASS
)

var commands = map[uint64]struct {
	bit uint32
	tok []byte
}{
	0: {1 << 0, []byte("nick")},
	1: {1 << 1, []byte("user")},
	2: {1 << 2, []byte("join")},
	3: {1 << 3, []byte("privmsg")},
	4: {1 << 4, []byte("quit")},
	5: {1 << 5, []byte("pass")},
}

const (
	StatIRC  uint8 = 0x01
	StatSnap uint8 = 0x80
)

const (
	maxCodes = 16
	strCap   = 64
)

// serverPort is the well-known IRC port; a packet sent FROM this port is
// treated as the server direction (spec §4.4: "response codes on lines
// sent by the server direction").
const serverPort = 6667

type flowState struct {
	status    uint8
	commands  uint32
	nick      string
	user      string
	channel   string
	responses line.BoundedCodeSet
}

type Decoder struct {
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New() *Decoder { return &Decoder{} }

func (d *Decoder) Name() string { return "ircDecode" }

func (d *Decoder) Init(capacity int) error {
	d.states = make([]flowState, capacity)
	return nil
}

func (d *Decoder) OnNewFlow(_ *flow.Packet, idx flow.Index, _ flow.Table) {
	d.states[idx] = flowState{responses: line.NewBoundedCodeSet(maxCodes)}
}

func (d *Decoder) OnLayer2(_ *flow.Packet, _ flow.Index, _ flow.Table) {}

func (d *Decoder) OnLayer4(pkt *flow.Packet, idx flow.Index, _ flow.Table) {
	payload := pkt.L7()
	if len(payload) == 0 {
		return
	}
	st := &d.states[idx]
	isServer := pkt.SrcPort == serverPort

	s := line.NewScanner(payload)
	for {
		raw, ok := s.Next()
		if !ok {
			break
		}
		l := line.StripPrefix(raw)
		if len(l) == 0 {
			continue
		}

		if isServer {
			if code, ok := line.ParseResponseCode(l); ok {
				st.status |= StatIRC
				st.responses.Add(uint32(code))
			}
			continue
		}

		d.recognize(st, l)
	}
}

func (d *Decoder) recognize(st *flowState, l []byte) {
	for key, c := range commands {
		tokLen := len(c.tok)
		if !line.Match(l, line.PackToken(c.tok), tokLen) {
			continue
		}
		st.status |= StatIRC
		st.commands |= c.bit
		arg := line.Argument(l, tokLen)
		switch key {
		case cmdNICK:
			st.nick = boundedString(arg)
		case cmdUSER:
			st.user = boundedString(arg)
		case cmdJOIN:
			st.channel = boundedString(arg)
		}
		return
	}
}

func boundedString(b []byte) string {
	if len(b) > strCap {
		b = b[:strCap]
	}
	return string(b)
}

func (d *Decoder) OnFlowTerminate(idx flow.Index, _ flow.Table, b *schema.Builder) error {
	st := d.states[idx]
	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteHexU32(st.commands); err != nil {
		return err
	}
	if err := b.WriteString(st.nick); err != nil {
		return err
	}
	if err := b.WriteString(st.user); err != nil {
		return err
	}
	if err := b.WriteString(st.channel); err != nil {
		return err
	}
	rw, err := b.WriteRepeated(len(st.responses.Values))
	if err != nil {
		return err
	}
	for _, v := range st.responses.Values {
		code := v
		if err := rw.Tuple(func(sub *schema.Builder) error { return sub.WriteU32(code) }); err != nil {
			return err
		}
	}
	return rw.Finish()
}

func (d *Decoder) Finalize() error { return nil }

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "irc",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Commands", Type: schema.TypeHexU32},
			{Name: "Nick", Type: schema.TypeString},
			{Name: "User", Type: schema.TypeString},
			{Name: "Channel", Type: schema.TypeString},
			{Name: "ResponseCode", Type: schema.TypeU32, Repeated: true,
				SubColumns: []schema.Column{{Name: "ResponseCode", Type: schema.TypeU32}}},
		},
	}
}
