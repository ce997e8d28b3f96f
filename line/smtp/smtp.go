// Package smtp decodes SMTP mail-transfer sessions: MAIL FROM/RCPT
// TO/DATA command recognition, 3-digit server reply codes, and the
// return-path-following state used to capture a bounded sender address
// (spec §4.4).
package smtp

import (
	"bytes"

	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/line"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
)

const (
	StatSMTP uint8 = 0x01
	StatSnap uint8 = 0x80
	StatName uint8 = 0x40
)

const (
	strCap     = 128
	serverPort = 25
	maxCodes   = 16
)

type Options struct {
	EnableSave bool
	OutputDir  string
}

type flowState struct {
	status    uint8
	auth      line.AuthState
	from      string
	to        string
	responses line.BoundedCodeSet
	extract   *line.ExtractFile
	inData    bool
	flowID    uint32
}

type Decoder struct {
	opts   Options
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New(opts Options) *Decoder { return &Decoder{opts: opts} }

func (d *Decoder) Name() string { return "smtpDecode" }

func (d *Decoder) Init(capacity int) error {
	d.states = make([]flowState, capacity)
	return nil
}

func (d *Decoder) OnNewFlow(_ *flow.Packet, idx flow.Index, _ flow.Table) {
	d.states[idx] = flowState{responses: line.NewBoundedCodeSet(maxCodes), flowID: uint32(idx)}
}

func (d *Decoder) OnLayer2(_ *flow.Packet, _ flow.Index, _ flow.Table) {}

var (
	tokMAIL = line.PackToken([]byte("mail"))
	tokRCPT = line.PackToken([]byte("rcpt"))
	tokDATA = line.PackToken([]byte("data"))
	tokQUIT = line.PackToken([]byte("quit"))
)

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
		if len(raw) == 0 {
			continue
		}
		if isServer {
			st.status |= StatSMTP
			if code, ok := line.ParseResponseCode(raw); ok {
				st.responses.Add(uint32(code))
				if code == 221 && st.extract != nil { // 221 closing channel
					_ = st.extract.Close()
					st.extract = nil
				}
			}
			continue
		}
		d.handleClientLine(st, raw, pkt)
	}
}

// afterColon returns the address part of a "FROM:<addr>" / "TO:<addr>"
// argument, or arg unchanged if it has no colon.
func afterColon(arg []byte) []byte {
	if i := bytes.IndexByte(arg, ':'); i >= 0 {
		return bytes.TrimSpace(arg[i+1:])
	}
	return arg
}

func (d *Decoder) handleClientLine(st *flowState, l []byte, pkt *flow.Packet) {
	switch {
	case line.Match(l, tokMAIL, 4):
		st.status |= StatSMTP
		st.auth |= line.ReturnPathFollowing
		st.from = boundedString(afterColon(line.Argument(l, 4)))
	case line.Match(l, tokRCPT, 4):
		st.status |= StatSMTP
		st.to = boundedString(afterColon(line.Argument(l, 4)))
	case line.Match(l, tokDATA, 4):
		st.status |= StatSMTP
		st.inData = true
		if d.opts.EnableSave && st.extract == nil {
			who := nonEmpty(st.to, nonEmpty(st.from, "unknown"))
			ef, err := line.OpenExtractFile(d.opts.OutputDir, who, "smtp", st.flowID)
			if err == line.ErrNameTruncated {
				st.status |= StatName
			}
			if ef != nil {
				st.extract = ef
			}
		}
	case line.Match(l, tokQUIT, 4):
		if st.extract != nil {
			_ = st.extract.Close()
			st.extract = nil
		}
		st.inData = false
	case st.inData && st.extract != nil && pkt.TCP != nil:
		_ = st.extract.WriteAt(pkt.TCP.Seq, l)
	}
}

func boundedString(b []byte) string {
	if len(b) > strCap {
		b = b[:strCap]
	}
	return string(b)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (d *Decoder) OnFlowTerminate(idx flow.Index, _ flow.Table, b *schema.Builder) error {
	st := d.states[idx]
	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteU8(uint8(st.auth)); err != nil {
		return err
	}
	if err := b.WriteString(st.from); err != nil {
		return err
	}
	if err := b.WriteString(st.to); err != nil {
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

func (d *Decoder) Finalize() error {
	for i := range d.states {
		if d.states[i].extract != nil {
			_ = d.states[i].extract.Close()
			d.states[i].extract = nil
		}
	}
	return nil
}

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "smtp",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Auth", Type: schema.TypeHexU8},
			{Name: "From", Type: schema.TypeString},
			{Name: "To", Type: schema.TypeString},
			{Name: "ResponseCode", Type: schema.TypeU32, Repeated: true,
				SubColumns: []schema.Column{{Name: "ResponseCode", Type: schema.TypeU32}}},
		},
	}
}
