// Package pop decodes POP3 mail-retrieval sessions: USER/PASS
// authentication, RETR-triggered message extraction, and +OK/-ERR status
// tracking (spec §4.4, file-extraction option).
package pop

import (
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/line"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
)

const (
	StatPOP  uint8 = 0x01
	StatSnap uint8 = 0x80
	StatName uint8 = 0x40 // extract filename was truncated
)

const (
	strCap     = 64
	serverPort = 110
)

// Options configures the optional per-flow message-extraction sink.
type Options struct {
	EnableSave bool
	OutputDir  string
}

type flowState struct {
	status   uint8
	auth     line.AuthState
	user     string
	replies  uint32 // count of +OK seen, count of -ERR seen packed in one u32: hi16=ok, lo16=err
	extract  *line.ExtractFile
	flowID   uint32
}

type Decoder struct {
	opts   Options
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New(opts Options) *Decoder { return &Decoder{opts: opts} }

func (d *Decoder) Name() string { return "popDecode" }

func (d *Decoder) Init(capacity int) error {
	d.states = make([]flowState, capacity)
	return nil
}

func (d *Decoder) OnNewFlow(_ *flow.Packet, idx flow.Index, _ flow.Table) {
	d.states[idx] = flowState{flowID: uint32(idx)}
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
		if len(raw) == 0 {
			continue
		}
		if isServer {
			d.handleServerLine(st, raw)
			continue
		}
		d.handleClientLine(st, raw, pkt, idx)
	}
}

func (d *Decoder) handleServerLine(st *flowState, l []byte) {
	st.status |= StatPOP
	switch {
	case len(l) >= 3 && l[0] == '+' && l[1] == 'O' && l[2] == 'K':
		st.replies += 1 << 16
	case len(l) >= 4 && l[0] == '-' && l[1] == 'E' && l[2] == 'R' && l[3] == 'R':
		st.replies++
		if st.auth&line.PasswordFollowing != 0 {
			st.auth &^= line.PasswordFollowing
		}
	}
}

var (
	tokUSER = line.PackToken([]byte("user"))
	tokPASS = line.PackToken([]byte("pass"))
	tokRETR = line.PackToken([]byte("retr"))
	tokQUIT = line.PackToken([]byte("quit"))
)

func (d *Decoder) handleClientLine(st *flowState, l []byte, pkt *flow.Packet, idx flow.Index) {
	switch {
	case line.Match(l, tokUSER, 4):
		st.status |= StatPOP
		st.user = boundedString(line.Argument(l, 4))
		st.auth |= line.AuthPending
	case line.Match(l, tokPASS, 4):
		st.status |= StatPOP
		st.auth |= line.PasswordFollowing
	case line.Match(l, tokRETR, 4):
		st.status |= StatPOP
		if d.opts.EnableSave && st.extract == nil {
			ef, err := line.OpenExtractFile(d.opts.OutputDir, nonEmpty(st.user, "unknown"), "pop", st.flowID)
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
	default:
		if st.extract != nil && pkt.TCP != nil {
			_ = st.extract.WriteAt(pkt.TCP.Seq, l)
		}
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
	if err := b.WriteString(st.user); err != nil {
		return err
	}
	return b.WriteU32(st.replies)
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
		Prefix: "pop",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Auth", Type: schema.TypeHexU8},
			{Name: "User", Type: schema.TypeString},
			{Name: "Replies", Type: schema.TypeHexU32},
		},
	}
}
