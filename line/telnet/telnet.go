// Package telnet decodes plaintext TELNET sessions: login/password
// prompts on the server side drive the shared auth state machine, and
// client keystroke lines are optionally captured to a per-flow extract
// file (spec §4.4). TELNET carries no structured commands of its own, so
// recognition here is prompt-text matching rather than token packing.
package telnet

import (
	"bytes"

	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/line"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
)

const (
	StatTelnet uint8 = 0x01
	StatSnap   uint8 = 0x80
	StatName   uint8 = 0x40
)

const (
	strCap     = 64
	serverPort = 23
)

type Options struct {
	EnableSave bool
	OutputDir  string
}

type flowState struct {
	status  uint8
	auth    line.AuthState
	user    string
	extract *line.ExtractFile
	flowID  uint32
}

type Decoder struct {
	opts   Options
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New(opts Options) *Decoder { return &Decoder{opts: opts} }

func (d *Decoder) Name() string { return "telnetDecode" }

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
		st.status |= StatTelnet
		if isServer {
			lower := bytes.ToLower(raw)
			if bytes.Contains(lower, []byte("login:")) {
				st.auth |= line.AuthPending
			}
			if bytes.Contains(lower, []byte("password:")) {
				st.auth |= line.PasswordFollowing
			}
			continue
		}

		if st.auth&line.AuthPending != 0 && st.user == "" {
			st.user = boundedString(raw)
		}
		if d.opts.EnableSave {
			if st.extract == nil {
				ef, err := line.OpenExtractFile(d.opts.OutputDir, nonEmpty(st.user, "unknown"), "telnet", st.flowID)
				if err == line.ErrNameTruncated {
					st.status |= StatName
				}
				if ef != nil {
					st.extract = ef
				}
			}
			if st.extract != nil && pkt.TCP != nil {
				_ = st.extract.WriteAt(pkt.TCP.Seq, raw)
			}
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
	return b.WriteString(st.user)
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
		Prefix: "telnet",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "Auth", Type: schema.TypeHexU8},
			{Name: "User", Type: schema.TypeString},
		},
	}
}
