// Package telegram deobfuscates Telegram MTProto's optional "obfuscated2"
// transport: a 64-byte random prologue exchanges an AES-256-CTR key/IV
// pair, after which every subsequent byte on the connection is keystream
// XORed (spec §4.5). The decoder does not speak MTProto itself; it only
// recovers the message-length and auth_key_id framing needed to flag a
// flow as Telegram.
package telegram

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/stream"
)

// ObfState is the per-direction deobfuscation state machine (spec §4.5).
type ObfState uint8

const (
	ObfUndef ObfState = iota
	ObfSyn
	ObfKey
	ObfNope
)

const (
	StatTelegram uint8 = 0x01
	StatSnap     uint8 = 0x80
)

const prologueLen = 64

// ackBitMask clears the high bit servers set on a response length to
// acknowledge quick-ack requests (spec §4.5: "masked to clear the high
// ACK bit on server→client").
const ackBitMask = 0x80000000

type flowState struct {
	status     uint8
	state      ObfState
	key        []byte
	iv         []byte
	started    bool
	initialSeq uint32

	authKeyID  uint64
	authKeySet bool
	lastMsgLen uint32
}

// Options selects which side carries the 64-byte prologue; in every
// observed deployment this is the client→server direction.
type Options struct {
	ServerPort int
}

type Decoder struct {
	opts   Options
	states []flowState
}

var _ plugin.Plugin = (*Decoder)(nil)

func New(opts Options) *Decoder { return &Decoder{opts: opts} }

func (d *Decoder) Name() string { return "telegramDecode" }

func (d *Decoder) Init(capacity int) error {
	d.states = make([]flowState, capacity)
	return nil
}

func (d *Decoder) OnNewFlow(_ *flow.Packet, idx flow.Index, _ flow.Table) {
	d.states[idx] = flowState{}
}

func (d *Decoder) OnLayer2(_ *flow.Packet, _ flow.Index, _ flow.Table) {}

func (d *Decoder) OnLayer4(pkt *flow.Packet, idx flow.Index, tbl flow.Table) {
	if pkt.TCP == nil {
		return
	}
	payload := pkt.L7()
	if len(payload) == 0 {
		return
	}
	st := &d.states[idx]
	isServerToClient := pkt.SrcPort == d.opts.ServerPort

	switch st.state {
	case ObfUndef:
		if isServerToClient {
			return // server never sends the prologue
		}
		d.observePrologue(st, pkt, idx, tbl)
	case ObfKey:
		d.decodeSegment(st, payload, pkt.TCP.Seq, isServerToClient)
	case ObfNope, ObfSyn:
		return
	}
}

func (d *Decoder) observePrologue(st *flowState, pkt *flow.Packet, idx flow.Index, tbl flow.Table) {
	payload := pkt.L7()
	if len(payload) < prologueLen {
		st.state = ObfSyn
		return
	}
	key := append([]byte(nil), payload[8:40]...)
	iv := append([]byte(nil), payload[40:56]...)

	st.status |= StatTelegram
	st.state = ObfKey
	st.key = key
	st.iv = iv

	info, ok := tbl.Info(idx)
	if ok && info.HasOpposite {
		opp := &d.states[info.Opposite]
		*opp = flowState{
			status: StatTelegram,
			state:  ObfKey,
			key:    reversed(key),
			iv:     reversed(iv),
		}
	}

	d.decodeSegment(st, payload[prologueLen:], pkt.TCP.Seq+prologueLen, false)
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func (d *Decoder) decodeSegment(st *flowState, payload []byte, seq uint32, isServerToClient bool) {
	if !st.started {
		st.initialSeq = seq
		st.started = true
	}
	if len(payload) == 0 {
		return
	}

	rel := seq - st.initialSeq
	plaintext, err := decryptAt(st.key, st.iv, rel, payload)
	if err != nil {
		st.status |= StatSnap
		return
	}

	length, n, ok := stream.VariableLength(plaintext)
	if !ok {
		return
	}
	if isServerToClient {
		length &^= ackBitMask
	}
	st.lastMsgLen = length

	rest := plaintext[n:]
	if len(rest) < 8 {
		return
	}
	keyID := binary.LittleEndian.Uint64(rest[:8])
	if st.authKeySet && st.authKeyID != keyID {
		st.state = ObfNope
		st.status &^= StatTelegram
		return
	}
	st.authKeyID = keyID
	st.authKeySet = true
}

// decryptAt XORs ciphertext with the AES-256-CTR keystream starting at
// relative byte offset rel from the obfuscated stream's first byte (spec
// §4.5: block index = rel/16, in-block position = rel%16).
func decryptAt(key, iv []byte, rel uint32, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	blockIndex := uint64(rel / 16)
	byteOffset := int(rel % 16)

	adjIV := advanceCounter(iv, blockIndex)
	streamCipher := cipher.NewCTR(block, adjIV)

	buf := make([]byte, byteOffset+len(ciphertext))
	streamCipher.XORKeyStream(buf, buf)
	keystream := buf[byteOffset:]

	out := make([]byte, len(ciphertext))
	for i := range out {
		out[i] = ciphertext[i] ^ keystream[i]
	}
	return out, nil
}

// advanceCounter adds n to iv treated as a big-endian 128-bit counter,
// matching AES-CTR's per-block increment convention.
func advanceCounter(iv []byte, n uint64) []byte {
	out := make([]byte, len(iv))
	copy(out, iv)
	carry := n
	for i := len(out) - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(out[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

func (d *Decoder) OnFlowTerminate(idx flow.Index, _ flow.Table, b *schema.Builder) error {
	st := d.states[idx]
	if err := b.WriteU8(st.status); err != nil {
		return err
	}
	if err := b.WriteU8(uint8(st.state)); err != nil {
		return err
	}
	if err := b.WriteHexU64(st.authKeyID); err != nil {
		return err
	}
	return b.WriteU32(st.lastMsgLen)
}

func (d *Decoder) Finalize() error { return nil }

func (d *Decoder) PrintHeader() schema.Header {
	return schema.Header{
		Prefix: "telegram",
		Columns: []schema.Column{
			{Name: "Stat", Type: schema.TypeHexU8},
			{Name: "ObfState", Type: schema.TypeU8},
			{Name: "AuthKeyId", Type: schema.TypeHexU64},
			{Name: "LastMsgLen", Type: schema.TypeU32},
		},
	}
}
