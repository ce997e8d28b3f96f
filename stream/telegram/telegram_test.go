package telegram

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplugins/flowplugins/flow"
)

type fakeTable struct {
	infos map[flow.Index]flow.Info
}

func (f fakeTable) Info(idx flow.Index) (flow.Info, bool) {
	i, ok := f.infos[idx]
	return i, ok
}
func (fakeTable) SetStatus(idx flow.Index, bits flow.Status) {}

func buildPrologue() []byte {
	p := make([]byte, 64)
	for i := range p {
		p[i] = byte(i + 1)
	}
	return p
}

func TestTelegramDeobfuscation(t *testing.T) {
	prologue := buildPrologue()
	key := append([]byte(nil), prologue[8:40]...)
	iv := append([]byte(nil), prologue[40:56]...)

	plaintext := make([]byte, 9)
	plaintext[0] = 2 // VariableLength: 2*4 = 8 bytes
	binary.LittleEndian.PutUint64(plaintext[1:], 0x0102030405060708)

	ciphertext, err := decryptAt(key, iv, 0, plaintext) // XOR is its own inverse
	require.NoError(t, err)

	d := New(Options{ServerPort: 443})
	require.NoError(t, d.Init(2))
	tbl := fakeTable{infos: map[flow.Index]flow.Info{
		0: {Opposite: 1, HasOpposite: true},
		1: {Opposite: 0, HasOpposite: true},
	}}

	initialSeq := uint32(1000)
	prologuePkt := &flow.Packet{
		Raw: prologue, L7Len: len(prologue), SnapL7Len: len(prologue),
		SrcPort: 54321, DstPort: 443, Timestamp: time.Now(),
		TCP: &flow.TCPHeader{Seq: initialSeq},
	}
	d.OnNewFlow(prologuePkt, 0, tbl)
	d.OnLayer4(prologuePkt, 0, tbl)

	assert.Equal(t, ObfKey, d.states[0].state)
	assert.Equal(t, ObfKey, d.states[1].state)

	msgPkt := &flow.Packet{
		Raw: ciphertext, L7Len: len(ciphertext), SnapL7Len: len(ciphertext),
		SrcPort: 54321, DstPort: 443, Timestamp: time.Now(),
		TCP: &flow.TCPHeader{Seq: initialSeq + 64},
	}
	d.OnLayer4(msgPkt, 0, tbl)

	st := d.states[0]
	assert.Equal(t, ObfKey, st.state)
	assert.Equal(t, uint64(0x0102030405060708), st.authKeyID)
	assert.Equal(t, uint32(8), st.lastMsgLen)
}
