package lldp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplugins/flowplugins/flow"
)

type fakeTable struct{}

func (fakeTable) Info(idx flow.Index) (flow.Info, bool)      { return flow.Info{}, false }
func (fakeTable) SetStatus(idx flow.Index, bits flow.Status) {}

func packTLV(typ uint16, value []byte) []byte {
	header := typ<<9 | uint16(len(value))
	return append([]byte{byte(header >> 8), byte(header)}, value...)
}

func buildLLDPPacket() *flow.Packet {
	var payload []byte
	payload = append(payload, packTLV(1, append([]byte{4}, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}...))...)
	payload = append(payload, packTLV(2, append([]byte{7}, []byte("eth0")...))...)
	payload = append(payload, packTLV(3, []byte{0x00, 120})...)
	payload = append(payload, packTLV(0, nil)...)
	return &flow.Packet{Raw: payload, L7Off: 0, L7Len: len(payload), SnapL7Len: len(payload), Timestamp: time.Now()}
}

func TestLLDPMandatoryTLVs(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}
	d.OnNewFlow(buildLLDPPacket(), 0, tbl)
	d.OnLayer4(buildLLDPPacket(), 0, tbl)

	st := d.states[0]
	assert.Equal(t, "00:11:22:33:44:55", st.chassis)
	assert.Equal(t, "eth0", st.portID)
	assert.Equal(t, []uint32{120}, st.ttls.Values)
	assert.Equal(t, StatLLDP, st.status&StatLLDP)
	assert.Equal(t, uint8(0x0f), st.mandatory)
}
