package vtp

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

func packEntry(vlanID uint16) []byte {
	value := []byte{byte(vlanID >> 8), byte(vlanID)}
	header := []byte{20, byte(len(value) + 2)} // type=20 (VlanInfo), length includes header
	return append(header, value...)
}

func buildSummaryPacket() *flow.Packet {
	var payload []byte
	payload = append(payload, 1, codeSummary, 0) // version, code, followers
	domain := make([]byte, domainLen)
	copy(domain, "corp")
	payload = append(payload, byte(len("corp")))
	payload = append(payload, domain...)
	payload = append(payload, 0x00, 0x00, 0x00, 0x2a) // revision 42
	payload = append(payload, packEntry(10)...)
	payload = append(payload, packEntry(20)...)
	return &flow.Packet{Raw: payload, L7Len: len(payload), SnapL7Len: len(payload), Timestamp: time.Now()}
}

func TestVTPSummary(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}
	pkt := buildSummaryPacket()
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	st := d.states[0]
	assert.Equal(t, StatVTP, st.status&StatVTP)
	assert.Equal(t, uint8(codeSummary), st.code)
	assert.Equal(t, "corp", st.domain)
	assert.Equal(t, uint32(42), st.revision)
	assert.ElementsMatch(t, []uint32{10, 20}, st.vlans.Values)
}

func TestVTPJoinHasNoVlans(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	var payload []byte
	payload = append(payload, 1, codeJoin, 0)
	domain := make([]byte, domainLen)
	payload = append(payload, 0)
	payload = append(payload, domain...)
	payload = append(payload, 0, 0, 0, 0)
	pkt := &flow.Packet{Raw: payload, L7Len: len(payload), SnapL7Len: len(payload), Timestamp: time.Now()}

	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	st := d.states[0]
	assert.Equal(t, StatVTP, st.status&StatVTP)
	assert.Empty(t, st.vlans.Values)
}
