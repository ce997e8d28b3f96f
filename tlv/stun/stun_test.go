package stun

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

func u16b(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func u32b(v uint32) []byte { return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)} }

func packAttr(typ uint16, value []byte) []byte {
	out := append(u16b(typ), u16b(uint16(len(value)))...)
	out = append(out, value...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

func TestSTUNBindingResponseXorMapped(t *testing.T) {
	txn := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	xorPort := u16b(12345 ^ uint16(magicCookie>>16))
	xorIP := u32b(0x0a000001 ^ uint32(magicCookie))
	xorAttrValue := append([]byte{0x00, 0x01}, xorPort...)
	xorAttrValue = append(xorAttrValue, xorIP...)

	var attrs []byte
	attrs = append(attrs, packAttr(attrXorMappedAddress, xorAttrValue)...)
	attrs = append(attrs, packAttr(attrUsername, []byte("alice"))...)

	var payload []byte
	payload = append(payload, u16b(0x0101)...) // binding success response
	payload = append(payload, u16b(uint16(len(attrs)))...)
	payload = append(payload, u32b(magicCookie)...)
	payload = append(payload, txn...)
	payload = append(payload, attrs...)

	pkt := &flow.Packet{Raw: payload, L7Len: len(payload), SnapL7Len: len(payload), Timestamp: time.Now()}

	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	st := d.states[0]
	assert.Equal(t, StatSTUN, st.status&StatSTUN)
	assert.Equal(t, uint16(0x0101), st.msgType)
	assert.Equal(t, "alice", st.username)
	assert.NotEmpty(t, st.xorMapped)
}

func TestSTUNNonMagicCookieIgnored(t *testing.T) {
	var payload []byte
	payload = append(payload, u16b(0x0001)...)
	payload = append(payload, u16b(0)...)
	payload = append(payload, u32b(0xdeadbeef)...)
	payload = append(payload, make([]byte, 12)...)

	pkt := &flow.Packet{Raw: payload, L7Len: len(payload), SnapL7Len: len(payload), Timestamp: time.Now()}

	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	assert.Equal(t, uint8(0), d.states[0].status&StatSTUN)
}
