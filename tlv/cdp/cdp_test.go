package cdp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/tlv"
)

type fakeTable struct{}

func (fakeTable) Info(idx flow.Index) (flow.Info, bool) { return flow.Info{}, false }
func (fakeTable) SetStatus(idx flow.Index, bits flow.Status) {}

func buildCDPPacket() *flow.Packet {
	payload := []byte{
		0x02,       // version
		0xb4,       // ttl = 180
		0x00, 0x00, // checksum
		0x00, 0x01, 0x00, 0x0e, // type=1 length=14 (4 header + 10 value)
		'S', 'w', 'i', 't', 'c', 'h', '-', 'A', 0, 0,
	}
	return &flow.Packet{Raw: payload, L7Off: 0, L7Len: len(payload), SnapL7Len: len(payload), Timestamp: time.Now()}
}

func TestCDPDeviceIDScenario(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}
	d.OnNewFlow(buildCDPPacket(), 0, tbl)
	d.OnLayer4(buildCDPPacket(), 0, tbl)

	st := d.states[0]
	assert.Equal(t, uint8(2), st.version)
	assert.Equal(t, uint8(180), st.ttl)
	assert.Equal(t, "Switch-A", st.device)
	assert.Equal(t, StatCDP, st.status&StatCDP)

	var mask uint32
	tlv.MarkTypeSeen(&mask, 1)
	assert.Equal(t, mask, st.typesSeen)
}

func TestCDPFlowTerminateRecord(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}
	d.OnNewFlow(buildCDPPacket(), 0, tbl)
	d.OnLayer4(buildCDPPacket(), 0, tbl)

	s := schema.New([]schema.Header{d.PrintHeader()})
	b := s.NewBuilder()
	require.NoError(t, d.OnFlowTerminate(0, tbl, b))
	rec, err := b.Build()
	require.NoError(t, err)
	assert.NotEmpty(t, rec)
}

func TestCDPResetsOnNewFlow(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}
	d.OnNewFlow(buildCDPPacket(), 0, tbl)
	d.OnLayer4(buildCDPPacket(), 0, tbl)
	require.Equal(t, "Switch-A", d.states[0].device)

	d.OnNewFlow(&flow.Packet{}, 0, tbl)
	assert.Equal(t, "", d.states[0].device)
	assert.Equal(t, uint8(0), d.states[0].status)
}
