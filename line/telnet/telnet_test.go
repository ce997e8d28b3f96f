package telnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/line"
)

type fakeTable struct{}

func (fakeTable) Info(idx flow.Index) (flow.Info, bool)      { return flow.Info{}, false }
func (fakeTable) SetStatus(idx flow.Index, bits flow.Status) {}

func TestTelnetLoginPrompt(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	server := []byte("login: ")
	pkt := &flow.Packet{Raw: server, L7Len: len(server), SnapL7Len: len(server), SrcPort: serverPort, DstPort: 7000, Timestamp: time.Now()}
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)
	assert.NotZero(t, d.states[0].auth&line.AuthPending)

	client := []byte("root")
	cpkt := &flow.Packet{Raw: client, L7Len: len(client), SnapL7Len: len(client), SrcPort: 7000, DstPort: serverPort, Timestamp: time.Now()}
	d.OnLayer4(cpkt, 0, tbl)
	assert.Equal(t, "root", d.states[0].user)
}
