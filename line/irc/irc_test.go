package irc

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

func TestIRCClientCommands(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	payload := []byte("NICK bob\r\nUSER bob 0 * :Bob\r\nJOIN #general\r\n")
	pkt := &flow.Packet{Raw: payload, L7Len: len(payload), SnapL7Len: len(payload), SrcPort: 54321, DstPort: serverPort, Timestamp: time.Now()}

	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	st := d.states[0]
	assert.Equal(t, "bob", st.nick)
	assert.Equal(t, "#general", st.channel)
	assert.NotZero(t, st.commands&commands[0].bit)
}

func TestIRCServerResponses(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	payload := []byte(":irc.example.net 001 bob :Welcome\r\n:irc.example.net 376 bob :End of MOTD\r\n")
	pkt := &flow.Packet{Raw: payload, L7Len: len(payload), SnapL7Len: len(payload), SrcPort: serverPort, DstPort:54321, Timestamp: time.Now()}

	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	assert.ElementsMatch(t, []uint32{1, 376}, d.states[0].responses.Values)
}
