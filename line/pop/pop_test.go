package pop

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

func TestPOPAuthSequence(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	client := []byte("USER alice\r\nPASS hunter2\r\n")
	pkt := &flow.Packet{Raw: client, L7Len: len(client), SnapL7Len: len(client), SrcPort: 5555, DstPort: serverPort, Timestamp: time.Now()}
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	st := d.states[0]
	assert.Equal(t, "alice", st.user)
	assert.NotZero(t, st.auth&2) // PasswordFollowing bit set after PASS
}

func TestPOPServerReplies(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	server := []byte("+OK POP3 ready\r\n-ERR bad command\r\n")
	pkt := &flow.Packet{Raw: server, L7Len: len(server), SnapL7Len: len(server), SrcPort: serverPort, DstPort: 5555, Timestamp: time.Now()}
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	st := d.states[0]
	assert.Equal(t, uint32(1<<16), st.replies&0xffff0000)
	assert.Equal(t, uint32(1), st.replies&0xffff)
}
