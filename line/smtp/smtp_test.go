package smtp

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

func TestSMTPEnvelope(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	client := []byte("MAIL FROM:<a@x.com>\r\nRCPT TO:<b@y.com>\r\nDATA\r\n")
	pkt := &flow.Packet{Raw: client, L7Len: len(client), SnapL7Len: len(client), SrcPort: 6000, DstPort: serverPort, Timestamp: time.Now()}
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	st := d.states[0]
	assert.Equal(t, "<a@x.com>", st.from)
	assert.Equal(t, "<b@y.com>", st.to)
	assert.True(t, st.inData)
}

func TestSMTPServerReplies(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	server := []byte("220 mail.example.com ESMTP\r\n250 OK\r\n")
	pkt := &flow.Packet{Raw: server, L7Len: len(server), SnapL7Len: len(server), SrcPort: serverPort, DstPort: 6000, Timestamp: time.Now()}
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	assert.ElementsMatch(t, []uint32{220, 250}, d.states[0].responses.Values)
}
