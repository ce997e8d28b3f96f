package dumper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/schema"
)

type fakeTable struct{}

func (fakeTable) Info(idx flow.Index) (flow.Info, bool) { return flow.Info{}, false }
func (fakeTable) SetStatus(idx flow.Index, bits flow.Status) {}

func newBuilder(d *Decoder) *schema.Builder {
	sch := schema.New([]schema.Header{d.PrintHeader()})
	return sch.NewBuilder()
}

func TestDumperTCPReassemblesInOrder(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{EnableSave: true, OutputDir: dir})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	pkt1 := &flow.Packet{
		Raw: []byte("hello "), L7Off: 0, L7Len: 6, SnapL7Len: 6,
		Timestamp: time.Now(), L4Proto: flow.L4TCP,
		TCP: &flow.TCPHeader{Seq: 1000},
	}
	pkt2 := &flow.Packet{
		Raw: []byte("world"), L7Off: 0, L7Len: 5, SnapL7Len: 5,
		Timestamp: time.Now(), L4Proto: flow.L4TCP,
		TCP: &flow.TCPHeader{Seq: 1006},
	}

	d.OnNewFlow(pkt1, 0, tbl)
	d.OnLayer4(pkt1, 0, tbl)
	d.OnLayer4(pkt2, 0, tbl)

	b := newBuilder(d)
	require.NoError(t, d.OnFlowTerminate(0, tbl, b))

	st := d.states[0]
	data, err := os.ReadFile(filepath.Join(dir, "0_A"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, uint8(0), st.status&StatSeqError)
}

func TestDumperTCPKeepAliveIgnored(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{EnableSave: true, OutputDir: dir})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	first := &flow.Packet{
		Raw: []byte("abcd"), L7Off: 0, L7Len: 4, SnapL7Len: 4,
		Timestamp: time.Now(), L4Proto: flow.L4TCP,
		TCP: &flow.TCPHeader{Seq: 2000},
	}
	d.OnNewFlow(first, 0, tbl)
	d.OnLayer4(first, 0, tbl)

	keepAlive := &flow.Packet{
		Raw: []byte{0xff}, L7Off: 0, L7Len: 1, SnapL7Len: 1,
		Timestamp: time.Now(), L4Proto: flow.L4TCP,
		TCP: &flow.TCPHeader{Seq: 2003}, // nextExpected-1 == 2004-1
	}
	d.OnLayer4(keepAlive, 0, tbl)

	b := newBuilder(d)
	require.NoError(t, d.OnFlowTerminate(0, tbl, b))

	data, err := os.ReadFile(filepath.Join(dir, "0_A"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
}

func TestDumperTCPOutOfOrderFlagged(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{EnableSave: true, OutputDir: dir})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	first := &flow.Packet{
		Raw: []byte("AAAA"), L7Off: 0, L7Len: 4, SnapL7Len: 4,
		Timestamp: time.Now(), L4Proto: flow.L4TCP,
		TCP: &flow.TCPHeader{Seq: 3000},
	}
	laterOutOfOrder := &flow.Packet{
		Raw: []byte("CCCC"), L7Off: 0, L7Len: 4, SnapL7Len: 4,
		Timestamp: time.Now(), L4Proto: flow.L4TCP,
		TCP: &flow.TCPHeader{Seq: 3020}, // gap: expected 3004
	}

	d.OnNewFlow(first, 0, tbl)
	d.OnLayer4(first, 0, tbl)
	d.OnLayer4(laterOutOfOrder, 0, tbl)

	b := newBuilder(d)
	require.NoError(t, d.OnFlowTerminate(0, tbl, b))

	assert.NotZero(t, d.states[0].status&StatSeqError)
	data, err := os.ReadFile(filepath.Join(dir, "0_A"))
	require.NoError(t, err)
	// still written, just at its seq-derived offset
	assert.Equal(t, "CCCC", string(data[20:24]))
}

func TestDumperUDPAppendsSequentially(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{EnableSave: true, OutputDir: dir})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	pkt1 := &flow.Packet{Raw: []byte("one-"), L7Off: 0, L7Len: 4, SnapL7Len: 4, Timestamp: time.Now(), L4Proto: flow.L4UDP}
	pkt2 := &flow.Packet{Raw: []byte("two"), L7Off: 0, L7Len: 3, SnapL7Len: 3, Timestamp: time.Now(), L4Proto: flow.L4UDP}

	d.OnNewFlow(pkt1, 0, tbl)
	d.OnLayer4(pkt1, 0, tbl)
	d.OnLayer4(pkt2, 0, tbl)

	b := newBuilder(d)
	require.NoError(t, d.OnFlowTerminate(0, tbl, b))

	data, err := os.ReadFile(filepath.Join(dir, "0_A"))
	require.NoError(t, err)
	assert.Equal(t, "one-two", string(data))
}

func TestDumperMaxBytesPerFlowCaps(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{EnableSave: true, OutputDir: dir, MaxBytesPerFlow: 3})
	require.NoError(t, d.Init(1))
	tbl := fakeTable{}

	pkt := &flow.Packet{Raw: []byte("abcdef"), L7Off: 0, L7Len: 6, SnapL7Len: 6, Timestamp: time.Now(), L4Proto: flow.L4UDP}
	d.OnNewFlow(pkt, 0, tbl)
	d.OnLayer4(pkt, 0, tbl)

	b := newBuilder(d)
	require.NoError(t, d.OnFlowTerminate(0, tbl, b))

	data, err := os.ReadFile(filepath.Join(dir, "0_A"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.NotZero(t, d.states[0].status&StatByteCapped)
}

func TestFileCacheEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	c := newFileCache(1)

	f1, err := c.Open(0, filepath.Join(dir, "a"))
	require.NoError(t, err)
	_, err = f1.WriteString("x")
	require.NoError(t, err)

	// opening a second handle while capacity is 1 evicts flow 0's entry.
	_, err = c.Open(1, filepath.Join(dir, "b"))
	require.NoError(t, err)

	assert.Len(t, c.items, 1)
	_, stillOpen := c.items[0]
	assert.False(t, stillOpen)
}
