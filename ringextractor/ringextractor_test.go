package ringextractor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplugins/flowplugins/flow"
)

func waitForDrain(t *testing.T, r *Ring) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		empty := len(r.toExtract) == 0
		r.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("to-extract ring never drained")
}

func TestRingAppendAndExtractRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{RingCapacity: 4096, OutputDir: dir, OutputPrefix: "capture"})
	require.NoError(t, r.Start())
	defer r.Finalize()

	payload := []byte("hello world")
	off := r.Append(flow.Index(1), time.Now(), len(payload), payload)
	r.MarkLiveExtract(flow.Index(1))

	waitForDrain(t, r)
	require.NoError(t, r.Finalize())

	f, err := os.Open(filepath.Join(dir, "capture0.pcap"))
	require.NoError(t, err)
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	data, _, err := reader.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, uint64(0), off)
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := New(Options{RingCapacity: recordHeaderLen*2 + 7})
	first := r.Append(flow.Index(0), time.Now(), 4, []byte("abcd"))
	r.Append(flow.Index(0), time.Now(), 4, []byte("efgh"))

	_, _, _, err := r.readRecord(first)
	assert.ErrorIs(t, err, ErrEvicted)
}

func TestMarkLiveExtractMovesOffsets(t *testing.T) {
	r := New(Options{RingCapacity: 4096})
	r.Append(flow.Index(2), time.Now(), 3, []byte("xyz"))
	r.MarkLiveExtract(flow.Index(2))

	r.mu.Lock()
	n := len(r.toExtract)
	_, stillTracked := r.flowRings[flow.Index(2)]
	r.mu.Unlock()

	assert.Equal(t, 1, n)
	assert.False(t, stillTracked)
}

func TestSplitOutputOnByteThreshold(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{RingCapacity: 1 << 16, OutputDir: dir, OutputPrefix: "capture", SplitBytes: 1})
	require.NoError(t, r.Start())
	defer r.Finalize()

	payload := []byte("payload-bytes")
	r.Append(flow.Index(5), time.Now(), len(payload), payload)
	r.MarkLiveExtract(flow.Index(5))
	waitForDrain(t, r)

	r.Append(flow.Index(6), time.Now(), len(payload), payload)
	r.MarkLiveExtract(flow.Index(6))
	waitForDrain(t, r)
	require.NoError(t, r.Finalize())

	_, err := os.Stat(filepath.Join(dir, "capture0.pcap"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "capture1.pcap"))
	assert.NoError(t, err)
}
