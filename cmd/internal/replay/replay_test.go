package replay

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowplugins/flowplugins/pcaptest"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/runtime"
	"github.com/flowplugins/flowplugins/tlv/cdp"
)

func TestRunReplaysOneFlowToOneRecord(t *testing.T) {
	dir := t.TempDir()
	pcapPath := filepath.Join(dir, "capture.pcap")

	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(10, 0, 0, 2)
	frames := [][]byte{
		pcaptest.TCPPacket(src, dst, 50000, 443, 1, true, false, false, false, nil),
		pcaptest.TCPPacket(src, dst, 50000, 443, 2, false, true, false, false, []byte("hello")),
		pcaptest.TCPPacket(src, dst, 50000, 443, 3, false, true, true, false, nil),
	}
	require.NoError(t, pcaptest.WriteFile(pcapPath, time.Unix(0, 0), frames))

	rt := runtime.New([]plugin.Plugin{cdp.New()})
	err := Run(rt, Options{ReplayFile: pcapPath, OutDir: dir})
	require.NoError(t, err)

	out, err := os.ReadFile(filepath.Join(dir, "records.bin"))
	require.NoError(t, err)
	require.NotEmpty(t, out)

	recLen := binary.BigEndian.Uint32(out[:4])
	require.Equal(t, int(recLen), len(out)-4, "records.bin must hold exactly one length-prefixed record for the one flow that reached FIN")
}
