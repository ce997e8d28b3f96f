package ntlmssp

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/schema"
)

type fakeTable struct {
	infos map[flow.Index]flow.Info
}

func (f fakeTable) Info(idx flow.Index) (flow.Info, bool) {
	i, ok := f.infos[idx]
	return i, ok
}
func (fakeTable) SetStatus(idx flow.Index, bits flow.Status) {}

func utf16le(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), 0)
	}
	return out
}

func fieldPair(offset, length int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], uint16(length))
	binary.LittleEndian.PutUint16(b[2:4], uint16(length))
	binary.LittleEndian.PutUint32(b[4:8], uint32(offset))
	return b
}

func buildChallenge(serverChallenge []byte) []byte {
	header := append([]byte("NTLMSSP\x00"), 2, 0, 0, 0) // type 2
	header = append(header, fieldPair(48, 0)...)          // target name (empty)
	header = append(header, 0, 0, 0, 0)                   // negotiate flags
	header = append(header, serverChallenge...)           // 8 bytes @24
	header = append(header, 0, 0, 0, 0, 0, 0, 0, 0)        // reserved @32
	header = append(header, fieldPair(48, 0)...)          // target info (empty) @40
	return header
}

func buildAuthenticate(domain, user string, ntProof, clientChallenge []byte) []byte {
	domainU := utf16le(domain)
	userU := utf16le(user)
	ntResp := append(append([]byte{}, ntProof...), clientChallenge...)

	const baseLen = 12 + 8*5 // signature+type, then 5 field pairs up to workstation
	offset := baseLen
	ntOff := offset
	offset += len(ntResp)
	domainOff := offset
	offset += len(domainU)
	userOff := offset
	offset += len(userU)
	wsOff := offset

	msg := append([]byte("NTLMSSP\x00"), 3, 0, 0, 0) // type 3
	msg = append(msg, fieldPair(0, 0)...)             // LmChallengeResponse @12
	msg = append(msg, fieldPair(ntOff, len(ntResp))...)
	msg = append(msg, fieldPair(domainOff, len(domainU))...)
	msg = append(msg, fieldPair(userOff, len(userU))...)
	msg = append(msg, fieldPair(wsOff, 0)...)
	msg = append(msg, ntResp...)
	msg = append(msg, domainU...)
	msg = append(msg, userU...)
	return msg
}

func TestNTLMSSPv2HashExtraction(t *testing.T) {
	serverChallenge := []byte{0x8b, 0x7f, 0x00, 0x11, 0x22, 0x33, 0xe3, 0xa9}
	ntProof := bytes.Repeat([]byte{0xaa}, 16)
	clientChallenge := bytes.Repeat([]byte{0xbb}, 28)

	challengeMsg := buildChallenge(serverChallenge)
	authMsg := buildAuthenticate("CORP", "alice", ntProof, clientChallenge)

	outPath := filepath.Join(t.TempDir(), "ntlmssp_hashes.txt")
	d := New(Options{EnableSave: true, OutputPath: outPath})
	require.NoError(t, d.Init(2))

	tbl := fakeTable{infos: map[flow.Index]flow.Info{
		0: {Opposite: 1, HasOpposite: true},
		1: {Opposite: 0, HasOpposite: true},
	}}

	serverPkt := &flow.Packet{Raw: challengeMsg, L7Len: len(challengeMsg), SnapL7Len: len(challengeMsg), Timestamp: time.Now()}
	d.OnNewFlow(serverPkt, 1, tbl)
	d.OnLayer4(serverPkt, 1, tbl)

	clientPkt := &flow.Packet{Raw: authMsg, L7Len: len(authMsg), SnapL7Len: len(authMsg), Timestamp: time.Now()}
	d.OnNewFlow(clientPkt, 0, tbl)
	d.OnLayer4(clientPkt, 0, tbl)

	assert.Equal(t, "CORP", d.states[0].domain)
	assert.Equal(t, "alice", d.states[0].username)

	sch := schema.New([]schema.Header{d.PrintHeader()})
	builder := sch.NewBuilder()
	require.NoError(t, d.OnFlowTerminate(0, tbl, builder))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "alice::CORP:8b7f001122" )
}
