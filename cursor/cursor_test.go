package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPrimitives(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	c := New(buf)

	u8, err := c.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), u8)

	u16, err := c.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0203), u16)

	u32, err := c.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04050607), u32)

	assert.Equal(t, 1, c.Remaining())
}

func TestReadLittleEndian(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}
	c := New(buf)
	v, err := c.ReadLEU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), v)
}

func TestSnappedLeavesPositionUnchanged(t *testing.T) {
	c := New([]byte{0x01, 0x02})
	before := c.Tell()
	_, err := c.ReadU32()
	assert.ErrorIs(t, err, ErrSnapped)
	assert.Equal(t, before, c.Tell())
}

func TestSkipAndSeek(t *testing.T) {
	c := New(make([]byte, 10))
	require.NoError(t, c.Skip(4))
	assert.Equal(t, 4, c.Tell())
	require.NoError(t, c.Seek(9))
	assert.Equal(t, 1, c.Remaining())
	assert.ErrorIs(t, c.Seek(11), ErrSnapped)
}

func TestReadBytes(t *testing.T) {
	c := New([]byte{0xAA, 0xBB, 0xCC})
	dst := make([]byte, 2)
	require.NoError(t, c.ReadBytes(dst))
	assert.Equal(t, []byte{0xAA, 0xBB}, dst)
}

func TestReadStringTruncation(t *testing.T) {
	c := New([]byte("Switch-A\x00extra"))
	dst := make([]byte, 9) // exactly one byte longer than "Switch-A"
	s, err := c.ReadString(9, dst, len(dst), UTF8, true)
	require.NoError(t, err)
	assert.Equal(t, "Switch-A", s)
	assert.Equal(t, byte(0), dst[len(s)])
}

func TestReadStringReportsTruncatedWhenDestTooSmall(t *testing.T) {
	c := New([]byte("Switch-Alpha"))
	dst := make([]byte, 8)
	s, err := c.ReadString(12, dst, len(dst), UTF8, false)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, "Switch-", s)
	assert.Equal(t, byte(0), dst[len(s)])
}

func TestReadStringUTF16LE(t *testing.T) {
	// "CORP" in UTF-16LE
	raw := []byte{'C', 0, 'O', 0, 'R', 0, 'P', 0}
	c := New(raw)
	dst := make([]byte, 16)
	s, err := c.ReadString(len(raw), dst, len(dst), UTF16LE, false)
	require.NoError(t, err)
	assert.Equal(t, "CORP", s)
}

func TestHexDecode(t *testing.T) {
	c := New([]byte{0xAB, 0xCD, 0xEF})
	s, err := c.HexDecode(3, nil)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", s)
}

func TestMemMem(t *testing.T) {
	c := New([]byte("XXNTLMSSP\x00YYY"))
	idx := c.MemMem([]byte("NTLMSSP\x00"))
	assert.Equal(t, 2, idx)

	assert.Equal(t, -1, c.MemMem([]byte("nope")))
}

func TestPeekBytesDoesNotAdvance(t *testing.T) {
	c := New([]byte{1, 2, 3, 4})
	b, err := c.PeekBytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)
	assert.Equal(t, 0, c.Tell())
}
