package tlv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkerCDPStyle(t *testing.T) {
	// type=1 length=14 (includes 4-byte header) value="Switch-A\x00\x00"
	buf := []byte{0x00, 0x01, 0x00, 0x0e, 'S', 'w', 'i', 't', 'c', 'h', '-', 'A', 0, 0}
	w := NewWalker(buf, WidthCDP, LengthIncludesHeader, false)
	rec, ok, err := w.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.Type)
	assert.Equal(t, 10, len(rec.Value))

	_, ok, err = w.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalkerLLDPPacked(t *testing.T) {
	// Chassis-ID: type=1, subtype=4(MAC) + 6-byte MAC => value length 7
	// packed header: type(7 bits)=1, length(9 bits)=7
	header := uint16(1)<<9 | uint16(7)
	buf := []byte{byte(header >> 8), byte(header), 4, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	w := NewWalker(buf, WidthLLDP, LengthExcludesHeader, false)
	rec, ok, err := w.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.Type)
	assert.Equal(t, 7, len(rec.Value))
}

func TestWalkerZeroLengthKnownType(t *testing.T) {
	buf := []byte{0x00, 0x03, 0x00, 0x04} // CDP type=3 length=4 (header only, 0-byte value)
	w := NewWalker(buf, WidthCDP, LengthIncludesHeader, false)
	rec, ok, err := w.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), rec.Type)
	assert.Empty(t, rec.Value)
}

func TestWalkerSnappedTerminatesWalk(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x00, 0xff} // length=255 but nothing follows
	w := NewWalker(buf, WidthCDP, LengthIncludesHeader, false)
	_, ok, err := w.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrSnappedPayload)
	assert.True(t, w.Snapped)

	// Further calls stay terminated, no panic / no re-read.
	_, ok, err = w.Next()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestWalkerSTUNPadding(t *testing.T) {
	// attribute with 3-byte value, needs 1 byte of padding after.
	buf := []byte{0x00, 0x01, 0x00, 0x03, 'a', 'b', 'c', 0x00, 0x00, 0x02, 0x00, 0x00}
	w := NewWalker(buf, WidthSTUN, LengthExcludesHeader, true)
	rec, ok, err := w.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, len(rec.Value))

	rec2, ok, err := w.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), rec2.Type)
}

func TestMarkTypeSeenCollapsesHighTypes(t *testing.T) {
	var mask uint32
	MarkTypeSeen(&mask, 1)
	MarkTypeSeen(&mask, 35)
	MarkTypeSeen(&mask, 40)
	assert.Equal(t, 2, CountTypesSeen(mask))
	assert.NotZero(t, mask&(1<<31))
}

func TestBoundedListOverflow(t *testing.T) {
	l := NewBoundedList(2)
	assert.True(t, l.Add(1))
	assert.True(t, l.Add(2))
	assert.True(t, l.Add(1)) // dup, not overflow
	assert.False(t, l.Add(3))
	assert.True(t, l.Overflow)
}
