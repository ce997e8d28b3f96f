package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocate(t *testing.T) {
	buf := []byte("xxNTLMSSP\x00yyy")
	assert.Equal(t, 2, Locate(buf, []byte("NTLMSSP\x00")))
	assert.Equal(t, -1, Locate(buf, []byte("nope")))
}

func TestVariableLengthShortForm(t *testing.T) {
	length, n, ok := VariableLength([]byte{10})
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint32(40), length)
}

func TestVariableLengthExtendedForm(t *testing.T) {
	length, n, ok := VariableLength([]byte{0x7f, 0x01, 0x00, 0x00})
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint32(4), length)
}

func TestNextMessagePointer(t *testing.T) {
	var p NextMessagePointer
	assert.True(t, p.Reached(100))
	p.Advance(500)
	assert.False(t, p.Reached(400))
	assert.True(t, p.Reached(500))
}
