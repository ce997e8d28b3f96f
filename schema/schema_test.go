package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderInOrderSucceeds(t *testing.T) {
	s := New([]Header{
		{Prefix: "cdp", Columns: []Column{
			{Name: "Version", Type: TypeU8},
			{Name: "Device", Type: TypeString},
		}},
	})
	b := s.NewBuilder()
	require.NoError(t, b.WriteU8(2))
	require.NoError(t, b.WriteString("Switch-A"))
	rec, err := b.Build()
	require.NoError(t, err)
	assert.NotEmpty(t, rec)
}

func TestBuilderRejectsWrongType(t *testing.T) {
	s := New([]Header{{Prefix: "x", Columns: []Column{{Name: "A", Type: TypeU8}}}})
	b := s.NewBuilder()
	err := b.WriteString("oops")
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestBuilderRejectsIncompleteRecord(t *testing.T) {
	s := New([]Header{{Prefix: "x", Columns: []Column{{Name: "A", Type: TypeU8}, {Name: "B", Type: TypeU8}}}})
	b := s.NewBuilder()
	require.NoError(t, b.WriteU8(1))
	_, err := b.Build()
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestRepeatedColumn(t *testing.T) {
	s := New([]Header{{Prefix: "lldp", Columns: []Column{
		{Name: "Ttl", Type: TypeU32, Repeated: true, SubColumns: []Column{{Name: "Ttl", Type: TypeU32}}},
	}}})
	b := s.NewBuilder()
	rw, err := b.WriteRepeated(2)
	require.NoError(t, err)
	require.NoError(t, rw.Tuple(func(sub *Builder) error { return sub.WriteU32(120) }))
	require.NoError(t, rw.Tuple(func(sub *Builder) error { return sub.WriteU32(60) }))
	require.NoError(t, rw.Finish())
	rec, err := b.Build()
	require.NoError(t, err)
	assert.Len(t, rec, 4+4+4) // numrep + 2 tuples
}

func TestColumnNamingPrefixConvention(t *testing.T) {
	s := New([]Header{{Prefix: "cdp", Columns: []Column{{Name: "DeviceId", Type: TypeString}}}})
	assert.Equal(t, "cdpDeviceId", s.Columns()[0].Name)
}
