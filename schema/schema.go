// Package schema implements the typed, self-describing output record
// format (C10): nested column descriptors built once at startup from each
// plugin's declared header, and a record builder that enforces
// declaration order when a flow terminates.
package schema

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Type is a primitive output column type.
type Type uint8

const (
	TypeU8 Type = iota
	TypeU16
	TypeU32
	TypeU64
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypeF32
	TypeF64
	TypeMAC48
	TypeIPv4
	TypeIPv6
	TypeString
	TypeTimestamp
	TypeHexU8
	TypeHexU16
	TypeHexU32
	TypeHexU64
)

// Column describes one output field. A repeated column's value stream
// begins with a uint32 "numrep" followed by that many tuples of
// SubColumns (or of a single synthetic sub-column named like Column
// itself, for a plain repeated scalar).
type Column struct {
	Name       string
	Type       Type
	Repeated   bool
	SubColumns []Column // only meaningful when Repeated
}

// Header is what a plugin declares once, in its PrintHeader method.
type Header struct {
	Prefix  string // the plugin's column-name prefix, e.g. "cdp"
	Columns []Column
}

// Schema is the full ordered set of columns across every registered
// plugin, built once at startup.
type Schema struct {
	columns []Column
}

// New builds a Schema from each plugin's header, in registration order.
// Column names follow the "<prefix><CamelCase>" convention (spec §6).
// Only top-level columns get the prefix; the sub-column names of a
// repeated group are kept as declared and are not joined with "_".
func New(headers []Header) *Schema {
	s := &Schema{}
	for _, h := range headers {
		for _, c := range h.Columns {
			c.Name = h.Prefix + c.Name
			s.columns = append(s.columns, c)
		}
	}
	return s
}

// Columns returns the full ordered column list.
func (s *Schema) Columns() []Column {
	return s.columns
}

// ErrSchemaViolation is returned by Builder when a plugin writes a value
// whose type doesn't match the next declared column, or finishes a record
// without writing every column (spec §4.9: "any mismatch is a contract
// violation").
var ErrSchemaViolation = errors.New("schema: output write does not match declared column order/type")

// Builder accumulates one flow's worth of column values in declared
// order, checking each write against the schema.
type Builder struct {
	schema *Schema
	cursor int
	buf    []byte
}

// NewBuilder starts a fresh record for one flow termination.
func (s *Schema) NewBuilder() *Builder {
	return &Builder{schema: s}
}

func (b *Builder) next() (Column, error) {
	if b.cursor >= len(b.schema.columns) {
		return Column{}, errors.Wrapf(ErrSchemaViolation, "no more declared columns (wrote %d)", b.cursor)
	}
	return b.schema.columns[b.cursor], nil
}

func (b *Builder) checkType(want Type) (Column, error) {
	col, err := b.next()
	if err != nil {
		return col, err
	}
	if col.Repeated {
		return col, errors.Wrapf(ErrSchemaViolation, "column %q is repeated, use WriteRepeated", col.Name)
	}
	if wireType(col.Type) != wireType(want) {
		return col, errors.Wrapf(ErrSchemaViolation, "column %q declared %v, wrote %v", col.Name, col.Type, want)
	}
	return col, nil
}

// wireType maps each hex display variant onto the unsigned type it shares
// a wire form with, so either writer may fill either column.
func wireType(t Type) Type {
	switch t {
	case TypeHexU8:
		return TypeU8
	case TypeHexU16:
		return TypeU16
	case TypeHexU32:
		return TypeU32
	case TypeHexU64:
		return TypeU64
	}
	return t
}

func (b *Builder) advance() {
	b.cursor++
}

// WriteU8 appends a uint8 value for the next declared column.
func (b *Builder) WriteU8(v uint8) error {
	if _, err := b.checkType(TypeU8); err != nil {
		return err
	}
	b.buf = append(b.buf, v)
	b.advance()
	return nil
}

// WriteU16 appends a uint16 value for the next declared column.
func (b *Builder) WriteU16(v uint16) error {
	if _, err := b.checkType(TypeU16); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	b.advance()
	return nil
}

// WriteU32 appends a uint32 value for the next declared column.
func (b *Builder) WriteU32(v uint32) error {
	if _, err := b.checkType(TypeU32); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	b.advance()
	return nil
}

// WriteU64 appends a uint64 value for the next declared column.
func (b *Builder) WriteU64(v uint64) error {
	if _, err := b.checkType(TypeU64); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
	b.advance()
	return nil
}

// WriteHexU8/16/32/64 append the same wire representation as the unsigned
// integer variants; the "hex" distinction is purely a display-time
// formatting hint carried in the column descriptor.
func (b *Builder) WriteHexU8(v uint8) error {
	if _, err := b.checkType(TypeHexU8); err != nil {
		return err
	}
	b.buf = append(b.buf, v)
	b.advance()
	return nil
}

func (b *Builder) WriteHexU32(v uint32) error {
	if _, err := b.checkType(TypeHexU32); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	b.advance()
	return nil
}

func (b *Builder) WriteHexU64(v uint64) error {
	if _, err := b.checkType(TypeHexU64); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
	b.advance()
	return nil
}

// WriteString appends a length-prefixed UTF-8 string. The in-memory
// representation a decoder works with is nul-terminated (see cursor
// package); only the wire form carries an explicit length prefix.
func (b *Builder) WriteString(s string) error {
	if _, err := b.checkType(TypeString); err != nil {
		return err
	}
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(len(s)))
	b.buf = append(b.buf, s...)
	b.advance()
	return nil
}

// WriteTimestamp appends a seconds+microseconds-since-epoch timestamp.
func (b *Builder) WriteTimestamp(t time.Time) error {
	if _, err := b.checkType(TypeTimestamp); err != nil {
		return err
	}
	sec := t.Unix()
	usec := t.Nanosecond() / 1000
	b.buf = binary.BigEndian.AppendUint64(b.buf, uint64(sec))
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(usec))
	b.advance()
	return nil
}

// WriteIPv4 appends a 4-byte address.
func (b *Builder) WriteIPv4(ip [4]byte) error {
	if _, err := b.checkType(TypeIPv4); err != nil {
		return err
	}
	b.buf = append(b.buf, ip[:]...)
	b.advance()
	return nil
}

// WriteIPv6 appends a 16-byte address.
func (b *Builder) WriteIPv6(ip [16]byte) error {
	if _, err := b.checkType(TypeIPv6); err != nil {
		return err
	}
	b.buf = append(b.buf, ip[:]...)
	b.advance()
	return nil
}

// WriteMAC48 appends a 6-byte hardware address.
func (b *Builder) WriteMAC48(mac [6]byte) error {
	if _, err := b.checkType(TypeMAC48); err != nil {
		return err
	}
	b.buf = append(b.buf, mac[:]...)
	b.advance()
	return nil
}

// RepeatedWriter is handed to a plugin to fill one repeated column's
// tuples; each Tuple call must write exactly len(SubColumns) values in
// order via the builder passed back, or that Tuple call returns an error.
type RepeatedWriter struct {
	parent *Builder
	col    Column
	count  uint32
	pos    int // byte position of the numrep value WriteRepeated wrote
}

// WriteRepeated begins a repeated column with the given tuple count. The
// returned RepeatedWriter's Tuple method must be called exactly n times.
func (b *Builder) WriteRepeated(n int) (*RepeatedWriter, error) {
	col, err := b.next()
	if err != nil {
		return nil, err
	}
	if !col.Repeated {
		return nil, errors.Wrapf(ErrSchemaViolation, "column %q is not repeated", col.Name)
	}
	pos := len(b.buf)
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(n))
	return &RepeatedWriter{parent: b, col: col, count: uint32(n), pos: pos}, nil
}

// Tuple writes one element of the repeated group using fn, which must
// issue exactly len(SubColumns) writes against the scratch Builder it
// receives, in sub-column order.
func (r *RepeatedWriter) Tuple(fn func(sub *Builder) error) error {
	sub := &Builder{schema: &Schema{columns: r.col.SubColumns}}
	if err := fn(sub); err != nil {
		return err
	}
	if sub.cursor != len(r.col.SubColumns) {
		return errors.Wrapf(ErrSchemaViolation, "repeated column %q: tuple wrote %d/%d sub-columns", r.col.Name, sub.cursor, len(r.col.SubColumns))
	}
	r.parent.buf = append(r.parent.buf, sub.buf...)
	return nil
}

// Finish completes the repeated column and returns control to the parent
// builder for the next declared column.
func (r *RepeatedWriter) Finish() error {
	r.parent.advance()
	return nil
}

// Build finalizes the record. It is an error to call Build before every
// declared column has been written.
func (b *Builder) Build() ([]byte, error) {
	if b.cursor != len(b.schema.columns) {
		return nil, errors.Wrapf(ErrSchemaViolation, "record wrote %d/%d declared columns", b.cursor, len(b.schema.columns))
	}
	return b.buf, nil
}

func (t Type) String() string {
	switch t {
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeMAC48:
		return "mac48"
	case TypeIPv4:
		return "ipv4"
	case TypeIPv6:
		return "ipv6"
	case TypeString:
		return "string"
	case TypeTimestamp:
		return "timestamp"
	case TypeHexU8, TypeHexU16, TypeHexU32, TypeHexU64:
		return fmt.Sprintf("hex(%d)", t)
	default:
		return "unknown"
	}
}
