// Package cursor implements a bounds-checked, endian-aware reader over a
// captured packet buffer. Every decoder in this module wraps its borrowed
// L7 slice in a Cursor before touching a single byte of it.
package cursor

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

// utf16LECodec converts raw UTF-16LE bytes (as seen in SMB/NTLMSSP and
// Telegram string fields) to UTF-8. The Encoding is shared across calls;
// decodeUTF16LE takes a fresh Decoder from it on every call, since a
// golang.org/x/text Decoder value may be used from one goroutine at a time.
var utf16LECodec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Sentinel errors returned by Cursor reads. Callers are expected to use
// errors.Is against these, never string-match.
var (
	// ErrSnapped is returned when a read would run past the end of the
	// buffer. The cursor's position is left unchanged.
	ErrSnapped = errors.New("cursor: snapped: not enough bytes remaining")

	// ErrTruncated is returned by ReadString when the source string is
	// longer than the destination buffer. The destination is still filled
	// and nul-terminated at max-1; callers decide whether truncation is a
	// hard error or just a status bit.
	ErrTruncated = errors.New("cursor: string truncated")
)

// Encoding selects how ReadString interprets the source bytes.
type Encoding int

const (
	UTF8 Encoding = iota
	UTF16LE
)

// Cursor is a position within a borrowed byte slice. It never copies the
// underlying buffer; all reads are bounds-checked against len(buf).
type Cursor struct {
	buf []byte
	pos int
}

// New wraps buf for bounds-checked reading starting at position 0.
func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Tell returns the current absolute position.
func (c *Cursor) Tell() int {
	return c.pos
}

// Len returns the total length of the wrapped buffer.
func (c *Cursor) Len() int {
	return len(c.buf)
}

// Seek moves the cursor to an absolute position. It fails if abs is outside
// [0, len(buf)].
func (c *Cursor) Seek(abs int) error {
	if abs < 0 || abs > len(c.buf) {
		return ErrSnapped
	}
	c.pos = abs
	return nil
}

// Skip advances the cursor by n bytes without reading them.
func (c *Cursor) Skip(n int) error {
	if n < 0 || n > c.Remaining() {
		return ErrSnapped
	}
	c.pos += n
	return nil
}

func (c *Cursor) need(n int) error {
	if n > c.Remaining() {
		return ErrSnapped
	}
	return nil
}

// ReadU8 reads one byte.
func (c *Cursor) ReadU8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

// ReadU16 reads a big-endian uint16.
func (c *Cursor) ReadU16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

// ReadU32 reads a big-endian uint32.
func (c *Cursor) ReadU32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

// ReadU64 reads a big-endian uint64.
func (c *Cursor) ReadU64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

// ReadLEU16 reads a little-endian uint16.
func (c *Cursor) ReadLEU16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

// ReadLEU32 reads a little-endian uint32.
func (c *Cursor) ReadLEU32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

// ReadLEU64 reads a little-endian uint64.
func (c *Cursor) ReadLEU64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

// ReadBytes copies exactly len(dst) bytes into dst.
func (c *Cursor) ReadBytes(dst []byte) error {
	if err := c.need(len(dst)); err != nil {
		return err
	}
	copy(dst, c.buf[c.pos:c.pos+len(dst)])
	c.pos += len(dst)
	return nil
}

// PeekBytes returns a sub-slice of the remaining buffer without advancing
// the cursor. The returned slice aliases the wrapped buffer; callers must
// not retain it past the packet's lifetime.
func (c *Cursor) PeekBytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	return c.buf[c.pos : c.pos+n], nil
}

// ReadString consumes n source bytes (decoding encoding along the way),
// writes at most max-1 bytes of the UTF-8 result into dst (capacity max),
// and always nul-terminates the destination at or before max-1. If the
// decoded text is longer than fits, the destination is still produced but
// ErrTruncated is returned so callers can set a status bit.
//
// n is the number of source bytes to consume; nulTerminate, if true, stops
// early at the first embedded nul byte (both in the source and in the
// decoded text).
func (c *Cursor) ReadString(n int, dst []byte, max int, enc Encoding, nulTerminate bool) (string, error) {
	if max <= 0 {
		return "", errors.New("cursor: ReadString requires max > 0")
	}
	if err := c.need(n); err != nil {
		return "", err
	}
	raw := c.buf[c.pos : c.pos+n]
	c.pos += n

	var decoded string
	switch enc {
	case UTF16LE:
		decoded = decodeUTF16LE(raw)
	default:
		decoded = string(raw)
	}

	if nulTerminate {
		if idx := indexByte(decoded, 0); idx >= 0 {
			decoded = decoded[:idx]
		}
	}

	truncated := false
	if len(decoded) > max-1 {
		decoded = decoded[:max-1]
		truncated = true
	}
	if dst != nil {
		copy(dst, decoded)
		if len(decoded) < len(dst) {
			dst[len(decoded)] = 0
		}
	}
	if truncated {
		return decoded, ErrTruncated
	}
	return decoded, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func decodeUTF16LE(raw []byte) string {
	out, err := utf16LECodec.NewDecoder().Bytes(raw)
	if err != nil {
		// Best-effort: malformed UTF-16 is treated as an empty field rather
		// than aborting the whole decoder.
		return ""
	}
	return string(out)
}

// HexDecode reads n raw bytes and returns their 2n-character lowercase hex
// encoding, writing into dst if it has sufficient capacity (2n bytes),
// otherwise allocating.
func (c *Cursor) HexDecode(n int, dst []byte) (string, error) {
	if err := c.need(n); err != nil {
		return "", err
	}
	raw := c.buf[c.pos : c.pos+n]
	c.pos += n
	need := hex.EncodedLen(n)
	if cap(dst) < need {
		dst = make([]byte, need)
	} else {
		dst = dst[:need]
	}
	hex.Encode(dst, raw)
	return string(dst), nil
}

// MemMem locates needle in the buffer starting at the current position and
// returns its absolute offset, or -1 if not found. The cursor is not moved.
func (c *Cursor) MemMem(needle []byte) int {
	if len(needle) == 0 || c.Remaining() < len(needle) {
		return -1
	}
	hay := c.buf[c.pos:]
	for i := 0; i+len(needle) <= len(hay); i++ {
		if bytesEqual(hay[i:i+len(needle)], needle) {
			return c.pos + i
		}
	}
	return -1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
