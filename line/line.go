// Package line implements the shared primitives for CRLF-delimited
// request/response protocols (IRC, POP3, SMTP, TELNET): C4 from the
// design. It scans an L7 slice into independent lines and recognizes
// fixed command tokens by packing the first few bytes of a line into a
// uint64, case-folded, and right-masked to the line's actual length so
// short lines never alias a longer command.
package line

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/flowplugins/flowplugins/tlv"
)

// Scanner splits an L7 slice into lines terminated by CRLF, CR, or LF (in
// that preference order), per protocol.
type Scanner struct {
	buf []byte
	pos int
}

// NewScanner wraps an L7 payload slice for line-by-line iteration.
func NewScanner(buf []byte) *Scanner {
	return &Scanner{buf: buf}
}

// Next returns the next line (terminator stripped), or ok=false once the
// buffer is exhausted. A trailing partial line with no terminator is
// returned as-is on the final call, since the protocol may continue it in
// a later segment.
func (s *Scanner) Next() (line []byte, ok bool) {
	if s.pos >= len(s.buf) {
		return nil, false
	}
	rest := s.buf[s.pos:]

	crlf := bytes.Index(rest, []byte{'\r', '\n'})
	cr := bytes.IndexByte(rest, '\r')
	lf := bytes.IndexByte(rest, '\n')

	idx, termLen := -1, 0
	switch {
	case crlf >= 0:
		idx, termLen = crlf, 2
	case cr >= 0 && (lf < 0 || cr < lf):
		idx, termLen = cr, 1
	case lf >= 0:
		idx, termLen = lf, 1
	}

	if idx < 0 {
		s.pos = len(s.buf)
		return rest, true
	}
	s.pos += idx + termLen
	return rest[:idx], true
}

// StripPrefix removes an IRC-style "`:prefix `" leading token from line,
// returning the remainder. Lines without a leading ':' are returned
// unchanged.
func StripPrefix(line []byte) []byte {
	if len(line) == 0 || line[0] != ':' {
		return line
	}
	if i := bytes.IndexByte(line, ' '); i >= 0 {
		return line[i+1:]
	}
	return line
}

// PackToken folds the first up to 8 bytes of tok to lowercase and packs
// them big-endian into a uint64, the rest zero. Two tokens compare equal
// under Match regardless of what follows the recognized command if the
// caller also confirms the next byte is a space or terminator.
func PackToken(tok []byte) uint64 {
	var v uint64
	n := len(tok)
	if n > 8 {
		n = 8
	}
	for i := 0; i < n; i++ {
		c := tok[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		v = v<<8 | uint64(c)
	}
	v <<= uint(8 * (8 - n))
	return v
}

// Match reports whether the start of line matches the packed command
// token cmd of cmdLen bytes, case-insensitively, requiring the command be
// either the whole line or followed by a space.
func Match(line []byte, cmd uint64, cmdLen int) bool {
	if len(line) < cmdLen {
		return false
	}
	if PackToken(line[:cmdLen]) != cmd {
		return false
	}
	return len(line) == cmdLen || line[cmdLen] == ' '
}

// Argument returns the text following the recognized command token and
// its separating space, or nil if there is none.
func Argument(line []byte, cmdLen int) []byte {
	if len(line) <= cmdLen {
		return nil
	}
	return bytes.TrimSpace(line[cmdLen+1:])
}

// ParseResponseCode parses the first token of a server line as a base-10
// response code, per spec §4.4 ("response codes ... parsed as base-10
// integers"). ok is false if the token isn't a clean decimal number.
func ParseResponseCode(line []byte) (code int, ok bool) {
	end := bytes.IndexByte(line, ' ')
	tok := line
	if end >= 0 {
		tok = line[:end]
	}
	if len(tok) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(tok))
	if err != nil {
		return 0, false
	}
	return n, true
}

// BoundedCodeSet tracks up to N distinct response codes, setting Overflow
// beyond capacity — reuses tlv.BoundedList's dedup-on-insert semantics
// since a response-code set is the same shape as a TLV address/TTL list.
type BoundedCodeSet = tlv.BoundedList

// NewBoundedCodeSet creates a response-code set capped per spec §4.4
// (16-20 distinct codes).
func NewBoundedCodeSet(cap int) BoundedCodeSet {
	return tlv.NewBoundedList(cap)
}

// AuthState tracks the small authentication state machine shared by
// POP3/SMTP/TELNET: PASS/AUTH-pending, password-following, and
// return-path-following bits (spec §4.4).
type AuthState uint8

const (
	AuthPending AuthState = 1 << iota
	PasswordFollowing
	ReturnPathFollowing
)

// ErrNameTruncated is returned by OpenExtractFile when the constructed
// filename exceeded the platform limit and had to be shortened (spec
// §4.4/§4.6: "Filename truncation ... sets a status bit").
var ErrNameTruncated = errors.New("line: extract filename truncated")

const maxNameLen = 200

// ExtractFile is a per-flow data-transfer output file (POP/SMTP/TELNET
// file extraction option, spec §4.4), opened once at the first
// qualifying data byte and written at tcp_seq-relative offsets so
// retransmission and reordering reconcile the same as Dumper's TCP path.
type ExtractFile struct {
	f          *os.File
	initialSeq uint32
	started    bool
}

// OpenExtractFile builds "{user-or-recipient}_{direction}_{flowID}" under
// dir, truncating the user-supplied component if the full name would
// exceed the platform limit.
func OpenExtractFile(dir, who, direction string, flowID uint32) (*ExtractFile, error) {
	suffix := fmt.Sprintf("_%s_%d", direction, flowID)
	truncated := false
	if len(who)+len(suffix) > maxNameLen {
		keep := maxNameLen - len(suffix)
		if keep < 0 {
			keep = 0
		}
		who = who[:keep]
		truncated = true
	}
	name := who + suffix
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "line: create extract file %q", name)
	}
	if truncated {
		return &ExtractFile{f: f}, ErrNameTruncated
	}
	return &ExtractFile{f: f}, nil
}

// WriteAt writes payload at the offset implied by tcpSeq relative to the
// flow's first observed sequence number.
func (e *ExtractFile) WriteAt(tcpSeq uint32, payload []byte) error {
	if !e.started {
		e.initialSeq = tcpSeq
		e.started = true
	}
	off := int64(tcpSeq - e.initialSeq)
	if _, err := e.f.WriteAt(payload, off); err != nil {
		return errors.Wrap(err, "line: extract file write")
	}
	return nil
}

// Close closes the underlying file.
func (e *ExtractFile) Close() error {
	return e.f.Close()
}
