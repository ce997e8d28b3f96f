// Package subnet implements the sorted-interval subnet lookup table (C2):
// a binary-searchable, version/endianness-safe on-disk format mapping
// IPv4/IPv6 address ranges to metadata (country, city, ASN, ...).
package subnet

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"
)

// ErrConfigMismatch is returned (and is fatal at startup, per spec §7)
// when a loaded file's version/revision doesn't match the compiled-in
// constants.
var ErrConfigMismatch = errors.New("subnet: file version/revision mismatch")

// Compiled-in format constants. A loaded file whose header disagrees is
// rejected outright: mixing format versions silently would make "not
// found" and "wrong format" indistinguishable.
const (
	formatVersion  uint16 = 1 // low 15 bits of the packed version/flag field
	compiledRevision uint32 = 1
)

const rangeModeFlag uint16 = 1 << 15

// Row is one IPv4 sentinel row. Two rows are emitted per configured
// range: the lower sentinel (upper=false) and the upper sentinel
// (upper=true); only the upper sentinel carries the full metadata payload
// in this implementation (the lower sentinel exists purely to bound the
// binary search, matching the "two sentinel rows per range" invariant in
// spec §3).
type Row struct {
	Net          uint32 // host order
	NetVec       uint32
	NetID        uint32
	ASN          uint32
	Lat, Lng     float32
	Precision    float32
	LocationCode [4]byte
	County       string
	City         string
	Organization string
	Upper        bool // range-flag: false=lower sentinel, true=upper sentinel
}

const fixedRowSize = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 1 // trailing strings are length-prefixed, appended after

// Header is the sentinel first row of the file.
type Header struct {
	Count    uint32
	Version  uint16
	Revision uint32
	RangeMode bool
	Unknown  string // sentinel value, always "unknown"; returned unchanged on a failed lookup
}

const unknownSentinel = "unknown"

// Table is a loaded, binary-searchable subnet table.
type Table struct {
	header Header
	rows   []Row // sorted by Net ascending; only the upper sentinels carry metadata

	mapped []byte // non-nil if the backing storage is memory-mapped

	lookupCache *cache.Cache
}

// Load reads a subnet table from path. It prefers a read-only memory map
// (golang.org/x/sys/unix.Mmap) and falls back to reading the file fully
// into memory when mmap is unavailable (e.g. the platform doesn't
// support it, or the file is on a filesystem that rejects MAP_SHARED).
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "subnet: open")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "subnet: stat")
	}

	var data []byte
	isMapped := false
	if mapped, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED); err == nil {
		data = mapped
		isMapped = true
	} else {
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, errors.Wrap(err, "subnet: read")
		}
	}

	t, err := parse(data)
	if err != nil {
		if isMapped {
			unix.Munmap(data)
		}
		return nil, err
	}
	if isMapped {
		t.mapped = data
	}
	return t, nil
}

// Close releases the memory map, if any.
func (t *Table) Close() error {
	if t.mapped != nil {
		return unix.Munmap(t.mapped)
	}
	return nil
}

func parse(data []byte) (*Table, error) {
	r := bytes.NewReader(data)

	var rawCount uint32
	var rawVerFlag uint16
	var revision uint32
	if err := binary.Read(r, binary.BigEndian, &rawCount); err != nil {
		return nil, errors.Wrap(err, "subnet: header count")
	}
	if err := binary.Read(r, binary.BigEndian, &rawVerFlag); err != nil {
		return nil, errors.Wrap(err, "subnet: header version")
	}
	if err := binary.Read(r, binary.BigEndian, &revision); err != nil {
		return nil, errors.Wrap(err, "subnet: header revision")
	}

	version := rawVerFlag &^ rangeModeFlag
	rangeMode := rawVerFlag&rangeModeFlag != 0

	if version != formatVersion || revision != compiledRevision {
		return nil, errors.Wrapf(ErrConfigMismatch, "file has version=%d revision=%d, compiled for version=%d revision=%d",
			version, revision, formatVersion, compiledRevision)
	}

	header := Header{Count: rawCount, Version: version, Revision: revision, RangeMode: rangeMode, Unknown: unknownSentinel}

	rows := make([]Row, 0, rawCount)
	for i := uint32(0); i < rawCount; i++ {
		row, err := readRow(r)
		if err != nil {
			return nil, errors.Wrapf(err, "subnet: row %d", i)
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Net < rows[j].Net })

	return &Table{header: header, rows: rows, lookupCache: cache.New(cache.NoExpiration, cache.NoExpiration)}, nil
}

func readRow(r *bytes.Reader) (Row, error) {
	var row Row
	fields := []interface{}{&row.Net, &row.NetVec, &row.NetID, &row.ASN, &row.Lat, &row.Lng, &row.Precision}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return row, err
		}
	}
	if _, err := io.ReadFull(r, row.LocationCode[:]); err != nil {
		return row, err
	}
	var flag uint8
	if err := binary.Read(r, binary.BigEndian, &flag); err != nil {
		return row, err
	}
	row.Upper = flag != 0

	for _, dst := range []*string{&row.County, &row.City, &row.Organization} {
		s, err := readPascalString(r)
		if err != nil {
			return row, err
		}
		*dst = s
	}
	return row, nil
}

func readPascalString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Lookup performs a binary search for the smallest sentinel whose key is
// >= query (host-order IPv4 address). If that sentinel is an upper
// sentinel, query falls inside its range and the row is returned. A
// secondary, ethertype-qualified lookup is attempted when the primary
// match lands on a lower sentinel with query strictly greater than its
// key (the VLAN/ethertype-qualified MAC-label case from spec §4.2).
// Lookup returns (Row{}, false) for "not in table", matching the
// "index 0" convention from the source format.
func (t *Table) Lookup(query uint32, ethertypeLow16 uint16) (Row, bool) {
	if cached, ok := t.lookupCache.Get(cacheKey(query)); ok {
		if row, isRow := cached.(Row); isRow {
			return row, true
		}
		return Row{}, false
	}
	row, ok := t.lookup(query)
	if !ok {
		// Secondary search only makes sense when the primary search landed
		// on a lower sentinel and query is strictly inside a gap.
		if row2, ok2 := t.lookupSecondary(query, ethertypeLow16); ok2 {
			t.lookupCache.Set(cacheKey(query), row2, cache.DefaultExpiration)
			return row2, true
		}
		t.lookupCache.Set(cacheKey(query), nil, cache.DefaultExpiration)
		return Row{}, false
	}
	t.lookupCache.Set(cacheKey(query), row, cache.DefaultExpiration)
	return row, true
}

func cacheKey(query uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], query)
	return string(b[:])
}

func (t *Table) lookup(query uint32) (Row, bool) {
	idx := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Net >= query })
	if idx >= len(t.rows) {
		return Row{}, false
	}
	if t.rows[idx].Upper {
		return t.rows[idx], true
	}
	// idx landed on a lower sentinel. A query exactly at its range's start
	// still falls inside [Net, upper.Net]; the upper sentinel carrying the
	// range's metadata is the next row.
	if query == t.rows[idx].Net && idx+1 < len(t.rows) && t.rows[idx+1].Upper {
		return t.rows[idx+1], true
	}
	return Row{}, false
}

func (t *Table) lookupSecondary(query uint32, ethertypeLow16 uint16) (Row, bool) {
	idx := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Net >= query })
	if idx >= len(t.rows) || t.rows[idx].Upper || query <= t.rows[idx].Net {
		return Row{}, false
	}
	qualified := query | uint32(ethertypeLow16)
	return t.lookup(qualified)
}

// Header returns the file header, whose sentinel "unknown" strings a
// caller may fall back to when Lookup reports no match.
func (t *Table) Header() Header {
	return t.header
}

// Len returns the number of data rows in the table (the header row is
// not counted).
func (t *Table) Len() int {
	return len(t.rows)
}
