// Package flowtable implements the minimal flow.Table the replay command
// needs to hand decoders a stable Index per five-tuple and to let them
// look up the opposite-direction flow, mirroring the read-only contract
// flow.Table documents without depending on any particular capture
// source.
package flowtable

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowplugins/flowplugins/flow"
)

type entry struct {
	info flow.Info
}

// Table assigns a flow.Index the first time a five-tuple (in either
// direction) is seen and links reverse-direction flows as opposites.
type Table struct {
	mu      sync.Mutex
	entries []entry
	index   map[string]flow.Index
}

func New() *Table {
	return &Table{index: make(map[string]flow.Index)}
}

// key renders tuple in a comparable form; FiveTuple itself holds net.IP
// slices and cannot be a map key.
func key(ft flow.FiveTuple) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", ft.SrcIP, ft.DstIP, ft.SrcPort, ft.DstPort, ft.L4Proto)
}

var _ flow.Table = (*Table)(nil)

func (t *Table) Info(idx flow.Index) (flow.Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.entries) {
		return flow.Info{}, false
	}
	return t.entries[idx].info, true
}

func (t *Table) SetStatus(idx flow.Index, bits flow.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[idx].info.Status |= bits
}

// Lookup returns the Index for tuple, allocating a fresh one (and linking
// it to its opposite direction, if already known) the first time this
// tuple is seen. isNew reports whether this call allocated the entry.
func (t *Table) Lookup(tuple flow.FiveTuple, ts time.Time) (idx flow.Index, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.index[key(tuple)]; ok {
		t.entries[existing].info.LastSeen = ts
		return existing, false
	}

	idx = flow.Index(len(t.entries))
	info := flow.Info{Tuple: tuple, FirstSeen: ts, LastSeen: ts, Opposite: flow.None}

	opp := reverse(tuple)
	if oppIdx, ok := t.index[key(opp)]; ok {
		info.Opposite = oppIdx
		info.HasOpposite = true
		t.entries[oppIdx].info.Opposite = idx
		t.entries[oppIdx].info.HasOpposite = true
	}

	t.entries = append(t.entries, entry{info: info})
	t.index[key(tuple)] = idx
	return idx, true
}

// Len is the number of flows allocated so far.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func reverse(ft flow.FiveTuple) flow.FiveTuple {
	return flow.FiveTuple{
		SrcIP:   ft.DstIP,
		DstIP:   ft.SrcIP,
		SrcPort: ft.DstPort,
		DstPort: ft.SrcPort,
		L4Proto: ft.L4Proto,
	}
}
