// Package plugin declares the lifecycle contract every protocol decoder
// implements (C9's dispatch target). A decoder borrows the packet and its
// own per-flow state slice for the duration of one callback and never
// retains either past it.
package plugin

import (
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/schema"
)

// Plugin is implemented by every protocol decoder in this module: the TLV
// walkers (cdp, lldp, mndp, vtp, stun), the line decoders (irc, pop, smtp,
// telnet), the stream decoders (ntlmssp, telegram), and the payload
// dumper. The ringextractor is driven by the replay command directly and
// does not implement this interface.
type Plugin interface {
	// Name of the plugin, used in status reports and log lines.
	Name() string

	// Init is called once at startup with the flow-table capacity; a
	// plugin allocates its per-flow state slice(s) to exactly this size.
	Init(capacity int) error

	// OnNewFlow is invoked once per flow, on the packet that creates it,
	// before any other callback for that flow. Implementations zero their
	// per-flow slot here so a recycled flow.Index starts clean.
	OnNewFlow(pkt *flow.Packet, idx flow.Index, tbl flow.Table)

	// OnLayer2 is invoked for every packet, after OnNewFlow (if any) and
	// before OnLayer4. Most plugins no-op here.
	OnLayer2(pkt *flow.Packet, idx flow.Index, tbl flow.Table)

	// OnLayer4 is invoked for every packet carrying an L4 payload, after
	// all plugins' OnNewFlow/OnLayer2 callbacks for that packet.
	OnLayer4(pkt *flow.Packet, idx flow.Index, tbl flow.Table)

	// OnFlowTerminate is invoked once, after every other callback for the
	// flow. The plugin must append its declared columns to b in exactly
	// the order returned by PrintHeader, or b.Build will report
	// ErrSchemaViolation.
	OnFlowTerminate(idx flow.Index, tbl flow.Table, b *schema.Builder) error

	// Finalize is called once at shutdown, after the last flow has
	// terminated, to release resources (open files, background threads).
	Finalize() error

	// PrintHeader declares this plugin's output columns, once, before the
	// first packet is dispatched. The returned Header becomes part of the
	// global OutputSchema.
	PrintHeader() schema.Header
}
