// Package runtime implements the plugin lifecycle and packet-to-plugin
// dispatch order (C9): new-flow initialization, L2-only packets, L4
// packets, and flow termination, each fanned out to every registered
// plugin in registration order.
package runtime

import (
	"github.com/pkg/errors"

	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/plugin"
	"github.com/flowplugins/flowplugins/printer"
	"github.com/flowplugins/flowplugins/schema"
	"github.com/flowplugins/flowplugins/util"
)

// Runtime owns the fixed-order list of decoders and the global
// OutputSchema built from their declared headers.
type Runtime struct {
	plugins  []plugin.Plugin
	schema   *schema.Schema
	capacity int
}

// New registers plugins in dispatch order and builds the global
// OutputSchema from their PrintHeader declarations. Plugins observe each
// other only through flow.Table (e.g. flow.Info.Opposite); the runtime
// itself never reaches into one plugin's state on behalf of another.
func New(plugins []plugin.Plugin) *Runtime {
	headers := make([]schema.Header, len(plugins))
	for i, p := range plugins {
		headers[i] = p.PrintHeader()
	}
	return &Runtime{
		plugins: plugins,
		schema:  schema.New(headers),
	}
}

// Schema returns the global OutputSchema, stable after Init.
func (r *Runtime) Schema() *schema.Schema {
	return r.schema
}

// Init allocates every plugin's per-flow state to the flow table's
// capacity. Must be called exactly once before any dispatch.
func (r *Runtime) Init(capacity int) error {
	r.capacity = capacity
	for _, p := range r.plugins {
		if err := p.Init(capacity); err != nil {
			return errors.Wrapf(err, "plugin %q: init", p.Name())
		}
	}
	return nil
}

// DispatchNewFlow fans out to every plugin's OnNewFlow. Must be called
// before any other dispatch for idx.
func (r *Runtime) DispatchNewFlow(pkt *flow.Packet, idx flow.Index, tbl flow.Table) {
	for _, p := range r.plugins {
		p.OnNewFlow(pkt, idx, tbl)
	}
}

// DispatchLayer2 fans out to every plugin's OnLayer2.
func (r *Runtime) DispatchLayer2(pkt *flow.Packet, idx flow.Index, tbl flow.Table) {
	for _, p := range r.plugins {
		p.OnLayer2(pkt, idx, tbl)
	}
}

// DispatchLayer4 fans out to every plugin's OnLayer4.
func (r *Runtime) DispatchLayer4(pkt *flow.Packet, idx flow.Index, tbl flow.Table) {
	for _, p := range r.plugins {
		p.OnLayer4(pkt, idx, tbl)
	}
}

// DispatchPacket applies the fixed order from spec §4.9 for one packet:
// OnNewFlow (if isNewFlow), then OnLayer2, then OnLayer4 iff the packet
// carries an L4 payload.
func (r *Runtime) DispatchPacket(pkt *flow.Packet, idx flow.Index, tbl flow.Table, isNewFlow bool) {
	if isNewFlow {
		r.DispatchNewFlow(pkt, idx, tbl)
	}
	r.DispatchLayer2(pkt, idx, tbl)
	if pkt.L4Off > 0 || pkt.L4Len > 0 {
		r.DispatchLayer4(pkt, idx, tbl)
	}
}

// TerminateFlow fans out to every plugin's OnFlowTerminate, in header
// declaration order, and returns the finished binary record. A plugin
// writing the wrong type/count for its declared columns surfaces as
// schema.ErrSchemaViolation; the runtime treats that as a contract
// violation and aborts the record rather than emitting corrupt output.
func (r *Runtime) TerminateFlow(idx flow.Index, tbl flow.Table) ([]byte, error) {
	b := r.schema.NewBuilder()
	for _, p := range r.plugins {
		if err := p.OnFlowTerminate(idx, tbl, b); err != nil {
			return nil, errors.Wrapf(err, "plugin %q: flow terminate", p.Name())
		}
	}
	rec, err := b.Build()
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Finalize shuts down every plugin in reverse registration order (mirrors
// the order decoders-that-depend-on-other-decoders' files would expect
// their own cleanup to run), logging any error but continuing so every
// plugin gets a chance to flush.
func (r *Runtime) Finalize() error {
	errs := &util.ErrorSet{SampleCount: 5}
	for i := len(r.plugins) - 1; i >= 0; i-- {
		p := r.plugins[i]
		if err := p.Finalize(); err != nil {
			printer.Errorf("plugin %q: finalize: %v\n", p.Name(), err)
			errs.Add(errors.Wrapf(err, "plugin %q", p.Name()))
		}
	}
	if errs.TotalCount > 0 {
		return errs
	}
	return nil
}
