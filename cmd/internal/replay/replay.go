// Package replay implements the offline, two-pass capture-file replay
// driver behind the run command: a sizing pass counts the distinct flows
// in a capture so every plugin's per-flow state can be preallocated
// before any packet is dispatched, then a dispatch pass feeds each
// packet to the runtime and writes one binary record per terminated flow.
package replay

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"

	"github.com/flowplugins/flowplugins/cmd/internal/flowtable"
	"github.com/flowplugins/flowplugins/findexer"
	"github.com/flowplugins/flowplugins/flow"
	"github.com/flowplugins/flowplugins/printer"
	"github.com/flowplugins/flowplugins/ringextractor"
	"github.com/flowplugins/flowplugins/runtime"
)

// pcapGlobalHeaderLen is the size of a classic PCAP file's global header,
// the starting point for the running byte-offset bookkeeping findexer
// needs but does not itself track.
const pcapGlobalHeaderLen = 24

// pcapRecordHeaderLen is the size of a classic PCAP per-packet record
// header (ts sec/usec, caplen, origlen), preceding each packet's bytes.
const pcapRecordHeaderLen = 16

// Options configures one replay run.
type Options struct {
	ReplayFile string
	OutDir     string

	EnableRingExtract bool
	RingCapacity      int
	RingOutputPrefix  string
	RingSplitBytes    int64
	RingSplitFlows    int

	EnableFindex      bool
	FindexPrefix      string
	FindexPacketIndex bool
}

// Run replays opts.ReplayFile through rt and writes one length-prefixed
// binary record per terminated flow to <OutDir>/records.bin.
func Run(rt *runtime.Runtime, opts Options) error {
	capacity, err := countFlows(opts.ReplayFile)
	if err != nil {
		return errors.Wrap(err, "replay: sizing pass")
	}
	if err := rt.Init(capacity); err != nil {
		return err
	}

	outPath := opts.OutDir + "/records.bin"
	outFile, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "replay: create %q", outPath)
	}
	defer outFile.Close()

	var ring *ringextractor.Ring
	if opts.EnableRingExtract {
		ring = ringextractor.New(ringextractor.Options{
			RingCapacity:   opts.RingCapacity,
			OutputDir:      opts.OutDir,
			OutputPrefix:   opts.RingOutputPrefix,
			SplitBytes:     opts.RingSplitBytes,
			SplitFlowCount: opts.RingSplitFlows,
		})
		if err := ring.Start(); err != nil {
			return errors.Wrap(err, "replay: start ring extractor")
		}
		defer ring.Finalize()
	}

	var fx *findexer.Findexer
	if opts.EnableFindex {
		fx = findexer.New(findexer.Options{
			OutputDir:         opts.OutDir,
			FilePrefix:        opts.FindexPrefix,
			EnablePacketIndex: opts.FindexPacketIndex,
		})
		if err := fx.Open(opts.ReplayFile); err != nil {
			return errors.Wrap(err, "replay: open flow index")
		}
		defer fx.Close()
	}

	f, err := os.Open(opts.ReplayFile)
	if err != nil {
		return errors.Wrapf(err, "replay: open %q", opts.ReplayFile)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "replay: read pcap header")
	}

	tbl := flowtable.New()
	terminated := make([]bool, capacity)
	pcapOffset := int64(pcapGlobalHeaderLen)
	var packetNum uint64

	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "replay: read packet")
		}
		packetNum++

		pkt, tuple, ok := parsePacket(data, ci)
		if !ok {
			pcapOffset += pcapRecordHeaderLen + int64(ci.CaptureLength)
			continue
		}

		idx, isNew := tbl.Lookup(tuple, pkt.Timestamp)
		if pkt.L3Proto == "ipv6" {
			tbl.SetStatus(idx, flow.IsIPv6)
		}
		rt.DispatchPacket(pkt, idx, tbl, isNew)

		if ring != nil {
			ring.Append(idx, pkt.Timestamp, ci.Length, data)
		}
		if fx != nil {
			info, _ := tbl.Info(idx)
			// A flow's own tuple never changes after creation, so
			// "reverse" means this direction was the second one
			// observed of the pair (its opposite got the lower index).
			reverse := info.HasOpposite && info.Opposite < idx
			if err := fx.RecordPacket(uint64(idx), reverse, uint64(pcapOffset), packetNum); err != nil {
				return errors.Wrap(err, "replay: record packet offset")
			}
		}

		if pkt.TCP != nil && isTCPTerminal(pkt.TCP) && !terminated[idx] {
			if err := terminateFlow(rt, tbl, idx, outFile, fx); err != nil {
				return err
			}
			terminated[idx] = true
		}

		pcapOffset += pcapRecordHeaderLen + int64(ci.CaptureLength)
	}

	for i := 0; i < capacity; i++ {
		idx := flow.Index(i)
		if terminated[idx] {
			continue
		}
		if _, ok := tbl.Info(idx); !ok {
			continue
		}
		if err := terminateFlow(rt, tbl, idx, outFile, fx); err != nil {
			return err
		}
	}

	return rt.Finalize()
}

// terminateFlow dispatches OnFlowTerminate for idx and appends the
// resulting record to out, length-prefixed. A schema violation from one
// flow is logged and skipped rather than aborting the whole replay, the
// same tolerance runtime.Finalize applies across plugins.
func terminateFlow(rt *runtime.Runtime, tbl *flowtable.Table, idx flow.Index, out *os.File, fx *findexer.Findexer) error {
	rec, err := rt.TerminateFlow(idx, tbl)
	if err != nil {
		printer.Errorf("flow %d: terminate: %v\n", idx, err)
		return nil
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
	if _, err := out.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "replay: write record length")
	}
	if _, err := out.Write(rec); err != nil {
		return errors.Wrap(err, "replay: write record")
	}

	if fx != nil {
		if err := fx.FlowTerminate(uint64(idx)); err != nil {
			return errors.Wrap(err, "replay: findexer flow terminate")
		}
	}
	return nil
}

func isTCPTerminal(h *flow.TCPHeader) bool {
	return h.Flags.FIN || h.Flags.RST
}

// countFlows is the sizing pass: it re-reads path, classifying just
// enough of each packet to key it into a throwaway flow table, and
// returns the number of distinct five-tuples seen.
func countFlows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "replay: open %q", path)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return 0, errors.Wrap(err, "replay: read pcap header")
	}

	tbl := flowtable.New()
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrap(err, "replay: read packet")
		}
		if _, tuple, ok := parsePacket(data, ci); ok {
			tbl.Lookup(tuple, ci.Timestamp)
		}
	}
	return tbl.Len(), nil
}

// parsePacket decodes one captured frame into a flow.Packet and the
// five-tuple that keys its flow. ok is false for frames with no
// recognized network layer, which carry no flow identity to dispatch on.
func parsePacket(data []byte, ci gopacket.CaptureInfo) (*flow.Packet, flow.FiveTuple, bool) {
	pkt := &flow.Packet{
		Raw:       data,
		CapLen:    ci.CaptureLength,
		Timestamp: ci.Timestamp,
	}

	decoded := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	ethLayer := decoded.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return pkt, flow.FiveTuple{}, false
	}
	eth := ethLayer.(*layers.Ethernet)
	pkt.L2Off, pkt.L2Len = 0, 14
	pkt.EtherType = uint16(eth.EthernetType)

	var tuple flow.FiveTuple

	switch {
	case decoded.Layer(layers.LayerTypeIPv4) != nil:
		ip := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		pkt.L3Proto = "ipv4"
		pkt.L3Off = pkt.L2Len
		pkt.L3Len = int(ip.IHL) * 4
		pkt.SrcIP, pkt.DstIP = ip.SrcIP, ip.DstIP
		tuple.SrcIP, tuple.DstIP = ip.SrcIP, ip.DstIP
	case decoded.Layer(layers.LayerTypeIPv6) != nil:
		ip6 := decoded.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		pkt.L3Proto = "ipv6"
		pkt.L3Off = pkt.L2Len
		pkt.L3Len = 40
		pkt.SrcIP, pkt.DstIP = ip6.SrcIP, ip6.DstIP
		tuple.SrcIP, tuple.DstIP = ip6.SrcIP, ip6.DstIP
	default:
		return pkt, flow.FiveTuple{}, false
	}

	l4Off := pkt.L3Off + pkt.L3Len

	switch {
	case decoded.Layer(layers.LayerTypeTCP) != nil:
		tcp := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
		pkt.L4Proto = flow.L4TCP
		pkt.L4Off = l4Off
		pkt.L4Len = int(tcp.DataOffset) * 4
		pkt.SrcPort, pkt.DstPort = int(tcp.SrcPort), int(tcp.DstPort)
		pkt.TCP = &flow.TCPHeader{
			Seq: tcp.Seq,
			Ack: tcp.Ack,
			Flags: flow.TCPFlags{
				SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST, PSH: tcp.PSH, URG: tcp.URG,
			},
		}
		pkt.L7Off = pkt.L4Off + pkt.L4Len
		pkt.L7Len = len(tcp.Payload)
		tuple.SrcPort, tuple.DstPort = pkt.SrcPort, pkt.DstPort
		tuple.L4Proto = flow.L4TCP
	case decoded.Layer(layers.LayerTypeUDP) != nil:
		udp := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
		pkt.L4Proto = flow.L4UDP
		pkt.L4Off = l4Off
		pkt.L4Len = 8
		pkt.SrcPort, pkt.DstPort = int(udp.SrcPort), int(udp.DstPort)
		pkt.L7Off = pkt.L4Off + pkt.L4Len
		pkt.L7Len = len(udp.Payload)
		tuple.SrcPort, tuple.DstPort = pkt.SrcPort, pkt.DstPort
		tuple.L4Proto = flow.L4UDP
	case decoded.Layer(layers.LayerTypeSCTP) != nil:
		sctp := decoded.Layer(layers.LayerTypeSCTP).(*layers.SCTP)
		pkt.L4Proto = flow.L4SCTP
		pkt.L4Off = l4Off
		pkt.L4Len = 12
		pkt.SrcPort, pkt.DstPort = int(sctp.SrcPort), int(sctp.DstPort)
		pkt.L7Off = pkt.L4Off + pkt.L4Len
		pkt.L7Len = len(data) - pkt.L7Off
		tuple.SrcPort, tuple.DstPort = pkt.SrcPort, pkt.DstPort
		tuple.L4Proto = flow.L4SCTP
	case decoded.Layer(layers.LayerTypeICMPv4) != nil, decoded.Layer(layers.LayerTypeICMPv6) != nil:
		pkt.L4Proto = flow.L4ICMP
		tuple.L4Proto = flow.L4ICMP
	default:
		tuple.L4Proto = flow.L4Unknown
	}

	pkt.SnapL7Len = pkt.L7Len
	if pkt.L7Off >= 0 {
		if avail := len(data) - pkt.L7Off; avail < pkt.SnapL7Len {
			if avail < 0 {
				avail = 0
			}
			pkt.SnapL7Len = avail
		}
	}

	return pkt, tuple, true
}
