// Package pcaptest builds small synthetic PCAP files for exercising the
// replay pipeline end to end, adapted from the teacher's
// pcap/packet_util.go packet-fixture builders (originally used to feed
// akinet's TCP/TLS parsers in unit tests) to instead target flowplugins'
// own gopacket-layers replay path.
package pcaptest

import (
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func ethAndIP(src, dst net.IP, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		EthernetType: layers.EthernetTypeIPv4,
		SrcMAC:       net.HardwareAddr{0xFF, 0xAA, 0xFA, 0xAA, 0xFF, 0xAA},
		DstMAC:       net.HardwareAddr{0xBD, 0xBD, 0xBD, 0xBD, 0xBD, 0xBD},
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    src,
		DstIP:    dst,
	}
	return eth, ip
}

func serialize(layerList ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	gopacket.SerializeLayers(buf, opts, layerList...)
	return buf.Bytes()
}

// TCPPacket builds one TCP segment with the given flags, sequence number,
// and payload.
func TCPPacket(src, dst net.IP, srcPort, dstPort int, seq uint32, syn, ack, fin, rst bool, payload []byte) []byte {
	eth, ip := ethAndIP(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		SYN:     syn,
		ACK:     ack,
		FIN:     fin,
		RST:     rst,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, tcp, gopacket.Payload(payload))
}

// UDPPacket builds one UDP datagram.
func UDPPacket(src, dst net.IP, srcPort, dstPort int, payload []byte) []byte {
	eth, ip := ethAndIP(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, udp, gopacket.Payload(payload))
}

// WriteFile writes frames to path as a classic PCAP file, one record per
// frame, timestamped 1ms apart starting at base.
func WriteFile(path string, base time.Time, frames [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return err
	}
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := w.WritePacket(ci, frame); err != nil {
			return err
		}
	}
	return nil
}
