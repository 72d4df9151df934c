package sink

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/censorlab/censorlab/pkg/packet"
)

// BuildResetPair synthesizes the two RST segments that tear a TCP
// connection down from the middle: one towards the packet's receiver
// carrying the observed sequence number, one back towards the sender
// acknowledging the observed payload. Sequence numbers unknown to the
// observer stay zero and the endpoints may ignore the segment; the
// mechanism is best effort by nature.
//
// withEthernet selects link-level frames (tap injection) or bare IP
// packets (queue-mode raw socket).
func BuildResetPair(v *packet.View, withEthernet bool) ([2][]byte, error) {
	var pair [2][]byte
	if v.IP == nil || v.TCP == nil {
		return pair, fmt.Errorf("reset requires a parsed TCP packet")
	}
	payloadLen := uint32(len(v.Payload))

	// Same direction as the offending packet: the receiver sees the
	// sender's current sequence number.
	forward, err := buildReset(v, false, v.TCP.Seq, v.TCP.Ack, withEthernet)
	if err != nil {
		return pair, err
	}
	// Opposite direction: the sender's next in-window sequence number
	// is its own ack; we acknowledge everything it just sent.
	reverse, err := buildReset(v, true, v.TCP.Ack, v.TCP.Seq+payloadLen, withEthernet)
	if err != nil {
		return pair, err
	}
	pair[0] = forward
	pair[1] = reverse
	return pair, nil
}

func buildReset(v *packet.View, swap bool, seq, ack uint32, withEthernet bool) ([]byte, error) {
	srcIP, dstIP := v.IP.Src, v.IP.Dst
	srcPort, dstPort := v.TCP.Src, v.TCP.Dst
	srcMAC, dstMAC := v.Ethernet.Src, v.Ethernet.Dst
	if swap {
		srcIP, dstIP = dstIP, srcIP
		srcPort, dstPort = dstPort, srcPort
		srcMAC, dstMAC = dstMAC, srcMAC
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		RST:     true,
		ACK:     true,
		Window:  0,
	}

	var ipLayer gopacket.SerializableLayer
	var etherType layers.EthernetType
	if v.IP.Version == 4 {
		ip4 := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			TOS:      0x20 << 2,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(srcIP.AsSlice()),
			DstIP:    net.IP(dstIP.AsSlice()),
		}
		if v.IP.V4 != nil {
			ip4.Id = v.IP.V4.Ident
		}
		if err := tcp.SetNetworkLayerForChecksum(ip4); err != nil {
			return nil, err
		}
		ipLayer = ip4
		etherType = layers.EthernetTypeIPv4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(srcIP.AsSlice()),
			DstIP:      net.IP(dstIP.AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip6); err != nil {
			return nil, err
		}
		ipLayer = ip6
		etherType = layers.EthernetTypeIPv6
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if withEthernet && v.HasEthernet {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr(srcMAC[:]),
			DstMAC:       net.HardwareAddr(dstMAC[:]),
			EthernetType: etherType,
		}
		if err := gopacket.SerializeLayers(buf, opts, eth, ipLayer, tcp); err != nil {
			return nil, err
		}
	} else {
		if err := gopacket.SerializeLayers(buf, opts, ipLayer, tcp); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
