package packet

import (
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decoder decodes raw frames into Views. The layer structs are
// preallocated and reused across packets, so a Decoder must only be
// used from a single goroutine; the pipeline gives the parser stage
// exactly one.
type Decoder struct {
	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	payload gopacket.Payload

	linkParser *gopacket.DecodingLayerParser
	ip4Parser  *gopacket.DecodingLayerParser
	ip6Parser  *gopacket.DecodingLayerParser
	decoded    []gopacket.LayerType
}

func NewDecoder() *Decoder {
	d := &Decoder{}
	d.linkParser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&d.eth, &d.arp, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.icmp4, &d.icmp6, &d.payload)
	d.ip4Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4,
		&d.ip4, &d.tcp, &d.udp, &d.icmp4, &d.payload)
	d.ip6Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6,
		&d.ip6, &d.tcp, &d.udp, &d.icmp6, &d.payload)
	d.linkParser.IgnoreUnsupported = true
	d.ip4Parser.IgnoreUnsupported = true
	d.ip6Parser.IgnoreUnsupported = true
	d.decoded = make([]gopacket.LayerType, 0, 8)
	return d
}

// DecodeLink decodes a frame starting at the Ethernet header.
func (d *Decoder) DecodeLink(data []byte, ts time.Time) *View {
	return d.decode(d.linkParser, data, ts)
}

// DecodeIP decodes a packet starting at the IP header, as delivered by
// the kernel queue. The IP version is taken from the first nibble.
func (d *Decoder) DecodeIP(data []byte, ts time.Time) *View {
	v := &View{Timestamp: ts}
	if len(data) == 0 {
		v.FailedLayer = "ip"
		return v
	}
	switch data[0] >> 4 {
	case 4:
		return d.decode(d.ip4Parser, data, ts)
	case 6:
		return d.decode(d.ip6Parser, data, ts)
	default:
		v.FailedLayer = "ip"
		return v
	}
}

func (d *Decoder) decode(parser *gopacket.DecodingLayerParser, data []byte, ts time.Time) *View {
	v := &View{Timestamp: ts}
	d.decoded = d.decoded[:0]
	err := parser.DecodeLayers(data, &d.decoded)
	for _, layerType := range d.decoded {
		switch layerType {
		case layers.LayerTypeEthernet:
			v.HasEthernet = true
			copy(v.Ethernet.Src[:], d.eth.SrcMAC)
			copy(v.Ethernet.Dst[:], d.eth.DstMAC)
			v.Ethernet.EtherType = uint16(d.eth.EthernetType)
		case layers.LayerTypeARP:
			v.IsARP = true
		case layers.LayerTypeIPv4:
			v.IP = &IPInfo{
				Version:   4,
				HeaderLen: int(d.ip4.IHL) * 4,
				TotalLen:  int(d.ip4.Length),
				HopLimit:  d.ip4.TTL,
				Proto:     uint8(d.ip4.Protocol),
				Src:       addrFrom(d.ip4.SrcIP),
				Dst:       addrFrom(d.ip4.DstIP),
				V4: &IPv4Extras{
					DSCP:       d.ip4.TOS >> 2,
					ECN:        d.ip4.TOS & 0x3,
					Ident:      d.ip4.Id,
					DontFrag:   d.ip4.Flags&layers.IPv4DontFragment != 0,
					MoreFrags:  d.ip4.Flags&layers.IPv4MoreFragments != 0,
					FragOffset: d.ip4.FragOffset,
					Checksum:   d.ip4.Checksum,
				},
			}
		case layers.LayerTypeIPv6:
			v.IP = &IPInfo{
				Version:   6,
				HeaderLen: 40,
				TotalLen:  40 + int(d.ip6.Length),
				HopLimit:  d.ip6.HopLimit,
				Proto:     uint8(d.ip6.NextHeader),
				Src:       addrFrom(d.ip6.SrcIP),
				Dst:       addrFrom(d.ip6.DstIP),
				V6: &IPv6Extras{
					TrafficClass: d.ip6.TrafficClass,
					FlowLabel:    d.ip6.FlowLabel,
					PayloadLen:   d.ip6.Length,
				},
			}
		case layers.LayerTypeTCP:
			v.Transport = TransportTCP
			v.TCP = &TCPInfo{
				Src:       uint16(d.tcp.SrcPort),
				Dst:       uint16(d.tcp.DstPort),
				Seq:       d.tcp.Seq,
				Ack:       d.tcp.Ack,
				HeaderLen: int(d.tcp.DataOffset) * 4,
				UrgentAt:  d.tcp.Urgent,
				Window:    d.tcp.Window,
				Flags: TCPFlags{
					FIN: d.tcp.FIN, SYN: d.tcp.SYN, RST: d.tcp.RST,
					PSH: d.tcp.PSH, ACK: d.tcp.ACK, URG: d.tcp.URG,
					ECE: d.tcp.ECE, CWR: d.tcp.CWR, NS: d.tcp.NS,
				},
			}
			v.setPayload(d.tcp.LayerPayload())
			v.TCP.PayloadLen = len(v.Payload)
		case layers.LayerTypeUDP:
			v.Transport = TransportUDP
			v.UDP = &UDPInfo{
				Src:      uint16(d.udp.SrcPort),
				Dst:      uint16(d.udp.DstPort),
				Length:   d.udp.Length,
				Checksum: d.udp.Checksum,
			}
			v.setPayload(d.udp.LayerPayload())
		case layers.LayerTypeICMPv4:
			v.Transport = TransportICMP
			v.ICMP = &ICMPInfo{
				Type: d.icmp4.TypeCode.Type(),
				Code: d.icmp4.TypeCode.Code(),
			}
		case layers.LayerTypeICMPv6:
			v.Transport = TransportICMP
			v.ICMP = &ICMPInfo{
				Type: d.icmp6.TypeCode.Type(),
				Code: d.icmp6.TypeCode.Code(),
			}
		}
	}
	// Classify where decoding stopped. A malformed header and an
	// unknown protocol land in the same place: a partial view that the
	// per-layer unknown policy decides on.
	switch {
	case v.HasEthernet && !v.IsARP && v.IP == nil:
		v.UnknownEtherType = true
		if err != nil {
			v.FailedLayer = "ethernet"
		}
	case v.IP != nil && v.Transport == TransportNone:
		v.UnknownIPProto = true
		if err != nil {
			v.FailedLayer = "ip"
		}
	case err != nil:
		v.FailedLayer = "transport"
	}
	return v
}

// setPayload copies the payload out of the decoder's reusable buffer
// and computes the derived statistics.
func (v *View) setPayload(p []byte) {
	if len(p) > 0 {
		v.Payload = append([]byte(nil), p...)
	}
	v.PayloadEntropy = Entropy(v.Payload)
	v.PayloadAvgPopcount = AvgPopcount(v.Payload)
}

func addrFrom(ip []byte) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}
