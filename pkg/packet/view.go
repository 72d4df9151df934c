package packet

import (
	"net/netip"
	"time"
)

// Direction of a packet relative to the configured client.
const (
	DirClientToWan int8 = 1
	DirWanToClient int8 = -1
	DirUnknown     int8 = 0
)

// TransportKind identifies the transport layer of a parsed packet.
type TransportKind uint8

const (
	TransportNone TransportKind = iota
	TransportTCP
	TransportUDP
	TransportICMP
)

func (t TransportKind) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportICMP:
		return "icmp"
	default:
		return "none"
	}
}

// View is the decoded, read-only representation of one packet. It is
// built once per packet and handed to the policy engine and the censor
// program; nothing downstream mutates it or the wire bytes it came from.
type View struct {
	Timestamp time.Time
	Direction int8

	HasEthernet bool
	Ethernet    EthernetInfo

	IsARP bool

	// IP is nil when no internet layer was parsed.
	IP *IPInfo

	Transport TransportKind
	TCP       *TCPInfo
	UDP       *UDPInfo
	ICMP      *ICMPInfo

	// Payload is the transport-layer payload. Statistics are computed
	// over exactly these bytes.
	Payload            []byte
	PayloadEntropy     float64
	PayloadAvgPopcount float64

	// FailedLayer names the layer at which decoding stopped, "" if the
	// packet decoded cleanly down to its transport payload.
	FailedLayer string
	// UnknownEtherType / UnknownIPProto mark layers the decoder does
	// not understand; the per-layer unknown policy decides their fate.
	UnknownEtherType bool
	UnknownIPProto   bool
}

// EthernetInfo holds link-layer metadata.
type EthernetInfo struct {
	Src       [6]byte
	Dst       [6]byte
	EtherType uint16
}

// IPInfo holds the internet-layer metadata common to v4 and v6, plus
// the version-specific extras. HopLimit stores the IPv4 TTL or the
// IPv6 hop limit; field accessors expose both names over it.
type IPInfo struct {
	Version   uint8
	HeaderLen int
	TotalLen  int
	HopLimit  uint8
	Proto     uint8
	Src       netip.Addr
	Dst       netip.Addr

	V4 *IPv4Extras
	V6 *IPv6Extras
}

type IPv4Extras struct {
	DSCP       uint8
	ECN        uint8
	Ident      uint16
	DontFrag   bool
	MoreFrags  bool
	FragOffset uint16
	Checksum   uint16
}

type IPv6Extras struct {
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
}

// TCPInfo holds the TCP header fields exposed to censor programs.
type TCPInfo struct {
	Src        uint16
	Dst        uint16
	Seq        uint32
	Ack        uint32
	HeaderLen  int
	PayloadLen int
	UrgentAt   uint16
	Window     uint16
	Flags      TCPFlags
}

type TCPFlags struct {
	FIN bool
	SYN bool
	RST bool
	PSH bool
	ACK bool
	URG bool
	ECE bool
	CWR bool
	NS  bool
}

// UDPInfo holds the UDP header fields exposed to censor programs.
type UDPInfo struct {
	Src      uint16
	Dst      uint16
	Length   uint16
	Checksum uint16
}

type ICMPInfo struct {
	Type uint8
	Code uint8
}

// PayloadLen is a convenience accessor used by both execution engines.
func (v *View) PayloadLen() int {
	return len(v.Payload)
}

// SrcPort returns the transport source port, 0 for non-TCP/UDP.
func (v *View) SrcPort() uint16 {
	switch v.Transport {
	case TransportTCP:
		return v.TCP.Src
	case TransportUDP:
		return v.UDP.Src
	}
	return 0
}

// DstPort returns the transport destination port, 0 for non-TCP/UDP.
func (v *View) DstPort() uint16 {
	switch v.Transport {
	case TransportTCP:
		return v.TCP.Dst
	case TransportUDP:
		return v.UDP.Dst
	}
	return 0
}
