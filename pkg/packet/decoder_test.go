package packet

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1700000000, 0)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func tcpFrame(t *testing.T, payload []byte, mutate func(*layers.TCP)) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       4242,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(192, 168, 31, 1),
	}
	tcp := &layers.TCP{
		SrcPort:    443,
		DstPort:    55000,
		Seq:        1000,
		Ack:        2000,
		DataOffset: 5,
		Window:     4096,
		ACK:        true,
		PSH:        true,
	}
	if mutate != nil {
		mutate(tcp)
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

func TestDecodeTCPFrame(t *testing.T) {
	payload := []byte("hello censor")
	data := tcpFrame(t, payload, nil)

	v := NewDecoder().DecodeLink(data, testTime)
	require.NotNil(t, v)
	assert.Empty(t, v.FailedLayer)
	assert.True(t, v.HasEthernet)
	assert.Equal(t, uint16(0x0800), v.Ethernet.EtherType)

	require.NotNil(t, v.IP)
	assert.Equal(t, uint8(4), v.IP.Version)
	assert.Equal(t, 20, v.IP.HeaderLen)
	assert.Equal(t, uint8(64), v.IP.HopLimit)
	assert.Equal(t, "10.0.0.1", v.IP.Src.String())
	assert.Equal(t, "192.168.31.1", v.IP.Dst.String())
	require.NotNil(t, v.IP.V4)
	assert.Equal(t, uint16(4242), v.IP.V4.Ident)

	assert.Equal(t, TransportTCP, v.Transport)
	require.NotNil(t, v.TCP)
	assert.Equal(t, uint16(443), v.TCP.Src)
	assert.Equal(t, uint16(55000), v.TCP.Dst)
	assert.Equal(t, uint32(1000), v.TCP.Seq)
	assert.Equal(t, uint32(2000), v.TCP.Ack)
	assert.Equal(t, 20, v.TCP.HeaderLen)
	assert.True(t, v.TCP.Flags.ACK)
	assert.True(t, v.TCP.Flags.PSH)
	assert.False(t, v.TCP.Flags.SYN)

	assert.Equal(t, payload, v.Payload)
	assert.Equal(t, len(payload), v.TCP.PayloadLen)
	assert.Equal(t, Entropy(payload), v.PayloadEntropy)
	assert.Equal(t, AvgPopcount(payload), v.PayloadAvgPopcount)
}

func TestDecodeUDPFrame(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(8, 8, 8, 8),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	data := serialize(t, eth, ip, udp, gopacket.Payload([]byte{1, 2, 3}))

	v := NewDecoder().DecodeLink(data, testTime)
	assert.Equal(t, TransportUDP, v.Transport)
	require.NotNil(t, v.UDP)
	assert.Equal(t, uint16(40000), v.UDP.Src)
	assert.Equal(t, uint16(53), v.UDP.Dst)
	assert.Equal(t, []byte{1, 2, 3}, v.Payload)
	assert.Nil(t, v.TCP)
}

func TestDecodeIPv6Frame(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   58,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	tcp := &layers.TCP{SrcPort: 443, DstPort: 50000, DataOffset: 5, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	data := serialize(t, eth, ip, tcp)

	v := NewDecoder().DecodeLink(data, testTime)
	require.NotNil(t, v.IP)
	assert.Equal(t, uint8(6), v.IP.Version)
	assert.Equal(t, uint8(58), v.IP.HopLimit)
	require.NotNil(t, v.IP.V6)
	assert.Nil(t, v.IP.V4)
	assert.Equal(t, "2001:db8::1", v.IP.Src.String())
	require.NotNil(t, v.TCP)
	assert.True(t, v.TCP.Flags.SYN)
}

func TestDecodeARPFrame(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	data := serialize(t, eth, arp)

	v := NewDecoder().DecodeLink(data, testTime)
	assert.True(t, v.IsARP)
	assert.Nil(t, v.IP)
	assert.Equal(t, TransportNone, v.Transport)
}

func TestDecodeUnknownEtherType(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetType(0x88B5),
	}
	data := serialize(t, eth, gopacket.Payload([]byte{0xde, 0xad}))

	v := NewDecoder().DecodeLink(data, testTime)
	assert.True(t, v.HasEthernet)
	assert.True(t, v.UnknownEtherType)
	assert.Nil(t, v.IP)
}

func TestDecodeIPDirect(t *testing.T) {
	// The queue source delivers bare IP packets.
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80, DataOffset: 5, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	data := serialize(t, ip, tcp)

	v := NewDecoder().DecodeIP(data, testTime)
	assert.False(t, v.HasEthernet)
	require.NotNil(t, v.IP)
	require.NotNil(t, v.TCP)
	assert.True(t, v.TCP.Flags.SYN)
}

func TestDecodeGarbage(t *testing.T) {
	v := NewDecoder().DecodeIP([]byte{0xde, 0xad, 0xbe, 0xef}, testTime)
	assert.Equal(t, "ip", v.FailedLayer)
	assert.Nil(t, v.IP)

	v = NewDecoder().DecodeIP(nil, testTime)
	assert.Equal(t, "ip", v.FailedLayer)
}
