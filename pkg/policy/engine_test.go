package policy

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censorlab/censorlab/pkg/config"
	"github.com/censorlab/censorlab/pkg/packet"
	"github.com/censorlab/censorlab/pkg/types"
)

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	return engine
}

func tcpView(src string, srcPort uint16, dst string, dstPort uint16) *packet.View {
	return &packet.View{
		HasEthernet: true,
		Ethernet: packet.EthernetInfo{
			Src:       [6]byte{2, 0, 0, 0, 0, 1},
			Dst:       [6]byte{2, 0, 0, 0, 0, 2},
			EtherType: 0x0800,
		},
		IP: &packet.IPInfo{
			Version: 4,
			Proto:   6,
			Src:     netip.MustParseAddr(src),
			Dst:     netip.MustParseAddr(dst),
		},
		Transport: packet.TransportTCP,
		TCP:       &packet.TCPInfo{Src: srcPort, Dst: dstPort},
	}
}

func udpView(src string, srcPort uint16, dst string, dstPort uint16) *packet.View {
	v := tcpView(src, srcPort, dst, dstPort)
	v.Transport = packet.TransportUDP
	v.TCP = nil
	v.UDP = &packet.UDPInfo{Src: srcPort, Dst: dstPort}
	return v
}

func TestEmptyConfigPassesEverything(t *testing.T) {
	engine := newEngine(t, &config.Config{})
	decision := engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.2", 80))
	assert.Equal(t, types.VerdictNone, decision.Verdict)
}

func TestIPBlocklistReset(t *testing.T) {
	cfg := &config.Config{}
	cfg.IP.Blocklist = config.List{List: []string{"192.168.31.1"}, Action: types.VerdictReset}
	engine := newEngine(t, cfg)

	decision := engine.Evaluate(tcpView("10.0.0.1", 1000, "192.168.31.1", 80))
	assert.Equal(t, types.VerdictReset, decision.Verdict)
	assert.Equal(t, "ip", decision.Source)

	// Reset at the IP layer on a non-TCP flow behaves as None.
	decision = engine.Evaluate(udpView("10.0.0.1", 1000, "192.168.31.1", 53))
	assert.Equal(t, types.VerdictNone, decision.Verdict)
}

func TestBlocklistBeforeAllowlist(t *testing.T) {
	cfg := &config.Config{}
	cfg.IP.Allowlist = config.List{List: []string{"10.0.0.1", "10.0.0.66"}, Action: types.VerdictDrop}
	cfg.IP.Blocklist = config.List{List: []string{"10.0.0.66"}, Action: types.VerdictReset}
	engine := newEngine(t, cfg)

	// In both lists: the blocklist wins.
	decision := engine.Evaluate(tcpView("10.0.0.66", 1000, "10.0.0.1", 80))
	assert.Equal(t, types.VerdictReset, decision.Verdict)
}

func TestIPAllowlist(t *testing.T) {
	cfg := &config.Config{}
	cfg.IP.Allowlist = config.List{List: []string{"10.0.0.1"}, Action: types.VerdictDrop}
	engine := newEngine(t, cfg)

	// An allowlisted endpoint passes...
	decision := engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.2", 80))
	assert.Equal(t, types.VerdictNone, decision.Verdict)

	// ...but traffic with no allowlisted endpoint takes the action.
	decision = engine.Evaluate(tcpView("10.9.9.9", 1000, "10.0.0.2", 80))
	assert.Equal(t, types.VerdictDrop, decision.Verdict)
}

func TestEthernetBlocklist(t *testing.T) {
	cfg := &config.Config{}
	cfg.Ethernet.Blocklist = config.List{List: []string{"02:00:00:00:00:01"}, Action: types.VerdictIgnore}
	engine := newEngine(t, cfg)

	decision := engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.2", 80))
	assert.Equal(t, types.VerdictIgnore, decision.Verdict)
	assert.Equal(t, "ethernet", decision.Source)
}

func TestUnknownEtherTypeDefault(t *testing.T) {
	cfg := &config.Config{}
	cfg.Ethernet.Unknown = types.VerdictDrop
	engine := newEngine(t, cfg)

	v := &packet.View{
		HasEthernet:      true,
		Ethernet:         packet.EthernetInfo{EtherType: 0x88B5},
		UnknownEtherType: true,
	}
	decision := engine.Evaluate(v)
	assert.Equal(t, types.VerdictDrop, decision.Verdict)
}

func TestARPAction(t *testing.T) {
	cfg := &config.Config{}
	cfg.ARP.Action = types.VerdictIgnore
	engine := newEngine(t, cfg)

	v := &packet.View{HasEthernet: true, IsARP: true}
	decision := engine.Evaluate(v)
	assert.Equal(t, types.VerdictIgnore, decision.Verdict)
	assert.Equal(t, "arp", decision.Source)
}

func TestICMPAction(t *testing.T) {
	cfg := &config.Config{}
	cfg.ICMP.Action = types.VerdictDrop
	engine := newEngine(t, cfg)

	v := tcpView("10.0.0.1", 0, "10.0.0.2", 0)
	v.Transport = packet.TransportICMP
	v.TCP = nil
	v.ICMP = &packet.ICMPInfo{Type: 8}
	decision := engine.Evaluate(v)
	assert.Equal(t, types.VerdictDrop, decision.Verdict)
	assert.Equal(t, "icmp", decision.Source)
}

func TestTCPPortBlocklist(t *testing.T) {
	cfg := &config.Config{}
	cfg.TCP.PortBlocklist = config.PortList{List: []uint16{25}, Action: types.VerdictDrop}
	engine := newEngine(t, cfg)

	assert.Equal(t, types.VerdictDrop, engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.2", 25)).Verdict)
	assert.Equal(t, types.VerdictDrop, engine.Evaluate(tcpView("10.0.0.2", 25, "10.0.0.1", 1000)).Verdict)
	assert.Equal(t, types.VerdictNone, engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.2", 80)).Verdict)
}

func TestUDPPortListIndependentFromTCP(t *testing.T) {
	cfg := &config.Config{}
	cfg.UDP.PortBlocklist = config.PortList{List: []uint16{53}, Action: types.VerdictDrop}
	engine := newEngine(t, cfg)

	assert.Equal(t, types.VerdictDrop, engine.Evaluate(udpView("10.0.0.1", 1000, "10.0.0.2", 53)).Verdict)
	assert.Equal(t, types.VerdictNone, engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.2", 53)).Verdict)
}

func TestIPPortList(t *testing.T) {
	cfg := &config.Config{}
	cfg.TCP.IPPortBlocklist = config.List{List: []string{"10.0.0.2:8080"}, Action: types.VerdictDrop}
	engine := newEngine(t, cfg)

	assert.Equal(t, types.VerdictDrop, engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.2", 8080)).Verdict)
	// Same port on a different address is unaffected.
	assert.Equal(t, types.VerdictNone, engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.3", 8080)).Verdict)
	// Same address on a different port is unaffected.
	assert.Equal(t, types.VerdictNone, engine.Evaluate(tcpView("10.0.0.1", 1000, "10.0.0.2", 8081)).Verdict)
}

func TestUDPResetDemoted(t *testing.T) {
	cfg := &config.Config{}
	cfg.UDP.PortBlocklist = config.PortList{List: []uint16{53}, Action: types.VerdictReset}
	engine := newEngine(t, cfg)

	decision := engine.Evaluate(udpView("10.0.0.1", 1000, "10.0.0.2", 53))
	assert.Equal(t, types.VerdictNone, decision.Verdict)
}
