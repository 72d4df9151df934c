package policy

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/config"
	"github.com/censorlab/censorlab/pkg/packet"
	"github.com/censorlab/censorlab/pkg/types"
)

// Decision is a policy outcome together with the layer that made it.
type Decision struct {
	Verdict types.Verdict
	Source  string
}

var decisionNone = Decision{Verdict: types.VerdictNone}

// Engine applies the configured per-layer allow/block lists and the
// optional expression-rule layer. It is immutable after construction
// and safe to share across shard workers.
type Engine struct {
	ethernet   macList
	ethUnknown types.Verdict
	arp        types.Verdict

	ip        addrList
	ipUnknown types.Verdict

	icmp types.Verdict

	tcpPorts   portList
	tcpIPPorts ipPortList
	udpPorts   portList
	udpIPPorts ipPortList

	rules *RuleSet
}

// NewEngine compiles the config's lists into lookup structures. rules
// may be nil when no rule directory is configured.
func NewEngine(cfg *config.Config, rules *RuleSet) (*Engine, error) {
	e := &Engine{
		ethUnknown: cfg.Ethernet.Unknown,
		arp:        cfg.ARP.Action,
		ipUnknown:  cfg.IP.Unknown,
		icmp:       cfg.ICMP.Action,
		rules:      rules,
	}
	var err error
	if e.ethernet, err = newMACList(cfg.Ethernet.Allowlist, cfg.Ethernet.Blocklist); err != nil {
		return nil, err
	}
	if e.ip, err = newAddrList(cfg.IP.Allowlist, cfg.IP.Blocklist); err != nil {
		return nil, err
	}
	e.tcpPorts = newPortList(cfg.TCP.PortAllowlist, cfg.TCP.PortBlocklist)
	e.udpPorts = newPortList(cfg.UDP.PortAllowlist, cfg.UDP.PortBlocklist)
	if e.tcpIPPorts, err = newIPPortList(cfg.TCP.IPPortAllowlist, cfg.TCP.IPPortBlocklist); err != nil {
		return nil, err
	}
	if e.udpIPPorts, err = newIPPortList(cfg.UDP.IPPortAllowlist, cfg.UDP.IPPortBlocklist); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate walks the layers top-down; the first non-None action wins.
// A None result hands the packet to the per-flow execution engine.
func (e *Engine) Evaluate(v *packet.View) Decision {
	if v.HasEthernet {
		if verdict := e.ethernet.recommendEither(v.Ethernet.Src, v.Ethernet.Dst); verdict != types.VerdictNone {
			if verdict == types.VerdictReset {
				// Unrepresentable in config validation for the built-in
				// lists, but rule reloads could still produce it.
				logrus.Warn("Reset is not a valid ethernet action; ignoring the packet instead")
				verdict = types.VerdictIgnore
			}
			return Decision{Verdict: verdict, Source: "ethernet"}
		}
		if v.UnknownEtherType {
			if e.ethUnknown != types.VerdictNone {
				return Decision{Verdict: e.ethUnknown, Source: "ethernet"}
			}
			return decisionNone
		}
	}
	if v.IsARP {
		if e.arp != types.VerdictNone {
			return Decision{Verdict: e.arp, Source: "arp"}
		}
		return decisionNone
	}
	if v.IP != nil {
		if verdict := e.ip.recommendEither(v.IP.Src, v.IP.Dst); verdict != types.VerdictNone {
			return Decision{Verdict: e.demoteReset(verdict, v), Source: "ip"}
		}
		if v.UnknownIPProto && e.ipUnknown != types.VerdictNone {
			return Decision{Verdict: e.ipUnknown, Source: "ip"}
		}
	}
	switch v.Transport {
	case packet.TransportICMP:
		if e.icmp != types.VerdictNone {
			return Decision{Verdict: e.icmp, Source: "icmp"}
		}
	case packet.TransportTCP:
		if verdict := e.tcpPorts.recommendEither(v.TCP.Src, v.TCP.Dst); verdict != types.VerdictNone {
			return Decision{Verdict: verdict, Source: "tcp"}
		}
		if verdict := e.tcpIPPorts.recommend(v); verdict != types.VerdictNone {
			return Decision{Verdict: verdict, Source: "tcp"}
		}
	case packet.TransportUDP:
		if verdict := e.udpPorts.recommendEither(v.UDP.Src, v.UDP.Dst); verdict != types.VerdictNone {
			return Decision{Verdict: e.demoteReset(verdict, v), Source: "udp"}
		}
		if verdict := e.udpIPPorts.recommend(v); verdict != types.VerdictNone {
			return Decision{Verdict: e.demoteReset(verdict, v), Source: "udp"}
		}
	}
	if e.rules != nil {
		if decision, ok := e.rules.Evaluate(v); ok {
			return Decision{Verdict: e.demoteReset(decision.Verdict, v), Source: decision.Source}
		}
	}
	return decisionNone
}

// demoteReset turns Reset into None for traffic that cannot carry a
// TCP RST.
func (e *Engine) demoteReset(verdict types.Verdict, v *packet.View) types.Verdict {
	if verdict == types.VerdictReset && v.TCP == nil {
		return types.VerdictNone
	}
	return verdict
}

// The list types below follow the same recommendation chain: the
// blocklist is consulted before the allowlist. A blocklist fires its
// action when either endpoint's value is present; a non-empty
// allowlist fires when neither endpoint's value is present.

type macList struct {
	allow       map[[6]byte]struct{}
	allowAction types.Verdict
	block       map[[6]byte]struct{}
	blockAction types.Verdict
}

func newMACList(allow, block config.List) (macList, error) {
	l := macList{
		allow:       make(map[[6]byte]struct{}, len(allow.List)),
		allowAction: allow.Action,
		block:       make(map[[6]byte]struct{}, len(block.List)),
		blockAction: block.Action,
	}
	for _, s := range allow.List {
		mac, err := config.ParseMAC(s)
		if err != nil {
			return l, err
		}
		l.allow[mac] = struct{}{}
	}
	for _, s := range block.List {
		mac, err := config.ParseMAC(s)
		if err != nil {
			return l, err
		}
		l.block[mac] = struct{}{}
	}
	return l, nil
}

func (l macList) recommend(mac [6]byte) types.Verdict {
	if _, ok := l.block[mac]; ok {
		return l.blockAction
	}
	if len(l.allow) > 0 {
		if _, ok := l.allow[mac]; !ok {
			return l.allowAction
		}
	}
	return types.VerdictNone
}

func (l macList) recommendEither(a, b [6]byte) types.Verdict {
	_, aBlocked := l.block[a]
	_, bBlocked := l.block[b]
	if aBlocked || bBlocked {
		return l.blockAction
	}
	if _, ok := l.allow[a]; ok {
		return types.VerdictNone
	}
	return l.recommend(b)
}

type addrList struct {
	allow       map[netip.Addr]struct{}
	allowAction types.Verdict
	block       map[netip.Addr]struct{}
	blockAction types.Verdict
}

func newAddrList(allow, block config.List) (addrList, error) {
	l := addrList{
		allow:       make(map[netip.Addr]struct{}, len(allow.List)),
		allowAction: allow.Action,
		block:       make(map[netip.Addr]struct{}, len(block.List)),
		blockAction: block.Action,
	}
	for _, s := range allow.List {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return l, err
		}
		l.allow[addr.Unmap()] = struct{}{}
	}
	for _, s := range block.List {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return l, err
		}
		l.block[addr.Unmap()] = struct{}{}
	}
	return l, nil
}

func (l addrList) recommend(addr netip.Addr) types.Verdict {
	if _, ok := l.block[addr]; ok {
		return l.blockAction
	}
	if len(l.allow) > 0 {
		if _, ok := l.allow[addr]; !ok {
			return l.allowAction
		}
	}
	return types.VerdictNone
}

func (l addrList) recommendEither(a, b netip.Addr) types.Verdict {
	_, aBlocked := l.block[a]
	_, bBlocked := l.block[b]
	if aBlocked || bBlocked {
		return l.blockAction
	}
	if _, ok := l.allow[a]; ok {
		return types.VerdictNone
	}
	return l.recommend(b)
}

// portList keeps a 65536-bit membership set per list for constant-time
// lookups on the hot path.
type portList struct {
	allow       [1024]uint64
	allowAny    bool
	allowAction types.Verdict
	block       [1024]uint64
	blockAction types.Verdict
}

func newPortList(allow, block config.PortList) portList {
	l := portList{
		allowAction: allow.Action,
		blockAction: block.Action,
		allowAny:    len(allow.List) > 0,
	}
	for _, port := range allow.List {
		l.allow[port/64] |= 1 << (port % 64)
	}
	for _, port := range block.List {
		l.block[port/64] |= 1 << (port % 64)
	}
	return l
}

func (l *portList) recommend(port uint16) types.Verdict {
	if l.block[port/64]&(1<<(port%64)) != 0 {
		return l.blockAction
	}
	if l.allowAny && l.allow[port/64]&(1<<(port%64)) == 0 {
		return l.allowAction
	}
	return types.VerdictNone
}

func (l *portList) recommendEither(a, b uint16) types.Verdict {
	if l.block[a/64]&(1<<(a%64)) != 0 || l.block[b/64]&(1<<(b%64)) != 0 {
		return l.blockAction
	}
	if l.allow[a/64]&(1<<(a%64)) != 0 {
		return types.VerdictNone
	}
	return l.recommend(b)
}

type ipPort struct {
	addr netip.Addr
	port uint16
}

type ipPortList struct {
	allow       map[ipPort]struct{}
	allowAction types.Verdict
	block       map[ipPort]struct{}
	blockAction types.Verdict
}

func newIPPortList(allow, block config.List) (ipPortList, error) {
	l := ipPortList{
		allow:       make(map[ipPort]struct{}, len(allow.List)),
		allowAction: allow.Action,
		block:       make(map[ipPort]struct{}, len(block.List)),
		blockAction: block.Action,
	}
	for _, s := range allow.List {
		addr, port, err := config.ParseIPPort(s)
		if err != nil {
			return l, err
		}
		l.allow[ipPort{addr, port}] = struct{}{}
	}
	for _, s := range block.List {
		addr, port, err := config.ParseIPPort(s)
		if err != nil {
			return l, err
		}
		l.block[ipPort{addr, port}] = struct{}{}
	}
	return l, nil
}

func (l ipPortList) recommend(v *packet.View) types.Verdict {
	src := ipPort{v.IP.Src, v.SrcPort()}
	dst := ipPort{v.IP.Dst, v.DstPort()}
	for _, pair := range [2]ipPort{src, dst} {
		if _, ok := l.block[pair]; ok {
			return l.blockAction
		}
	}
	if len(l.allow) > 0 {
		_, srcOK := l.allow[src]
		_, dstOK := l.allow[dst]
		if !srcOK && !dstOK {
			return l.allowAction
		}
	}
	return types.VerdictNone
}
