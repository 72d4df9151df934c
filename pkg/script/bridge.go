package script

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/censorlab/censorlab/pkg/packet"
)

// Metatable names for the host-provided types.
const (
	typePacket   = "censor.packet"
	typeIP       = "censor.ip"
	typeTCP      = "censor.tcp"
	typeUDP      = "censor.udp"
	typeTCPFlags = "censor.tcpflags"
)

// registerPacketTypes installs the metatables for the read-only packet
// bridge. Attribute reads dispatch on the parsed layer set; absent
// layers surface as nil, never as an error.
func registerPacketTypes(L *lua.LState) {
	for name, index := range map[string]lua.LGFunction{
		typePacket:   packetIndex,
		typeIP:       ipIndex,
		typeTCP:      tcpIndex,
		typeUDP:      udpIndex,
		typeTCPFlags: tcpFlagsIndex,
	} {
		mt := L.NewTypeMetatable(name)
		L.SetField(mt, "__index", L.NewFunction(index))
	}
}

func newPacketValue(L *lua.LState, v *packet.View) lua.LValue {
	ud := L.NewUserData()
	ud.Value = v
	L.SetMetatable(ud, L.GetTypeMetatable(typePacket))
	return ud
}

func wrap(L *lua.LState, value interface{}, mtName string) lua.LValue {
	ud := L.NewUserData()
	ud.Value = value
	L.SetMetatable(ud, L.GetTypeMetatable(mtName))
	return ud
}

func checkView(L *lua.LState, n int) *packet.View {
	ud := L.CheckUserData(n)
	if v, ok := ud.Value.(*packet.View); ok {
		return v
	}
	L.ArgError(n, "packet expected")
	return nil
}

func packetIndex(L *lua.LState) int {
	v := checkView(L, 1)
	switch L.CheckString(2) {
	case "timestamp":
		if v.Timestamp.IsZero() {
			L.Push(lua.LNil)
		} else {
			L.Push(lua.LNumber(float64(v.Timestamp.UnixNano()) / 1e9))
		}
	case "direction":
		L.Push(lua.LNumber(v.Direction))
	case "ip":
		if v.IP == nil {
			L.Push(lua.LNil)
		} else {
			L.Push(wrap(L, v.IP, typeIP))
		}
	case "tcp":
		if v.TCP == nil {
			L.Push(lua.LNil)
		} else {
			L.Push(wrap(L, v.TCP, typeTCP))
		}
	case "udp":
		if v.UDP == nil {
			L.Push(lua.LNil)
		} else {
			L.Push(wrap(L, v.UDP, typeUDP))
		}
	case "payload":
		// By value; mutating the returned string cannot touch the wire.
		L.Push(lua.LString(v.Payload))
	case "payload_len":
		L.Push(lua.LNumber(len(v.Payload)))
	case "payload_entropy":
		L.Push(lua.LNumber(v.PayloadEntropy))
	case "payload_avg_popcount":
		L.Push(lua.LNumber(v.PayloadAvgPopcount))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func ipIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	ip, ok := ud.Value.(*packet.IPInfo)
	if !ok {
		L.ArgError(1, "ip layer expected")
		return 0
	}
	switch L.CheckString(2) {
	case "version":
		L.Push(lua.LNumber(ip.Version))
	case "header_len":
		L.Push(lua.LNumber(ip.HeaderLen))
	case "total_len":
		L.Push(lua.LNumber(ip.TotalLen))
	case "ttl", "hop_limit":
		L.Push(lua.LNumber(ip.HopLimit))
	case "proto":
		L.Push(lua.LNumber(ip.Proto))
	case "src":
		L.Push(lua.LString(ip.Src.String()))
	case "dst":
		L.Push(lua.LString(ip.Dst.String()))
	case "dscp":
		pushV4(L, ip, func(x *packet.IPv4Extras) lua.LValue { return lua.LNumber(x.DSCP) })
	case "ecn":
		pushV4(L, ip, func(x *packet.IPv4Extras) lua.LValue { return lua.LNumber(x.ECN) })
	case "ident":
		pushV4(L, ip, func(x *packet.IPv4Extras) lua.LValue { return lua.LNumber(x.Ident) })
	case "dont_frag":
		pushV4(L, ip, func(x *packet.IPv4Extras) lua.LValue { return lua.LBool(x.DontFrag) })
	case "more_frags":
		pushV4(L, ip, func(x *packet.IPv4Extras) lua.LValue { return lua.LBool(x.MoreFrags) })
	case "frag_offset":
		pushV4(L, ip, func(x *packet.IPv4Extras) lua.LValue { return lua.LNumber(x.FragOffset) })
	case "checksum":
		pushV4(L, ip, func(x *packet.IPv4Extras) lua.LValue { return lua.LNumber(x.Checksum) })
	case "traffic_class":
		pushV6(L, ip, func(x *packet.IPv6Extras) lua.LValue { return lua.LNumber(x.TrafficClass) })
	case "flow_label":
		pushV6(L, ip, func(x *packet.IPv6Extras) lua.LValue { return lua.LNumber(x.FlowLabel) })
	case "payload_len":
		pushV6(L, ip, func(x *packet.IPv6Extras) lua.LValue { return lua.LNumber(x.PayloadLen) })
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func pushV4(L *lua.LState, ip *packet.IPInfo, get func(*packet.IPv4Extras) lua.LValue) {
	if ip.V4 == nil {
		L.Push(lua.LNil)
		return
	}
	L.Push(get(ip.V4))
}

func pushV6(L *lua.LState, ip *packet.IPInfo, get func(*packet.IPv6Extras) lua.LValue) {
	if ip.V6 == nil {
		L.Push(lua.LNil)
		return
	}
	L.Push(get(ip.V6))
}

func tcpIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	tcp, ok := ud.Value.(*packet.TCPInfo)
	if !ok {
		L.ArgError(1, "tcp layer expected")
		return 0
	}
	switch L.CheckString(2) {
	case "src":
		L.Push(lua.LNumber(tcp.Src))
	case "dst":
		L.Push(lua.LNumber(tcp.Dst))
	case "seq":
		L.Push(lua.LNumber(tcp.Seq))
	case "ack":
		L.Push(lua.LNumber(tcp.Ack))
	case "header_len":
		L.Push(lua.LNumber(tcp.HeaderLen))
	case "payload_len":
		L.Push(lua.LNumber(tcp.PayloadLen))
	case "urgent_at":
		L.Push(lua.LNumber(tcp.UrgentAt))
	case "window":
		L.Push(lua.LNumber(tcp.Window))
	case "flags":
		L.Push(wrap(L, &tcp.Flags, typeTCPFlags))
	case "uses_port":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			port := uint16(L.CheckNumber(2))
			L.Push(lua.LBool(tcp.Src == port || tcp.Dst == port))
			return 1
		}))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func tcpFlagsIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	flags, ok := ud.Value.(*packet.TCPFlags)
	if !ok {
		L.ArgError(1, "tcp flags expected")
		return 0
	}
	switch L.CheckString(2) {
	case "fin":
		L.Push(lua.LBool(flags.FIN))
	case "syn":
		L.Push(lua.LBool(flags.SYN))
	case "rst":
		L.Push(lua.LBool(flags.RST))
	case "psh":
		L.Push(lua.LBool(flags.PSH))
	case "ack":
		L.Push(lua.LBool(flags.ACK))
	case "urg":
		L.Push(lua.LBool(flags.URG))
	case "ece":
		L.Push(lua.LBool(flags.ECE))
	case "cwr":
		L.Push(lua.LBool(flags.CWR))
	case "ns":
		L.Push(lua.LBool(flags.NS))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func udpIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	udp, ok := ud.Value.(*packet.UDPInfo)
	if !ok {
		L.ArgError(1, "udp layer expected")
		return 0
	}
	switch L.CheckString(2) {
	case "src":
		L.Push(lua.LNumber(udp.Src))
	case "dst":
		L.Push(lua.LNumber(udp.Dst))
	case "length":
		L.Push(lua.LNumber(udp.Length))
	case "checksum":
		L.Push(lua.LNumber(udp.Checksum))
	case "uses_port":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			port := uint16(L.CheckNumber(2))
			L.Push(lua.LBool(udp.Src == port || udp.Dst == port))
			return 1
		}))
	default:
		L.Push(lua.LNil)
	}
	return 1
}
