package censorlang

import (
	"fmt"
	"sort"

	"github.com/censorlab/censorlab/pkg/packet"
)

// EnvFields is the per-flow state the program can read beyond the
// packet itself.
type EnvFields struct {
	NumPackets uint64
}

// Field is a named, typed accessor into the packet view or the flow
// environment.
type Field struct {
	Name string
	Kind Kind
	eval func(v *packet.View, env *EnvFields) (Value, error)
}

var errWrongLayer = fmt.Errorf("field not present on this packet")

// fieldTable maps every field name the grammar accepts. Field kinds
// are static, which is what makes parse-time register type checking
// possible.
var fieldTable = buildFieldTable()

func buildFieldTable() map[string]*Field {
	table := make(map[string]*Field)
	add := func(name string, kind Kind, eval func(v *packet.View, env *EnvFields) (Value, error)) {
		table[name] = &Field{Name: name, Kind: kind, eval: eval}
	}

	add("timestamp", KindFloat, func(v *packet.View, _ *EnvFields) (Value, error) {
		if v.Timestamp.IsZero() {
			return Value{}, fmt.Errorf("packet has no timestamp")
		}
		return FloatValue(float64(v.Timestamp.UnixNano()) / 1e9), nil
	})
	add("env.num_packets", KindInt, func(_ *packet.View, env *EnvFields) (Value, error) {
		return IntValue(int64(env.NumPackets)), nil
	})

	addIP := func(name string, kind Kind, eval func(ip *packet.IPInfo) Value) {
		add(name, kind, func(v *packet.View, _ *EnvFields) (Value, error) {
			if v.IP == nil {
				return Value{}, errWrongLayer
			}
			return eval(v.IP), nil
		})
	}
	addIP("ip.header_len", KindInt, func(ip *packet.IPInfo) Value { return IntValue(int64(ip.HeaderLen)) })
	addIP("ip.total_len", KindInt, func(ip *packet.IPInfo) Value { return IntValue(int64(ip.TotalLen)) })
	// ttl and hop_limit alias the same stored byte: IPv4's TTL, IPv6's
	// hop limit.
	addIP("ip.ttl", KindInt, func(ip *packet.IPInfo) Value { return IntValue(int64(ip.HopLimit)) })
	addIP("ip.hop_limit", KindInt, func(ip *packet.IPInfo) Value { return IntValue(int64(ip.HopLimit)) })

	addV4 := func(name string, kind Kind, eval func(x *packet.IPv4Extras) Value) {
		add(name, kind, func(v *packet.View, _ *EnvFields) (Value, error) {
			if v.IP == nil || v.IP.V4 == nil {
				return Value{}, errWrongLayer
			}
			return eval(v.IP.V4), nil
		})
	}
	addV4("ip.v4.dscp", KindInt, func(x *packet.IPv4Extras) Value { return IntValue(int64(x.DSCP)) })
	addV4("ip.v4.ecn", KindInt, func(x *packet.IPv4Extras) Value { return IntValue(int64(x.ECN)) })
	addV4("ip.v4.ident", KindInt, func(x *packet.IPv4Extras) Value { return IntValue(int64(x.Ident)) })
	addV4("ip.v4.dont_frag", KindBool, func(x *packet.IPv4Extras) Value { return BoolValue(x.DontFrag) })
	addV4("ip.v4.more_frags", KindBool, func(x *packet.IPv4Extras) Value { return BoolValue(x.MoreFrags) })
	addV4("ip.v4.frag_offset", KindInt, func(x *packet.IPv4Extras) Value { return IntValue(int64(x.FragOffset)) })
	addV4("ip.v4.checksum", KindInt, func(x *packet.IPv4Extras) Value { return IntValue(int64(x.Checksum)) })

	addV6 := func(name string, kind Kind, eval func(x *packet.IPv6Extras) Value) {
		add(name, kind, func(v *packet.View, _ *EnvFields) (Value, error) {
			if v.IP == nil || v.IP.V6 == nil {
				return Value{}, errWrongLayer
			}
			return eval(v.IP.V6), nil
		})
	}
	addV6("ip.v6.traffic_class", KindInt, func(x *packet.IPv6Extras) Value { return IntValue(int64(x.TrafficClass)) })
	addV6("ip.v6.flow_label", KindInt, func(x *packet.IPv6Extras) Value { return IntValue(int64(x.FlowLabel)) })
	addV6("ip.v6.payload_len", KindInt, func(x *packet.IPv6Extras) Value { return IntValue(int64(x.PayloadLen)) })

	addTCP := func(name string, kind Kind, eval func(v *packet.View) Value) {
		add(name, kind, func(v *packet.View, _ *EnvFields) (Value, error) {
			if v.TCP == nil {
				return Value{}, errWrongLayer
			}
			return eval(v), nil
		})
	}
	addTCP("tcp.seq", KindInt, func(v *packet.View) Value { return IntValue(int64(v.TCP.Seq)) })
	addTCP("tcp.ack", KindInt, func(v *packet.View) Value { return IntValue(int64(v.TCP.Ack)) })
	addTCP("tcp.length", KindInt, func(v *packet.View) Value {
		return IntValue(int64(v.TCP.HeaderLen + len(v.Payload)))
	})
	addTCP("tcp.header_length", KindInt, func(v *packet.View) Value { return IntValue(int64(v.TCP.HeaderLen)) })
	addTCP("tcp.payload_length", KindInt, func(v *packet.View) Value { return IntValue(int64(len(v.Payload))) })
	addTCP("tcp.urgent_at", KindInt, func(v *packet.View) Value { return IntValue(int64(v.TCP.UrgentAt)) })
	addTCP("tcp.window_length", KindInt, func(v *packet.View) Value { return IntValue(int64(v.TCP.Window)) })

	tcpFlags := map[string]func(f packet.TCPFlags) bool{
		"fin": func(f packet.TCPFlags) bool { return f.FIN },
		"syn": func(f packet.TCPFlags) bool { return f.SYN },
		"rst": func(f packet.TCPFlags) bool { return f.RST },
		"psh": func(f packet.TCPFlags) bool { return f.PSH },
		"ack": func(f packet.TCPFlags) bool { return f.ACK },
		"urg": func(f packet.TCPFlags) bool { return f.URG },
		"ece": func(f packet.TCPFlags) bool { return f.ECE },
		"cwr": func(f packet.TCPFlags) bool { return f.CWR },
		"ns":  func(f packet.TCPFlags) bool { return f.NS },
	}
	for flagName, getter := range tcpFlags {
		getter := getter
		addTCP("tcp.flag."+flagName, KindBool, func(v *packet.View) Value {
			return BoolValue(getter(v.TCP.Flags))
		})
	}

	addUDP := func(name string, eval func(u *packet.UDPInfo) Value) {
		add(name, KindInt, func(v *packet.View, _ *EnvFields) (Value, error) {
			if v.UDP == nil {
				return Value{}, errWrongLayer
			}
			return eval(v.UDP), nil
		})
	}
	addUDP("udp.length", func(u *packet.UDPInfo) Value { return IntValue(int64(u.Length)) })
	addUDP("udp.checksum", func(u *packet.UDPInfo) Value { return IntValue(int64(u.Checksum)) })

	add("transport.payload.length", KindInt, func(v *packet.View, _ *EnvFields) (Value, error) {
		return IntValue(int64(len(v.Payload))), nil
	})
	add("transport.payload.entropy", KindFloat, func(v *packet.View, _ *EnvFields) (Value, error) {
		return FloatValue(v.PayloadEntropy), nil
	})
	add("transport.payload.avg_popcount", KindFloat, func(v *packet.View, _ *EnvFields) (Value, error) {
		return FloatValue(v.PayloadAvgPopcount), nil
	})

	return table
}

// LookupField resolves a field name from the grammar.
func LookupField(name string) (*Field, bool) {
	f, ok := fieldTable[name]
	return f, ok
}

// FieldNames lists every accepted field name, sorted. Used by tests and
// by program generators.
func FieldNames() []string {
	names := make([]string, 0, len(fieldTable))
	for name := range fieldTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Eval reads the field. With defaultOnError the missing-layer error is
// swallowed and a false value returned, matching the deterministic
// non-trap execution profile.
func (f *Field) Eval(v *packet.View, env *EnvFields, defaultOnError bool) (Value, error) {
	val, err := f.eval(v, env)
	if err != nil {
		if defaultOnError {
			return BoolValue(false), nil
		}
		return Value{}, fmt.Errorf("field %s: %w", f.Name, err)
	}
	return val, nil
}
