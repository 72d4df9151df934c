package flow

import (
	"fmt"
	"hash/fnv"
	"net/netip"
)

// Key identifies a bidirectional flow. Endpoints are stored in
// canonical order (sorted by address, then by port when the addresses
// are equal, ports carried alongside their address) so both directions
// of a connection resolve to the same key.
type Key struct {
	Proto  uint8
	LoAddr netip.Addr
	LoPort uint16
	HiAddr netip.Addr
	HiPort uint16
}

// NewKey builds the canonical key for a packet's 5-tuple.
func NewKey(proto uint8, srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16) Key {
	if dstAddr.Less(srcAddr) || (dstAddr == srcAddr && dstPort < srcPort) {
		srcAddr, dstAddr = dstAddr, srcAddr
		srcPort, dstPort = dstPort, srcPort
	}
	return Key{
		Proto:  proto,
		LoAddr: srcAddr,
		LoPort: srcPort,
		HiAddr: dstAddr,
		HiPort: dstPort,
	}
}

// Shard maps the key onto one of n workers. Stable for the lifetime of
// the flow, so a flow is always handled by the same worker.
func (k Key) Shard(n int) int {
	h := fnv.New32a()
	lo, _ := k.LoAddr.MarshalBinary()
	hi, _ := k.HiAddr.MarshalBinary()
	h.Write(lo)
	h.Write(hi)
	h.Write([]byte{k.Proto, byte(k.LoPort >> 8), byte(k.LoPort), byte(k.HiPort >> 8), byte(k.HiPort)})
	return int(h.Sum32() % uint32(n))
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%d<->%s:%d", k.Proto, k.LoAddr, k.LoPort, k.HiAddr, k.HiPort)
}
