package flow

import (
	"net/netip"

	"github.com/censorlab/censorlab/pkg/packet"
)

// Oracle assigns packet direction from the configured client address
// set. When neither endpoint is a known client the decision is left to
// the per-flow SYN inference in the table.
type Oracle struct {
	clients map[netip.Addr]struct{}
}

func NewOracle(clients []netip.Addr) *Oracle {
	set := make(map[netip.Addr]struct{}, len(clients))
	for _, addr := range clients {
		set[addr.Unmap()] = struct{}{}
	}
	return &Oracle{clients: set}
}

// Direction returns +1 for client->wan, -1 for wan->client and 0 when
// the client set decides nothing. A packet between two known clients
// is ambiguous and also yields 0.
func (o *Oracle) Direction(v *packet.View) int8 {
	if v.IP == nil {
		return packet.DirUnknown
	}
	_, srcIsClient := o.clients[v.IP.Src]
	_, dstIsClient := o.clients[v.IP.Dst]
	switch {
	case srcIsClient && !dstIsClient:
		return packet.DirClientToWan
	case dstIsClient && !srcIsClient:
		return packet.DirWanToClient
	default:
		return packet.DirUnknown
	}
}
