package flow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/censorlab/censorlab/pkg/packet"
)

func TestOracleDirection(t *testing.T) {
	oracle := NewOracle([]netip.Addr{addr("10.0.0.9")})

	fromClient := tcpView("10.0.0.9", 1000, "93.184.216.34", 443, packet.TCPFlags{})
	assert.Equal(t, packet.DirClientToWan, oracle.Direction(fromClient))

	toClient := tcpView("93.184.216.34", 443, "10.0.0.9", 1000, packet.TCPFlags{})
	assert.Equal(t, packet.DirWanToClient, oracle.Direction(toClient))

	neither := tcpView("10.0.0.1", 1000, "10.0.0.2", 443, packet.TCPFlags{})
	assert.Equal(t, packet.DirUnknown, oracle.Direction(neither))
}

func TestOracleBothEndpointsClients(t *testing.T) {
	oracle := NewOracle([]netip.Addr{addr("10.0.0.1"), addr("10.0.0.2")})
	v := tcpView("10.0.0.1", 1000, "10.0.0.2", 443, packet.TCPFlags{})
	assert.Equal(t, packet.DirUnknown, oracle.Direction(v))
}

func TestOracleNoIPLayer(t *testing.T) {
	oracle := NewOracle(nil)
	assert.Equal(t, packet.DirUnknown, oracle.Direction(&packet.View{}))
}
