package flow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func TestKeyCanonicalization(t *testing.T) {
	forward := NewKey(6, addr("10.0.0.1"), 50000, addr("93.184.216.34"), 443)
	reverse := NewKey(6, addr("93.184.216.34"), 443, addr("10.0.0.1"), 50000)
	assert.Equal(t, forward, reverse)

	// The port travels with its address.
	assert.Equal(t, addr("10.0.0.1"), forward.LoAddr)
	assert.Equal(t, uint16(50000), forward.LoPort)
	assert.Equal(t, uint16(443), forward.HiPort)
}

func TestKeyDistinguishesProtocols(t *testing.T) {
	tcp := NewKey(6, addr("10.0.0.1"), 53, addr("10.0.0.2"), 53)
	udp := NewKey(17, addr("10.0.0.1"), 53, addr("10.0.0.2"), 53)
	assert.NotEqual(t, tcp, udp)
}

func TestKeyCanonicalizationV6(t *testing.T) {
	a := NewKey(6, addr("2001:db8::1"), 1, addr("2001:db8::2"), 2)
	b := NewKey(6, addr("2001:db8::2"), 2, addr("2001:db8::1"), 1)
	assert.Equal(t, a, b)
}

func TestShardStability(t *testing.T) {
	forward := NewKey(6, addr("10.0.0.1"), 50000, addr("93.184.216.34"), 443)
	reverse := NewKey(6, addr("93.184.216.34"), 443, addr("10.0.0.1"), 50000)
	for _, n := range []int{1, 2, 4, 7, 16} {
		shard := forward.Shard(n)
		assert.Equal(t, shard, reverse.Shard(n))
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, n)
	}
}
