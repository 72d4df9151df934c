package script

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censorlab/censorlab/pkg/flow"
	"github.com/censorlab/censorlab/pkg/packet"
)

func newInterp(t *testing.T, source string) flow.Interpreter {
	t.Helper()
	engine, err := NewEngineFromSource(source, "test.lua", nil)
	require.NoError(t, err)
	interp, err := engine.New(flow.Key{})
	require.NoError(t, err)
	t.Cleanup(interp.Close)
	return interp
}

func tcpView(payload []byte) *packet.View {
	v := &packet.View{
		Direction: packet.DirClientToWan,
		IP: &packet.IPInfo{Version: 4, Proto: 6},
		Transport: packet.TransportTCP,
		TCP: &packet.TCPInfo{
			Src: 40000, Dst: 443,
			Seq: 1, Ack: 1,
			PayloadLen: len(payload),
			Flags:      packet.TCPFlags{ACK: true},
		},
		Payload: payload,
	}
	v.PayloadEntropy = packet.Entropy(payload)
	v.PayloadAvgPopcount = packet.AvgPopcount(payload)
	return v
}

func udpView(payload []byte, dstPort uint16) *packet.View {
	v := &packet.View{
		IP:        &packet.IPInfo{Version: 4, Proto: 17},
		Transport: packet.TransportUDP,
		UDP:       &packet.UDPInfo{Src: 40000, Dst: dstPort},
		Payload:   payload,
	}
	v.PayloadEntropy = packet.Entropy(payload)
	return v
}

func TestSyntaxErrorIsFatalAtCompile(t *testing.T) {
	_, err := NewEngineFromSource("function process(", "bad.lua", nil)
	assert.Error(t, err)
}

func TestMissingProcessFunction(t *testing.T) {
	engine, err := NewEngineFromSource("x = 1", "noproc.lua", nil)
	require.NoError(t, err)
	_, err = engine.New(flow.Key{})
	assert.Error(t, err)
}

func TestFirstNDrop(t *testing.T) {
	interp := newInterp(t, `
num_packets = 0
function process(packet)
    num_packets = num_packets + 1
    if num_packets > 3 then
        return "drop"
    end
end
`)
	var actions []flow.Action
	for i := 0; i < 5; i++ {
		action, err := interp.Process(tcpView(nil), uint64(i+1))
		require.NoError(t, err)
		actions = append(actions, action)
	}
	assert.Equal(t, []flow.Action{
		flow.ActionAllow, flow.ActionAllow, flow.ActionAllow,
		flow.ActionDrop, flow.ActionDrop,
	}, actions)
}

func TestFlowsDoNotShareState(t *testing.T) {
	engine, err := NewEngineFromSource(`
count = 0
function process(packet)
    count = count + 1
    if count >= 2 then
        return "drop"
    end
end
`, "iso.lua", nil)
	require.NoError(t, err)

	a, err := engine.New(flow.Key{})
	require.NoError(t, err)
	defer a.Close()
	b, err := engine.New(flow.Key{})
	require.NoError(t, err)
	defer b.Close()

	action, err := a.Process(tcpView(nil), 1)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionAllow, action)
	action, err = a.Process(tcpView(nil), 2)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionDrop, action)

	// The second flow starts from a fresh environment.
	action, err = b.Process(tcpView(nil), 1)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionAllow, action)
}

func TestVerdictStrings(t *testing.T) {
	for verdict, want := range map[string]flow.Action{
		"allow":     flow.ActionAllow,
		"drop":      flow.ActionDrop,
		"allow_all": flow.ActionAllowAll,
		"terminate": flow.ActionTerminate,
		"ALLOW":     flow.ActionAllow,
	} {
		interp := newInterp(t, `
function process(packet)
    return "`+verdict+`"
end
`)
		action, err := interp.Process(tcpView(nil), 1)
		require.NoError(t, err)
		assert.Equal(t, want, action, "verdict %q", verdict)
	}
}

func TestNilReturnAllows(t *testing.T) {
	interp := newInterp(t, "function process(packet)\nend")
	action, err := interp.Process(tcpView(nil), 1)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionAllow, action)
}

func TestUnknownVerdictIsError(t *testing.T) {
	interp := newInterp(t, `
function process(packet)
    return "obliterate"
end
`)
	_, err := interp.Process(tcpView(nil), 1)
	assert.Error(t, err)
}

func TestNonStringReturnIsError(t *testing.T) {
	interp := newInterp(t, `
function process(packet)
    return 42
end
`)
	_, err := interp.Process(tcpView(nil), 1)
	assert.Error(t, err)
}

func TestRuntimeErrorIsScriptError(t *testing.T) {
	interp := newInterp(t, `
function process(packet)
    error("boom")
end
`)
	_, err := interp.Process(tcpView(nil), 1)
	assert.Error(t, err)
}

func TestPacketAttributes(t *testing.T) {
	interp := newInterp(t, `
function process(packet)
    if packet.tcp == nil or packet.udp ~= nil then
        return "drop"
    end
    if not packet.tcp.flags.ack or packet.tcp.flags.syn then
        return "drop"
    end
    if packet.direction ~= 1 then
        return "drop"
    end
    if packet.payload_len ~= 5 or packet.payload ~= "hello" then
        return "drop"
    end
    if not packet.tcp:uses_port(443) then
        return "drop"
    end
    return "allow"
end
`)
	action, err := interp.Process(tcpView([]byte("hello")), 1)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionAllow, action)
}

func TestMissingLayerIsNilNotError(t *testing.T) {
	interp := newInterp(t, `
function process(packet)
    if packet.ip == nil and packet.tcp == nil and packet.udp == nil then
        return "allow_all"
    end
end
`)
	action, err := interp.Process(&packet.View{}, 1)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionAllowAll, action)
}

func TestHighEntropyThrottle(t *testing.T) {
	// Drops every second packet matching len > 1000 and entropy > 7.
	interp := newInterp(t, `
matches = 0
function process(packet)
    if packet.payload_len > 1000 and packet.payload_entropy > 7.0 then
        matches = matches + 1
        if matches % 2 == 0 then
            return "drop"
        end
    end
end
`)
	high := make([]byte, 2048)
	for i := range high {
		high[i] = byte(i % 256)
	}
	low := []byte("short plaintext")

	inputs := [][]byte{high, high, high, high, low, low}
	want := []flow.Action{
		flow.ActionAllow, flow.ActionDrop,
		flow.ActionAllow, flow.ActionDrop,
		flow.ActionAllow, flow.ActionAllow,
	}
	for i, payload := range inputs {
		action, err := interp.Process(tcpView(payload), uint64(i+1))
		require.NoError(t, err)
		assert.Equal(t, want[i], action, "packet %d", i+1)
	}
}

func TestRegexHelper(t *testing.T) {
	interp := newInterp(t, `
matcher = regex.compile("mit\\.edu")
function process(packet)
    if matcher:ismatch(packet.payload) then
        return "drop"
    end
end
`)
	action, err := interp.Process(tcpView([]byte("GET / HTTP/1.1\r\nHost: mit.edu\r\n")), 1)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionDrop, action)

	action, err = interp.Process(tcpView([]byte("GET / HTTP/1.1\r\nHost: umass.edu\r\n")), 2)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionAllow, action)
}

func TestBadRegexPatternFailsInitialization(t *testing.T) {
	engine, err := NewEngineFromSource(`matcher = regex.compile("([")
function process(packet)
end
`, "badre.lua", nil)
	require.NoError(t, err)
	_, err = engine.New(flow.Key{})
	assert.Error(t, err)
}

func dnsQuery(t *testing.T, name string) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	data, err := msg.Pack()
	require.NoError(t, err)
	return data
}

const dnsBlockScript = `
function process(packet)
    local udp = packet.udp
    if udp == nil or not udp:uses_port(53) then
        return
    end
    local msg = parse_dns(packet.payload)
    if msg == nil then
        return
    end
    for _, q in ipairs(msg.questions) do
        if q.name == "mit.edu." or string.sub(q.name, -9) == ".mit.edu." then
            return "drop"
        end
    end
end
`

func TestDNSDomainBlock(t *testing.T) {
	interp := newInterp(t, dnsBlockScript)

	for query, want := range map[string]flow.Action{
		"mit.edu":        flow.ActionDrop,
		"web.mit.edu":    flow.ActionDrop,
		"kermit.edu":     flow.ActionAllow,
		"mit.edu.com":    flow.ActionAllow,
		"example.com":    flow.ActionAllow,
	} {
		action, err := interp.Process(udpView(dnsQuery(t, query), 53), 1)
		require.NoError(t, err)
		assert.Equal(t, want, action, "query %s", query)
	}
}

func TestDNSMalformedReturnsNil(t *testing.T) {
	interp := newInterp(t, `
function process(packet)
    if parse_dns(packet.payload) == nil then
        return "allow_all"
    end
end
`)
	action, err := interp.Process(udpView([]byte{0xde, 0xad}, 53), 1)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionAllowAll, action)
}

func TestSNIBlock(t *testing.T) {
	// A plaintext-SNI style check over the raw ClientHello bytes.
	interp := newInterp(t, `
matcher = regex.compile("mit\\.edu")
function process(packet)
    local tcp = packet.tcp
    if tcp ~= nil and tcp:uses_port(443) and matcher:ismatch(packet.payload) then
        return "drop"
    end
end
`)
	hello := append([]byte{0x16, 0x03, 0x01, 0x00, 0x80}, []byte("...mit.edu...")...)
	action, err := interp.Process(tcpView(hello), 1)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionDrop, action)

	other := append([]byte{0x16, 0x03, 0x01, 0x00, 0x80}, []byte("...umass.edu...")...)
	action, err = interp.Process(tcpView(other), 2)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionAllow, action)
}

func TestDeterministicReplay(t *testing.T) {
	// Re-processing the same sequence on a fresh interpreter yields the
	// same verdicts.
	engine, err := NewEngineFromSource(`
count = 0
function process(packet)
    count = count + 1
    if count % 2 == 0 then
        return "drop"
    end
end
`, "replay.lua", nil)
	require.NoError(t, err)

	runOnce := func() []flow.Action {
		interp, err := engine.New(flow.Key{})
		require.NoError(t, err)
		defer interp.Close()
		var actions []flow.Action
		for i := 0; i < 6; i++ {
			action, err := interp.Process(tcpView([]byte("x")), uint64(i+1))
			require.NoError(t, err)
			actions = append(actions, action)
		}
		return actions
	}
	assert.Equal(t, runOnce(), runOnce())
}
