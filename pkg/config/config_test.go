package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censorlab/censorlab/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "censorlab.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "censor.lua")
	require.NoError(t, os.WriteFile(scriptPath, []byte("function process(packet)\nend"), 0644))
	content := `
[execution]
mode = "Lua"
script = "censor.lua"

[ethernet]
unknown = "Ignore"

[arp]
action = "Ignore"

[ip]
unknown = "Drop"

[ip.blocklist]
list = ["192.168.31.1"]
action = "Reset"

[icmp]
action = "None"

[tcp]
reset_repeat = 3

[tcp.port_blocklist]
list = [25]
action = "Drop"

[udp.port_allowlist]
list = [53, 443]
action = "Drop"

[flows]
idle_ttl = "2m"
shards = 4

[pipeline]
buffer_size = 256
`
	path := filepath.Join(dir, "censorlab.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeScript, cfg.Execution.Mode)
	assert.Equal(t, scriptPath, cfg.Execution.Script, "script path resolves relative to the config")
	assert.Equal(t, types.VerdictIgnore, cfg.Ethernet.Unknown)
	assert.Equal(t, types.VerdictDrop, cfg.IP.Unknown)
	assert.Equal(t, types.VerdictReset, cfg.IP.Blocklist.Action)
	assert.Equal(t, []string{"192.168.31.1"}, cfg.IP.Blocklist.List)
	assert.Equal(t, 3, cfg.TCP.ResetRepeat)
	assert.Equal(t, []uint16{25}, cfg.TCP.PortBlocklist.List)
	assert.Equal(t, []uint16{53, 443}, cfg.UDP.PortAllowlist.List)
	assert.Equal(t, 2*time.Minute, cfg.Flows.IdleTTL.Std())
	assert.Equal(t, 4, cfg.Flows.Shards)
	assert.Equal(t, 256, cfg.Pipeline.BufferSize)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Execution.MaxScriptErrors)
	assert.Equal(t, 16, cfg.Execution.CensorLang.NumRegisters)
	assert.Equal(t, 5, cfg.TCP.ResetRepeat)
	assert.Equal(t, 5*time.Minute, cfg.Flows.IdleTTL.Std())
	assert.Greater(t, cfg.Flows.Shards, 0)
	assert.Equal(t, types.VerdictNone, cfg.Execution.ScriptErrorDefault)
	assert.True(t, cfg.Execution.CensorLang.DefaultOnError(),
		"missing-layer reads default to the sentinel, not an error")
}

func TestFieldDefaultOnErrorExplicitFalse(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[execution.censorlang]\nfield_default_on_error = false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Execution.CensorLang.DefaultOnError())
}

func TestPythonModeAlias(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[execution]\nmode = \"Python\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ModeScript, cfg.Execution.Mode)
}

func TestCensorLangMode(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[execution]\nmode = \"CensorLang\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ModeCensorLang, cfg.Execution.Mode)
}

func TestInvalidMode(t *testing.T) {
	_, err := Load(writeConfig(t, "[execution]\nmode = \"Perl\"\n"))
	assert.Error(t, err)
}

func TestInvalidAction(t *testing.T) {
	_, err := Load(writeConfig(t, "[icmp]\naction = \"Explode\"\n"))
	assert.Error(t, err)
}

func TestInvalidAddressRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "[ip.blocklist]\nlist = [\"not-an-ip\"]\n"))
	assert.Error(t, err)
}

func TestInvalidMACRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "[ethernet.blocklist]\nlist = [\"zz:00:00:00:00:01\"]\n"))
	assert.Error(t, err)
}

func TestEthernetResetRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "[ethernet]\nunknown = \"Reset\"\n"))
	assert.Error(t, err)
}

func TestMissingScriptRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "[execution]\nscript = \"nope.lua\"\n"))
	assert.Error(t, err)
}

func TestMissingModelRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "[models.shadowsocks]\npath = \"missing.onnx\"\n"))
	assert.Error(t, err)
}

func TestValidateForSinkRejectsDropOnTap(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[tcp.port_blocklist]\nlist = [25]\naction = \"Drop\"\n"))
	require.NoError(t, err)

	// Enforceable in-line, a lie on a passive tap.
	assert.NoError(t, cfg.ValidateForSink(true))
	assert.Error(t, cfg.ValidateForSink(false))
}

func TestValidateForSinkRejectsIPPortDropOnTap(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[tcp.ip_port_blocklist]\nlist = [\"10.0.0.2:8080\"]\naction = \"Drop\"\n"))
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateForSink(true))
	assert.Error(t, cfg.ValidateForSink(false))

	cfg, err = Load(writeConfig(t, "[udp.ip_port_allowlist]\nlist = [\"10.0.0.2:53\"]\naction = \"Drop\"\n"))
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateForSink(false))
}

func TestParseIPPort(t *testing.T) {
	addr, port, err := ParseIPPort("10.0.0.2:8080")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", addr.String())
	assert.Equal(t, uint16(8080), port)

	addr, port, err = ParseIPPort("[2001:db8::1]:443")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", addr.String())
	assert.Equal(t, uint16(443), port)

	_, _, err = ParseIPPort("10.0.0.2")
	assert.Error(t, err)
}

func TestParseMAC(t *testing.T) {
	mac, err := ParseMAC("02:00:00:00:00:ff")
	require.NoError(t, err)
	assert.Equal(t, [6]byte{2, 0, 0, 0, 0, 0xff}, mac)

	_, err = ParseMAC("02:00:00")
	assert.Error(t, err)
}
