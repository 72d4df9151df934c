package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/types"
)

// Mode selects the per-flow execution engine.
type Mode uint8

const (
	// ModeScript runs the embedded Lua engine.
	ModeScript Mode = iota
	// ModeCensorLang runs the register micro-VM.
	ModeCensorLang
)

type ExecutionConfig struct {
	Mode   Mode   `toml:"mode"`
	Script string `toml:"script"`
	// ScriptErrorDefault is the verdict for packets of flows whose
	// program is broken. Allow unless configured otherwise.
	ScriptErrorDefault types.Verdict `toml:"script_error_default"`
	// MaxScriptErrors is the consecutive-error budget before a flow's
	// interpreter is marked broken.
	MaxScriptErrors int `toml:"max_script_errors"`

	CensorLang CensorLangConfig `toml:"censorlang"`
}

func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "lua", "script":
		*m = ModeScript
	case "python":
		// Legacy alias from configs written for the reference censor.
		logrus.Warn("execution mode \"Python\" is a legacy alias; the script engine is Lua")
		*m = ModeScript
	case "censorlang":
		*m = ModeCensorLang
	default:
		return fmt.Errorf("invalid execution mode %q", string(text))
	}
	return nil
}

// CensorLangConfig tunes the micro-VM execution environment.
type CensorLangConfig struct {
	NumRegisters       int  `toml:"num_registers"`
	RelaxRegisterTypes bool `toml:"relax_register_types"`
	// FieldDefaultOnError is tri-state so an absent key can default to
	// true: reading a protocol-mismatched field yields the sentinel
	// instead of a per-packet script error.
	FieldDefaultOnError *bool `toml:"field_default_on_error"`
}

// DefaultOnError resolves the tri-state field; unset means true.
func (c CensorLangConfig) DefaultOnError() bool {
	if c.FieldDefaultOnError == nil {
		return true
	}
	return *c.FieldDefaultOnError
}

// List pairs a value list with the action taken when a value is (for a
// blocklist) or is not (for an allowlist) in the list.
type List struct {
	List   []string      `toml:"list"`
	Action types.Verdict `toml:"action"`
}

// PortList is a List over ports.
type PortList struct {
	List   []uint16      `toml:"list"`
	Action types.Verdict `toml:"action"`
}

type EthernetConfig struct {
	Unknown   types.Verdict `toml:"unknown"`
	Allowlist List          `toml:"allowlist"`
	Blocklist List          `toml:"blocklist"`
}

type ARPConfig struct {
	Action types.Verdict `toml:"action"`
}

type IPConfig struct {
	Unknown   types.Verdict `toml:"unknown"`
	Allowlist List          `toml:"allowlist"`
	Blocklist List          `toml:"blocklist"`
}

type ICMPConfig struct {
	Action types.Verdict `toml:"action"`
}

type TransportConfig struct {
	PortAllowlist   PortList `toml:"port_allowlist"`
	PortBlocklist   PortList `toml:"port_blocklist"`
	IPPortAllowlist List     `toml:"ip_port_allowlist"`
	IPPortBlocklist List     `toml:"ip_port_blocklist"`
}

type TCPConfig struct {
	TransportConfig
	// ResetRepeat is how many times each synthesized RST pair is
	// injected.
	ResetRepeat int `toml:"reset_repeat"`
}

type UDPConfig struct {
	TransportConfig
}

type ModelConfig struct {
	Path string `toml:"path"`
}

type RulesConfig struct {
	// Dir holds yaml files of CEL expression rules, compiled at
	// startup.
	Dir string `toml:"dir"`
}

type FlowsConfig struct {
	IdleTTL Duration `toml:"idle_ttl"`
	Shards  int      `toml:"shards"`
}

type APIConfig struct {
	// Listen is host:port for the control API; empty disables it.
	Listen string `toml:"listen"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	Dir      string `toml:"dir"`
	Filename string `toml:"filename"`
	// Decisions optionally names a JSON-lines file recording every
	// non-Allow verdict.
	Decisions string `toml:"decisions"`
}

type PipelineConfig struct {
	BufferSize int `toml:"buffer_size"`
}

type NfqConfig struct {
	QueueIn  uint16 `toml:"queue_in"`
	QueueOut uint16 `toml:"queue_out"`
	// Interface to inject synthesized segments on.
	Interface string `toml:"interface"`
}

type Config struct {
	Execution ExecutionConfig        `toml:"execution"`
	Ethernet  EthernetConfig         `toml:"ethernet"`
	ARP       ARPConfig              `toml:"arp"`
	IP        IPConfig               `toml:"ip"`
	ICMP      ICMPConfig             `toml:"icmp"`
	TCP       TCPConfig              `toml:"tcp"`
	UDP       UDPConfig              `toml:"udp"`
	Models    map[string]ModelConfig `toml:"models"`
	Rules     RulesConfig            `toml:"rules"`
	Flows     FlowsConfig            `toml:"flows"`
	API       APIConfig              `toml:"api"`
	Log       LogConfig              `toml:"log"`
	Pipeline  PipelineConfig         `toml:"pipeline"`
	Nfq       NfqConfig              `toml:"nfq"`
}

// Duration is a time.Duration that unmarshals from strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and validates a config file. Script, model and rule paths
// in the file resolve relative to the file's own directory.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	dir := filepath.Dir(path)
	if cfg.Execution.Script != "" && !filepath.IsAbs(cfg.Execution.Script) {
		cfg.Execution.Script = filepath.Join(dir, cfg.Execution.Script)
	}
	for name, m := range cfg.Models {
		if !filepath.IsAbs(m.Path) {
			m.Path = filepath.Join(dir, m.Path)
			cfg.Models[name] = m
		}
	}
	if cfg.Rules.Dir != "" && !filepath.IsAbs(cfg.Rules.Dir) {
		cfg.Rules.Dir = filepath.Join(dir, cfg.Rules.Dir)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Execution.MaxScriptErrors <= 0 {
		c.Execution.MaxScriptErrors = 16
	}
	if c.Execution.CensorLang.NumRegisters <= 0 {
		c.Execution.CensorLang.NumRegisters = 16
	}
	if c.Execution.CensorLang.FieldDefaultOnError == nil {
		defaultOnError := true
		c.Execution.CensorLang.FieldDefaultOnError = &defaultOnError
	}
	if c.TCP.ResetRepeat <= 0 {
		c.TCP.ResetRepeat = 5
	}
	if c.Flows.IdleTTL <= 0 {
		c.Flows.IdleTTL = Duration(5 * time.Minute)
	}
	if c.Flows.Shards <= 0 {
		c.Flows.Shards = runtime.NumCPU()
	}
	if c.Pipeline.BufferSize <= 0 {
		c.Pipeline.BufferSize = 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Nfq.QueueOut == 0 && c.Nfq.QueueIn == 0 {
		c.Nfq.QueueOut = 1
	}
}

// Validate performs the sink-independent checks. Sink-dependent ones
// live in ValidateForSink.
func (c *Config) Validate() error {
	for _, mac := range append(c.Ethernet.Allowlist.List, c.Ethernet.Blocklist.List...) {
		if _, err := ParseMAC(mac); err != nil {
			return err
		}
	}
	for _, addr := range append(c.IP.Allowlist.List, c.IP.Blocklist.List...) {
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("invalid IP address %q: %w", addr, err)
		}
	}
	for _, proto := range []TransportConfig{c.TCP.TransportConfig, c.UDP.TransportConfig} {
		for _, pair := range append(proto.IPPortAllowlist.List, proto.IPPortBlocklist.List...) {
			if _, _, err := ParseIPPort(pair); err != nil {
				return err
			}
		}
	}
	if c.Ethernet.Allowlist.Action == types.VerdictReset ||
		c.Ethernet.Blocklist.Action == types.VerdictReset ||
		c.Ethernet.Unknown == types.VerdictReset {
		return fmt.Errorf("Reset is not a valid action at the ethernet layer")
	}
	for name, m := range c.Models {
		if _, err := os.Stat(m.Path); err != nil {
			return fmt.Errorf("model %q: %w", name, err)
		}
	}
	if c.Execution.Mode == ModeScript && c.Execution.Script != "" {
		if _, err := os.Stat(c.Execution.Script); err != nil {
			return fmt.Errorf("censor script: %w", err)
		}
	}
	switch c.Execution.ScriptErrorDefault {
	case types.VerdictNone, types.VerdictDrop:
	default:
		return fmt.Errorf("script_error_default must be None or Drop")
	}
	return nil
}

// ValidateForSink rejects actions the chosen sink cannot enforce. Drop
// is a lie in tap mode and is refused outright rather than silently
// promoted at config time.
func (c *Config) ValidateForSink(canDrop bool) error {
	if canDrop {
		return nil
	}
	actions := map[string]types.Verdict{
		"ethernet.unknown":             c.Ethernet.Unknown,
		"ethernet.allowlist.action":    c.Ethernet.Allowlist.Action,
		"ethernet.blocklist.action":    c.Ethernet.Blocklist.Action,
		"arp.action":                   c.ARP.Action,
		"ip.unknown":                   c.IP.Unknown,
		"ip.allowlist.action":          c.IP.Allowlist.Action,
		"ip.blocklist.action":          c.IP.Blocklist.Action,
		"icmp.action":                  c.ICMP.Action,
		"tcp.port_allowlist.action":    c.TCP.PortAllowlist.Action,
		"tcp.port_blocklist.action":    c.TCP.PortBlocklist.Action,
		"tcp.ip_port_allowlist.action": c.TCP.IPPortAllowlist.Action,
		"tcp.ip_port_blocklist.action": c.TCP.IPPortBlocklist.Action,
		"udp.port_allowlist.action":    c.UDP.PortAllowlist.Action,
		"udp.port_blocklist.action":    c.UDP.PortBlocklist.Action,
		"udp.ip_port_allowlist.action": c.UDP.IPPortAllowlist.Action,
		"udp.ip_port_blocklist.action": c.UDP.IPPortBlocklist.Action,
	}
	for key, action := range actions {
		if action == types.VerdictDrop {
			return fmt.Errorf("%s: Drop is only enforceable with the queue sink", key)
		}
	}
	return nil
}

// ParseMAC parses a colon-separated MAC address into its 6 bytes.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}
	for i, part := range parts {
		b, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("invalid MAC address %q: %w", s, err)
		}
		mac[i] = byte(b)
	}
	return mac, nil
}

// ParseIPPort parses an "addr:port" pair; IPv6 addresses use the
// bracketed form.
func ParseIPPort(s string) (netip.Addr, uint16, error) {
	addrPort, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("invalid ip-port pair %q: %w", s, err)
	}
	return addrPort.Addr().Unmap(), addrPort.Port(), nil
}
