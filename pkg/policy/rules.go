package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/censorlab/censorlab/pkg/packet"
	"github.com/censorlab/censorlab/pkg/types"
)

// RuleSet holds the compiled expression rules. Rules are compiled once
// at startup and evaluated per packet: blacklist rules fire their
// action when the expression is true, whitelist rules fire when it is
// false. Blacklist is consulted before whitelist.
type RuleSet struct {
	env       *cel.Env
	blacklist []compiledRule
	whitelist []compiledRule
}

type compiledRule struct {
	rule    *Rule
	program cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("direction", cel.IntType),
		cel.Variable("ip.version", cel.IntType),
		cel.Variable("ip.src", cel.StringType),
		cel.Variable("ip.dst", cel.StringType),
		cel.Variable("ip.proto", cel.IntType),
		cel.Variable("ip.ttl", cel.IntType),
		cel.Variable("tcp.src_port", cel.IntType),
		cel.Variable("tcp.dst_port", cel.IntType),
		cel.Variable("tcp.seq", cel.IntType),
		cel.Variable("tcp.ack", cel.IntType),
		cel.Variable("tcp.flag.fin", cel.BoolType),
		cel.Variable("tcp.flag.syn", cel.BoolType),
		cel.Variable("tcp.flag.rst", cel.BoolType),
		cel.Variable("tcp.flag.psh", cel.BoolType),
		cel.Variable("tcp.flag.ack", cel.BoolType),
		cel.Variable("udp.src_port", cel.IntType),
		cel.Variable("udp.dst_port", cel.IntType),
		cel.Variable("payload.len", cel.IntType),
		cel.Variable("payload.entropy", cel.DoubleType),
		cel.Variable("payload.popcount", cel.DoubleType),
	)
}

// NewRuleSet compiles the given rules. A rule that fails to compile is
// a configuration error; disabled rules are skipped.
func NewRuleSet(rules []*Rule) (*RuleSet, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("create cel env failed: %w", err)
	}
	rs := &RuleSet{env: env}
	for _, rule := range rules {
		if rule.State == "disable" {
			continue
		}
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile %q: %w", rule.ID, rule.Expression, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", rule.ID, err)
		}
		compiled := compiledRule{rule: rule, program: program}
		switch rule.Mode {
		case "blacklist":
			rs.blacklist = append(rs.blacklist, compiled)
		case "whitelist":
			rs.whitelist = append(rs.whitelist, compiled)
		default:
			return nil, fmt.Errorf("rule %s: unknown rule_mode %q", rule.ID, rule.Mode)
		}
	}
	return rs, nil
}

// Evaluate runs the rule layer for one packet. The boolean reports
// whether any rule produced a non-None action.
func (rs *RuleSet) Evaluate(v *packet.View) (Decision, bool) {
	vars := buildEvalVars(v)
	for _, compiled := range rs.blacklist {
		matched, err := rs.eval(compiled, vars)
		if err != nil {
			continue
		}
		if matched && compiled.rule.Action != types.VerdictNone {
			return Decision{Verdict: compiled.rule.Action, Source: "rule:" + compiled.rule.ID}, true
		}
	}
	for _, compiled := range rs.whitelist {
		matched, err := rs.eval(compiled, vars)
		if err != nil {
			continue
		}
		if !matched && compiled.rule.Action != types.VerdictNone {
			return Decision{Verdict: compiled.rule.Action, Source: "rule:" + compiled.rule.ID}, true
		}
	}
	return decisionNone, false
}

func (rs *RuleSet) eval(compiled compiledRule, vars map[string]interface{}) (bool, error) {
	out, _, err := compiled.program.Eval(vars)
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expression is not boolean", compiled.rule.ID)
	}
	return matched, nil
}

// buildEvalVars flattens the packet view into the variable set the
// rule environment declares. Absent layers get zero values so every
// expression stays evaluable.
func buildEvalVars(v *packet.View) map[string]interface{} {
	vars := map[string]interface{}{
		"direction":        int64(v.Direction),
		"ip.version":       int64(0),
		"ip.src":           "",
		"ip.dst":           "",
		"ip.proto":         int64(0),
		"ip.ttl":           int64(0),
		"tcp.src_port":     int64(0),
		"tcp.dst_port":     int64(0),
		"tcp.seq":          int64(0),
		"tcp.ack":          int64(0),
		"tcp.flag.fin":     false,
		"tcp.flag.syn":     false,
		"tcp.flag.rst":     false,
		"tcp.flag.psh":     false,
		"tcp.flag.ack":     false,
		"udp.src_port":     int64(0),
		"udp.dst_port":     int64(0),
		"payload.len":      int64(len(v.Payload)),
		"payload.entropy":  v.PayloadEntropy,
		"payload.popcount": v.PayloadAvgPopcount,
	}
	if v.IP != nil {
		vars["ip.version"] = int64(v.IP.Version)
		vars["ip.src"] = v.IP.Src.String()
		vars["ip.dst"] = v.IP.Dst.String()
		vars["ip.proto"] = int64(v.IP.Proto)
		vars["ip.ttl"] = int64(v.IP.HopLimit)
	}
	if v.TCP != nil {
		vars["tcp.src_port"] = int64(v.TCP.Src)
		vars["tcp.dst_port"] = int64(v.TCP.Dst)
		vars["tcp.seq"] = int64(v.TCP.Seq)
		vars["tcp.ack"] = int64(v.TCP.Ack)
		vars["tcp.flag.fin"] = v.TCP.Flags.FIN
		vars["tcp.flag.syn"] = v.TCP.Flags.SYN
		vars["tcp.flag.rst"] = v.TCP.Flags.RST
		vars["tcp.flag.psh"] = v.TCP.Flags.PSH
		vars["tcp.flag.ack"] = v.TCP.Flags.ACK
	}
	if v.UDP != nil {
		vars["udp.src_port"] = int64(v.UDP.Src)
		vars["udp.dst_port"] = int64(v.UDP.Dst)
	}
	return vars
}
