package types

import (
	"fmt"
	"strings"
)

// Verdict is the per-packet decision handed to the enforcement sink.
// It doubles as the configured action of a policy layer.
type Verdict uint8

const (
	// VerdictNone continues processing; if nothing downstream decides
	// otherwise the packet is forwarded.
	VerdictNone Verdict = iota
	// VerdictIgnore releases the packet immediately without further
	// analysis.
	VerdictIgnore
	// VerdictDrop discards the packet. Only enforceable on the queue
	// sink; the tap sink promotes it to None.
	VerdictDrop
	// VerdictReset emits a TCP RST in both directions of the flow.
	VerdictReset
)

func (v Verdict) String() string {
	switch v {
	case VerdictNone:
		return "None"
	case VerdictIgnore:
		return "Ignore"
	case VerdictDrop:
		return "Drop"
	case VerdictReset:
		return "Reset"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

// ParseVerdict parses a configured action name, case-insensitively.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return VerdictNone, nil
	case "ignore":
		return VerdictIgnore, nil
	case "drop":
		return VerdictDrop, nil
	case "reset":
		return VerdictReset, nil
	default:
		return VerdictNone, fmt.Errorf("invalid action %q", s)
	}
}

// UnmarshalText lets Verdict be used directly in configuration structs.
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := ParseVerdict(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}
