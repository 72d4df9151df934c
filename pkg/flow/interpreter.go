package flow

import (
	"fmt"
	"strings"

	"github.com/censorlab/censorlab/pkg/packet"
)

// Action is the decision a censor program returns for one packet.
type Action uint8

const (
	// ActionAllow passes this packet unchanged.
	ActionAllow Action = iota
	// ActionDrop discards this packet.
	ActionDrop
	// ActionAllowAll stops invoking the program for this flow and
	// passes every subsequent packet.
	ActionAllowAll
	// ActionTerminate resets the connection and drops every subsequent
	// packet on the flow.
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDrop:
		return "drop"
	case ActionAllowAll:
		return "allow_all"
	case ActionTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// ParseAction maps a program's return value onto an Action. The verb
// set is the stable script surface; anything else is a script error.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "", "allow":
		return ActionAllow, nil
	case "drop":
		return ActionDrop, nil
	case "allow_all":
		return ActionAllowAll, nil
	case "terminate":
		return ActionTerminate, nil
	default:
		return ActionAllow, fmt.Errorf("unrecognized action %q", s)
	}
}

// Interpreter is a per-flow execution context for a censor program.
// An Interpreter is exclusively owned by its flow and never invoked
// concurrently with itself.
type Interpreter interface {
	// Process presents one packet and returns the program's decision.
	// numPackets is the flow's packet counter, already incremented for
	// this packet.
	Process(v *packet.View, numPackets uint64) (Action, error)
	// Close releases the context. Called on terminate and eviction.
	Close()
}

// Factory creates one Interpreter per new flow from a program compiled
// once at startup.
type Factory interface {
	New(key Key) (Interpreter, error)
}
