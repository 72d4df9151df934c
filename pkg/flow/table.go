package flow

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/packet"
)

// Status is the lifecycle state of a flow. Terminal states absorb
// subsequent packets without invoking the censor program again.
type Status uint8

const (
	// StatusActive flows run the censor program on every packet.
	StatusActive Status = iota
	// StatusBypass flows pass every packet without program invocation.
	StatusBypass
	// StatusTerminated flows drop every packet; the verdict is fixed.
	StatusTerminated
)

// Flow is the per-connection state, including the owned interpreter.
type Flow struct {
	Key Key

	ClientAddr  netip.Addr
	ClientPort  uint16
	clientKnown bool

	NumPackets uint64
	CreatedAt  time.Time
	LastSeen   time.Time

	Status Status

	// Interp is nil when the flow is broken, bypassed or terminated.
	Interp Interpreter
	// Broken marks a flow whose interpreter failed to initialize or
	// exceeded the consecutive-error budget; such flows take the
	// configured default verdict without program invocation.
	Broken    bool
	ErrStreak int

	finFromClient bool
	finFromWan    bool
	rstSeen       bool
}

// Direction resolves the packet's direction against the flow's client
// endpoint, falling back to SYN/SYN-ACK inference when the configured
// client set decided nothing at flow creation.
func (f *Flow) Direction(v *packet.View, oracleDir int8) int8 {
	if f.clientKnown {
		if v.IP.Src == f.ClientAddr && v.SrcPort() == f.ClientPort {
			return packet.DirClientToWan
		}
		return packet.DirWanToClient
	}
	switch {
	case oracleDir == packet.DirClientToWan:
		f.setClient(v.IP.Src, v.SrcPort())
		return packet.DirClientToWan
	case oracleDir == packet.DirWanToClient:
		f.setClient(v.IP.Dst, v.DstPort())
		return packet.DirWanToClient
	case v.TCP != nil && v.TCP.Flags.SYN && !v.TCP.Flags.ACK:
		f.setClient(v.IP.Src, v.SrcPort())
		return packet.DirClientToWan
	case v.TCP != nil && v.TCP.Flags.SYN && v.TCP.Flags.ACK:
		f.setClient(v.IP.Dst, v.DstPort())
		return packet.DirWanToClient
	default:
		return packet.DirUnknown
	}
}

func (f *Flow) setClient(addr netip.Addr, port uint16) {
	f.ClientAddr = addr
	f.ClientPort = port
	f.clientKnown = true
}

// ObserveTeardown tracks FIN/RST and reports whether the flow has shut
// down in both directions. Best effort, no reassembly.
func (f *Flow) ObserveTeardown(v *packet.View, dir int8) bool {
	if v.TCP == nil {
		return false
	}
	if v.TCP.Flags.RST {
		f.rstSeen = true
	}
	if v.TCP.Flags.FIN && v.TCP.Flags.ACK {
		switch dir {
		case packet.DirClientToWan:
			f.finFromClient = true
		case packet.DirWanToClient:
			f.finFromWan = true
		}
	}
	return f.rstSeen || (f.finFromClient && f.finFromWan)
}

func (f *Flow) closeInterp() {
	if f.Interp != nil {
		f.Interp.Close()
		f.Interp = nil
	}
}

// Table maps canonical keys to flow state. A Table is owned by exactly
// one shard worker and is not synchronized.
type Table struct {
	flows   map[Key]*Flow
	factory Factory
	idleTTL time.Duration
}

// NewTable builds a table that instantiates interpreters from factory.
// idleTTL of zero disables idle eviction.
func NewTable(factory Factory, idleTTL time.Duration) *Table {
	return &Table{
		flows:   make(map[Key]*Flow),
		factory: factory,
		idleTTL: idleTTL,
	}
}

// Intern returns the flow for key, creating it on first sight. The
// packet counter is advanced here, once per presented packet, before
// any program runs.
func (t *Table) Intern(key Key, now time.Time) (*Flow, bool) {
	if f, ok := t.flows[key]; ok {
		f.NumPackets++
		f.LastSeen = now
		return f, false
	}
	f := &Flow{
		Key:        key,
		NumPackets: 1,
		CreatedAt:  now,
		LastSeen:   now,
	}
	if t.factory != nil {
		interp, err := t.factory.New(key)
		if err != nil {
			// The flow still exists so its verdict stays consistent;
			// it just never runs the program.
			f.Broken = true
			logrus.WithField("flow", key.String()).Warnf("failed to initialize censor program: %v", err)
		} else {
			f.Interp = interp
		}
	}
	t.flows[key] = f
	return f, true
}

// Terminate fixes the flow's verdict and frees the interpreter
// immediately; memory pressure matters at line rate.
func (t *Table) Terminate(f *Flow) {
	f.Status = StatusTerminated
	f.closeInterp()
}

// Bypass stops program invocation for the flow; every later packet
// passes. The interpreter is freed since it can never run again.
func (t *Table) Bypass(f *Flow) {
	f.Status = StatusBypass
	f.closeInterp()
}

// Remove drops the flow entirely, e.g. after an observed bidirectional
// shutdown.
func (t *Table) Remove(key Key) {
	if f, ok := t.flows[key]; ok {
		f.closeInterp()
		delete(t.flows, key)
	}
}

// Reap evicts flows idle longer than the table's TTL. Caller-driven;
// the table never runs its own timer.
func (t *Table) Reap(now time.Time) int {
	if t.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-t.idleTTL)
	evicted := 0
	for key, f := range t.flows {
		if f.LastSeen.Before(cutoff) {
			f.closeInterp()
			delete(t.flows, key)
			evicted++
		}
	}
	return evicted
}

func (t *Table) Len() int {
	return len(t.flows)
}
