package types

import (
	"time"

	"github.com/censorlab/censorlab/pkg/packet"
)

// Packet is the unit passed along the processing pipeline: the raw
// bytes from the source, the decoded view once the parser stage has
// run, and the verdict once the flow stage has decided.
type Packet struct {
	// ID is a monotonically increasing sequence number assigned by the
	// source.
	ID uint64
	// QueueID and Queue identify the packet towards the kernel queue.
	// Zero for tap sources.
	QueueID uint32
	Queue   uint16

	Timestamp time.Time
	Data      []byte

	Parsed *packet.View

	Verdict Verdict
	// VerdictSource records which layer or engine produced the verdict
	// ("ethernet", "ip", "tcp", "rule:<id>", "script", ...).
	VerdictSource string
}

// Stage orders processors within the pipeline.
type Stage int

const (
	StageDecode Stage = iota + 1
	StageFlow
)
