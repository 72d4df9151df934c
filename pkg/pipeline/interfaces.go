package pipeline

import (
	"context"
	"sync"

	"github.com/censorlab/censorlab/pkg/config"
	"github.com/censorlab/censorlab/pkg/metrics"
	"github.com/censorlab/censorlab/pkg/types"
)

// Source produces raw packets from a capture handle or kernel queue.
type Source interface {
	// Start begins capture; the source owns its goroutine and closes
	// Output when done.
	Start(ctx context.Context, wg *sync.WaitGroup) error
	// Output returns the packet output channel.
	Output() <-chan *types.Packet
}

// Processor is one pipeline stage.
type Processor interface {
	// Process consumes packets from in and returns its output channel.
	Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error)
	// Stage orders processors within the pipeline.
	Stage() types.Stage
	// Name identifies the processor in logs and metrics.
	Name() string
	// CheckReady reports whether the processor can run.
	CheckReady() error
}

// Sink enforces verdicts on processed packets.
type Sink interface {
	// Consume drains the channel, enforcing each packet's verdict.
	Consume(ctx context.Context, in <-chan *types.Packet) error
	// Ready is closed once the sink accepts packets.
	Ready() <-chan struct{}
}

// Pipeline wires source, processors and sink together.
type Pipeline interface {
	AddProcessor(processor Processor) error
	SetSource(source Source)
	SetSink(sink Sink)
	Start(ctx context.Context) error
	Stop() error
	GetMetrics() map[string]*metrics.ProcessorMetrics
	SetConfig(*config.Config) error
	Status() string
}
