package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/flow"
	"github.com/censorlab/censorlab/pkg/metrics"
	"github.com/censorlab/censorlab/pkg/packet"
	"github.com/censorlab/censorlab/pkg/policy"
	"github.com/censorlab/censorlab/pkg/types"
)

// FlowStage runs the layered policy engine and the per-flow censor
// program. Packets are sharded by canonical flow key; each shard
// worker owns its flow table outright, which keeps interpreter access
// serial without locking.
type FlowStage struct {
	shards     int
	bufferSize int
	engine     *policy.Engine
	oracle     *flow.Oracle
	factory    flow.Factory

	idleTTL      time.Duration
	errorDefault types.Verdict
	maxErrors    int

	stats  *metrics.ProcessorMetrics
	counts []uint64
}

// FlowStageOptions collects the tunables from configuration.
type FlowStageOptions struct {
	Shards       int
	BufferSize   int
	IdleTTL      time.Duration
	ErrorDefault types.Verdict
	MaxErrors    int
}

func NewFlowStage(engine *policy.Engine, oracle *flow.Oracle, factory flow.Factory, opts FlowStageOptions) *FlowStage {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 16
	}
	return &FlowStage{
		shards:       opts.Shards,
		bufferSize:   opts.BufferSize,
		engine:       engine,
		oracle:       oracle,
		factory:      factory,
		idleTTL:      opts.IdleTTL,
		errorDefault: opts.ErrorDefault,
		maxErrors:    opts.MaxErrors,
		stats:        &metrics.ProcessorMetrics{},
		counts:       make([]uint64, opts.Shards),
	}
}

func (s *FlowStage) Stage() types.Stage {
	return types.StageFlow
}

func (s *FlowStage) Name() string {
	return "FlowEngine"
}

func (s *FlowStage) CheckReady() error {
	if s.engine == nil {
		return fmt.Errorf("policy engine not initialized")
	}
	return nil
}

func (s *FlowStage) Metrics() *metrics.ProcessorMetrics {
	return s.stats
}

// FlowCounts reports the live flow count per shard.
func (s *FlowStage) FlowCounts() []uint64 {
	counts := make([]uint64, len(s.counts))
	for i := range counts {
		counts[i] = atomic.LoadUint64(&s.counts[i])
	}
	return counts
}

func (s *FlowStage) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, s.bufferSize)

	shardChans := make([]chan *types.Packet, s.shards)
	for i := range shardChans {
		shardChans[i] = make(chan *types.Packet, s.bufferSize/s.shards+1)
	}

	var workers sync.WaitGroup
	workers.Add(s.shards)
	for i := 0; i < s.shards; i++ {
		shard := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer workers.Done()
			s.worker(ctx, shard, shardChans[shard], out)
		}()
	}

	// The output channel closes only after every shard worker exits.
	wg.Add(1)
	go func() {
		defer wg.Done()
		workers.Wait()
		close(out)
	}()

	// Dispatcher: shard by flow key so a flow always lands on the same
	// worker. Non-flow traffic has no key and goes to shard 0.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			for _, ch := range shardChans {
				close(ch)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-in:
				if !ok {
					return
				}
				if pkt == nil {
					continue
				}
				shard := 0
				if key, ok := flowKey(pkt.Parsed); ok {
					shard = key.Shard(s.shards)
				}
				select {
				case shardChans[shard] <- pkt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func flowKey(v *packet.View) (flow.Key, bool) {
	if v == nil || v.IP == nil {
		return flow.Key{}, false
	}
	switch v.Transport {
	case packet.TransportTCP, packet.TransportUDP:
		return flow.NewKey(v.IP.Proto, v.IP.Src, v.SrcPort(), v.IP.Dst, v.DstPort()), true
	default:
		return flow.Key{}, false
	}
}

func (s *FlowStage) worker(ctx context.Context, shard int, in <-chan *types.Packet, out chan<- *types.Packet) {
	table := flow.NewTable(s.factory, s.idleTTL)
	reapTick := time.NewTicker(30 * time.Second)
	defer reapTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-reapTick.C:
			if evicted := table.Reap(now); evicted > 0 {
				logrus.Debugf("shard %d: reaped %d idle flows", shard, evicted)
			}
			atomic.StoreUint64(&s.counts[shard], uint64(table.Len()))
		case pkt, ok := <-in:
			if !ok {
				return
			}
			start := time.Now()
			s.handle(pkt, table)
			s.stats.IncrementProcessed()
			s.stats.AddProcessingTime(time.Since(start))
			atomic.StoreUint64(&s.counts[shard], uint64(table.Len()))
			select {
			case out <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handle produces the verdict for one packet: policy layers first,
// then the flow's censor program if no layer decided.
func (s *FlowStage) handle(pkt *types.Packet, table *flow.Table) {
	v := pkt.Parsed
	if v == nil {
		return
	}
	if decision := s.engine.Evaluate(v); decision.Verdict != types.VerdictNone {
		pkt.Verdict = decision.Verdict
		pkt.VerdictSource = decision.Source
		s.count(decision.Verdict)
		return
	}
	key, ok := flowKey(v)
	if !ok {
		// Non-flow traffic that no layer objected to passes.
		return
	}

	f, created := table.Intern(key, v.Timestamp)
	if created {
		logrus.Debugf("new flow %s", key)
	}
	oracleDir := packet.DirUnknown
	if s.oracle != nil {
		oracleDir = s.oracle.Direction(v)
	}
	dir := f.Direction(v, oracleDir)
	v.Direction = dir

	switch f.Status {
	case flow.StatusTerminated:
		// Terminal state absorbs the packet; the verdict is fixed.
		pkt.Verdict = types.VerdictDrop
		pkt.VerdictSource = "flow"
		s.count(pkt.Verdict)
		return
	case flow.StatusBypass:
		return
	}

	if s.factory == nil {
		// No program configured: the packet passes.
		return
	}
	if f.Broken || f.Interp == nil {
		pkt.Verdict = s.errorDefault
		if s.errorDefault != types.VerdictNone {
			pkt.VerdictSource = "script"
			s.count(pkt.Verdict)
		}
		return
	}

	action, err := f.Interp.Process(v, f.NumPackets)
	if err != nil {
		s.stats.IncrementScriptErrors()
		f.ErrStreak++
		if f.ErrStreak == 1 || f.ErrStreak >= s.maxErrors {
			logrus.WithField("flow", key.String()).Warnf("script error (%d consecutive): %v", f.ErrStreak, err)
		}
		if f.ErrStreak >= s.maxErrors {
			f.Broken = true
			f.Interp.Close()
			f.Interp = nil
		}
		pkt.Verdict = s.errorDefault
		if s.errorDefault != types.VerdictNone {
			pkt.VerdictSource = "script"
			s.count(pkt.Verdict)
		}
		return
	}
	f.ErrStreak = 0

	switch action {
	case flow.ActionAllow:
	case flow.ActionDrop:
		pkt.Verdict = types.VerdictDrop
		pkt.VerdictSource = "script"
		s.count(pkt.Verdict)
	case flow.ActionAllowAll:
		table.Bypass(f)
	case flow.ActionTerminate:
		table.Terminate(f)
		pkt.Verdict = types.VerdictReset
		pkt.VerdictSource = "script"
		s.count(pkt.Verdict)
	}

	// Best-effort teardown once both sides have closed. Terminated
	// flows stay interned so their verdict keeps absorbing packets.
	if f.Status == flow.StatusActive && f.ObserveTeardown(v, dir) {
		table.Remove(key)
	}
}

func (s *FlowStage) count(verdict types.Verdict) {
	switch verdict {
	case types.VerdictDrop:
		s.stats.IncrementDropped()
	case types.VerdictReset:
		s.stats.IncrementReset()
	case types.VerdictIgnore:
		s.stats.IncrementIgnored()
	}
}
