package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/config"
	"github.com/censorlab/censorlab/pkg/metrics"
	"github.com/censorlab/censorlab/pkg/types"
)

// Queue is the in-line enforcement backend. It is both the pipeline's
// source and its sink: packets enter from the kernel's netfilter
// queues and leave as verdicts on the same queues. The operator points
// traffic at it with rules of the form
//
//	iptables -t raw -A PREROUTING -j NFQUEUE --queue-num 0
//	iptables -t raw -A OUTPUT     -j NFQUEUE --queue-num 1
type Queue struct {
	cfg         config.NfqConfig
	resetRepeat int

	queues map[uint16]*nfqueue.Nfqueue
	output chan *types.Packet

	injector  Injector
	decisions *DecisionLog

	ready chan struct{}
	stats *metrics.SinkMetrics
	seq   uint64
	mu    sync.Mutex
}

func NewQueue(cfg *config.Config, decisions *DecisionLog) (*Queue, error) {
	injector, err := NewIPInjector()
	if err != nil {
		return nil, err
	}
	return &Queue{
		cfg:         cfg.Nfq,
		resetRepeat: cfg.TCP.ResetRepeat,
		queues:      make(map[uint16]*nfqueue.Nfqueue, 2),
		output:      make(chan *types.Packet, cfg.Pipeline.BufferSize),
		injector:    injector,
		decisions:   decisions,
		ready:       make(chan struct{}),
		stats:       &metrics.SinkMetrics{},
	}, nil
}

// Start implements pipeline.Source: bind both queues and feed their
// packets into the pipeline.
func (q *Queue) Start(ctx context.Context, wg *sync.WaitGroup) error {
	for _, num := range []uint16{q.cfg.QueueIn, q.cfg.QueueOut} {
		if _, ok := q.queues[num]; ok {
			continue
		}
		nf, err := nfqueue.Open(&nfqueue.Config{
			NfQueue:      num,
			MaxPacketLen: 0xFFFF,
			MaxQueueLen:  1024,
			Copymode:     nfqueue.NfQnlCopyPacket,
			WriteTimeout: 10 * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("failed to open nfqueue %d: %w", num, err)
		}
		q.queues[num] = nf
		queueNum := num
		callback := func(a nfqueue.Attribute) int {
			if a.PacketID == nil || a.Payload == nil {
				return 0
			}
			ts := time.Now()
			if a.Timestamp != nil {
				ts = *a.Timestamp
			}
			q.mu.Lock()
			q.seq++
			id := q.seq
			q.mu.Unlock()
			pkt := &types.Packet{
				ID:        id,
				QueueID:   *a.PacketID,
				Queue:     queueNum,
				Timestamp: ts,
				Data:      append([]byte(nil), (*a.Payload)...),
			}
			select {
			case q.output <- pkt:
			case <-ctx.Done():
			}
			return 0
		}
		errCallback := func(err error) int {
			logrus.Warnf("nfqueue %d error: %v", queueNum, err)
			return 0
		}
		if err := nf.RegisterWithErrorFunc(ctx, callback, errCallback); err != nil {
			return fmt.Errorf("failed to register nfqueue %d: %w", num, err)
		}
		logrus.Infof("Bound netfilter queue %d", num)
	}

	// The output channel is deliberately never closed: the nfqueue
	// callbacks run on the library's goroutine and downstream stages
	// stop on context cancellation anyway.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		for num, nf := range q.queues {
			if err := nf.Close(); err != nil {
				logrus.Warnf("error closing nfqueue %d: %v", num, err)
			}
		}
		if err := q.injector.Close(); err != nil {
			logrus.Warnf("error closing injector: %v", err)
		}
	}()
	return nil
}

func (q *Queue) Output() <-chan *types.Packet {
	return q.output
}

// Consume implements pipeline.Sink: translate verdicts into kernel
// verdicts. Reset injects the RST pair first, then drops the
// triggering packet.
func (q *Queue) Consume(ctx context.Context, in <-chan *types.Packet) error {
	logrus.Info("Queue sink consuming verdicts")
	close(q.ready)
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			q.enforce(pkt)
		}
	}
}

func (q *Queue) enforce(pkt *types.Packet) {
	nf, ok := q.queues[pkt.Queue]
	if !ok {
		logrus.Errorf("packet %d references unknown queue %d", pkt.ID, pkt.Queue)
		return
	}
	q.decisions.Record(pkt)
	switch pkt.Verdict {
	case types.VerdictNone, types.VerdictIgnore:
		q.setVerdict(nf, pkt.QueueID, nfqueue.NfAccept)
	case types.VerdictDrop:
		q.setVerdict(nf, pkt.QueueID, nfqueue.NfDrop)
	case types.VerdictReset:
		q.injectResets(pkt)
		q.setVerdict(nf, pkt.QueueID, nfqueue.NfDrop)
	}
	q.stats.IncrementVerdictsSet()
}

// setVerdict retries once before giving the packet up with a warning;
// a failed verdict must never abort the worker.
func (q *Queue) setVerdict(nf *nfqueue.Nfqueue, id uint32, verdict int) {
	if err := nf.SetVerdict(id, verdict); err == nil {
		return
	}
	if err := nf.SetVerdict(id, verdict); err != nil {
		logrus.Warnf("failed to set verdict for packet %d: %v", id, err)
	}
}

func (q *Queue) injectResets(pkt *types.Packet) {
	pair, err := BuildResetPair(pkt.Parsed, false)
	if err != nil {
		logrus.Warnf("cannot synthesize resets for packet %d: %v", pkt.ID, err)
		return
	}
	for i := 0; i < q.resetRepeat; i++ {
		for _, segment := range pair {
			if err := q.inject(segment); err != nil {
				q.stats.IncrementInjectionErrors()
				logrus.Warnf("reset injection failed: %v", err)
				return
			}
		}
	}
	q.stats.IncrementResetsInjected()
}

// inject retries once, as with verdicts.
func (q *Queue) inject(segment []byte) error {
	if err := q.injector.Inject(segment); err == nil {
		return nil
	}
	return q.injector.Inject(segment)
}

func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) Stats() *metrics.SinkMetrics {
	return q.stats
}

// CanDrop reports the queue sink's enforcement capability for config
// validation.
func (q *Queue) CanDrop() bool { return true }
