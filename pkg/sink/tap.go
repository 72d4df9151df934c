package sink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/config"
	"github.com/censorlab/censorlab/pkg/metrics"
	"github.com/censorlab/censorlab/pkg/types"
)

// Tap is the passive enforcement backend. It cannot discard traffic it
// only observed: Drop verdicts are logged and promoted to None. Reset
// is the one real capability, synthesized from the captured flow state
// and put on the wire through a raw socket. With a capture-file source
// there is no wire either, and resets are only logged.
type Tap struct {
	injector    Injector
	resetRepeat int
	decisions   *DecisionLog
	ready       chan struct{}
	stats       *metrics.SinkMetrics
}

// NewTap builds the sink for a live interface. injector may be nil for
// capture-file replay.
func NewTap(cfg *config.Config, injector Injector, decisions *DecisionLog) *Tap {
	return &Tap{
		injector:    injector,
		resetRepeat: cfg.TCP.ResetRepeat,
		decisions:   decisions,
		ready:       make(chan struct{}),
		stats:       &metrics.SinkMetrics{},
	}
}

func (t *Tap) Consume(ctx context.Context, in <-chan *types.Packet) error {
	logrus.Info("Tap sink consuming verdicts")
	close(t.ready)
	defer func() {
		if t.injector != nil {
			if err := t.injector.Close(); err != nil {
				logrus.Warnf("error closing injector: %v", err)
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			t.enforce(pkt)
		}
	}
}

func (t *Tap) enforce(pkt *types.Packet) {
	t.decisions.Record(pkt)
	switch pkt.Verdict {
	case types.VerdictNone, types.VerdictIgnore:
	case types.VerdictDrop:
		// A tap cannot drop; the promotion is logged so the operator
		// sees the enforcement asymmetry in action.
		t.stats.IncrementPromotedVerdicts()
		logrus.Warnf("packet %d: Drop verdict promoted to None on tap sink (%s)", pkt.ID, pkt.VerdictSource)
	case types.VerdictReset:
		t.injectResets(pkt)
	}
	t.stats.IncrementVerdictsSet()
}

func (t *Tap) injectResets(pkt *types.Packet) {
	pair, err := BuildResetPair(pkt.Parsed, true)
	if err != nil {
		logrus.Warnf("cannot synthesize resets for packet %d: %v", pkt.ID, err)
		return
	}
	if t.injector == nil {
		logrus.Infof("packet %d: would inject bidirectional reset (capture replay)", pkt.ID)
		return
	}
	for i := 0; i < t.resetRepeat; i++ {
		for _, segment := range pair {
			if err := t.inject(segment); err != nil {
				t.stats.IncrementInjectionErrors()
				logrus.Warnf("reset injection failed: %v", err)
				return
			}
		}
	}
	t.stats.IncrementResetsInjected()
}

func (t *Tap) inject(segment []byte) error {
	if err := t.injector.Inject(segment); err == nil {
		return nil
	}
	return t.injector.Inject(segment)
}

func (t *Tap) Ready() <-chan struct{} {
	return t.ready
}

func (t *Tap) Stats() *metrics.SinkMetrics {
	return t.stats
}

// CanDrop reports the tap sink's enforcement capability for config
// validation.
func (t *Tap) CanDrop() bool { return false }
