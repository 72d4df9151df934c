package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/metrics"
	"github.com/censorlab/censorlab/pkg/packet"
	"github.com/censorlab/censorlab/pkg/types"
)

// ParserStage decodes raw bytes into the packet view. It runs a single
// worker: decoding is cheap, the decoder reuses its layer buffers, and
// one worker keeps packets in arrival order for the flow stage.
type ParserStage struct {
	decoder *packet.Decoder
	// linkLayer is true when source data starts at the Ethernet
	// header; the kernel queue hands over bare IP packets instead.
	linkLayer  bool
	bufferSize int
	stats      *metrics.ProcessorMetrics
}

func NewParserStage(linkLayer bool, bufferSize int) *ParserStage {
	return &ParserStage{
		decoder:    packet.NewDecoder(),
		linkLayer:  linkLayer,
		bufferSize: bufferSize,
		stats:      &metrics.ProcessorMetrics{},
	}
}

func (p *ParserStage) Stage() types.Stage {
	return types.StageDecode
}

func (p *ParserStage) Name() string {
	return "PacketParser"
}

func (p *ParserStage) CheckReady() error {
	if p.decoder == nil {
		return fmt.Errorf("decoder not initialized")
	}
	return nil
}

func (p *ParserStage) Metrics() *metrics.ProcessorMetrics {
	return p.stats
}

func (p *ParserStage) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, p.bufferSize)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
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
				if p.linkLayer {
					pkt.Parsed = p.decoder.DecodeLink(pkt.Data, pkt.Timestamp)
				} else {
					pkt.Parsed = p.decoder.DecodeIP(pkt.Data, pkt.Timestamp)
				}
				p.stats.IncrementProcessed()
				if pkt.Parsed.FailedLayer != "" {
					logrus.Debugf("packet %d: decode stopped at %s layer", pkt.ID, pkt.Parsed.FailedLayer)
				}
				select {
				case out <- pkt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
