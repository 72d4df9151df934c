package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/metrics"
	"github.com/censorlab/censorlab/pkg/types"
)

// PcapFileSource replays a capture file through the tap backend,
// reporting the actions the censor would have taken on live traffic.
type PcapFileSource struct {
	handle   *pcap.Handle
	output   chan *types.Packet
	filename string
	done     chan struct{}
	stats    *metrics.SourceMetrics
}

func NewPcapFileSource(filename string, bufferSize int) (*PcapFileSource, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &PcapFileSource{
		handle:   handle,
		output:   make(chan *types.Packet, bufferSize),
		filename: filename,
		done:     make(chan struct{}),
		stats:    &metrics.SourceMetrics{},
	}, nil
}

func (s *PcapFileSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	packetSource := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	logrus.Infof("Started reading packets from file: %s", s.filename)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(s.output)
		defer s.handle.Close()
		defer close(s.done)

		var packetCount uint64
		for {
			select {
			case <-ctx.Done():
				logrus.Info("Stopping packet replay due to context cancellation")
				return
			default:
				pkt, err := packetSource.NextPacket()
				if err != nil {
					if err == pcap.NextErrorNoMorePackets {
						logrus.Info("Reached end of pcap file")
						return
					}
					logrus.Warnf("Error reading packet: %v", err)
					s.stats.IncrementErrorCount()
					continue
				}
				packetCount++
				s.stats.IncrementPacketsCaptured()
				s.stats.AddBytesProcessed(uint64(len(pkt.Data())))
				unit := &types.Packet{
					ID:        packetCount,
					Timestamp: pkt.Metadata().Timestamp,
					Data:      pkt.Data(),
				}
				select {
				case s.output <- unit:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (s *PcapFileSource) Output() <-chan *types.Packet {
	return s.output
}

// WaitForCompletion is closed once the whole file has been replayed.
func (s *PcapFileSource) WaitForCompletion() <-chan struct{} {
	return s.done
}

func (s *PcapFileSource) Stats() *metrics.SourceMetrics {
	return s.stats
}
