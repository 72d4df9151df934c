package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/metrics"
	"github.com/censorlab/censorlab/pkg/types"
)

// PcapSource captures live traffic from an interface for the tap
// backend.
type PcapSource struct {
	handle *pcap.Handle
	output chan *types.Packet
	device string
	stats  *metrics.SourceMetrics
}

// PcapOptions carries the capture parameters.
type PcapOptions struct {
	SnapLen     int32
	Promiscuous bool
	Timeout     time.Duration
	BPFFilter   string
	BufferSize  int
}

func NewPcapSource(device string, opts PcapOptions) (*PcapSource, error) {
	if device == "" {
		return nil, fmt.Errorf("interface name is required")
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = 65535
	}
	if opts.Timeout <= 0 {
		opts.Timeout = pcap.BlockForever
	}
	handle, err := pcap.OpenLive(device, opts.SnapLen, opts.Promiscuous, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", device, err)
	}
	if opts.BPFFilter != "" {
		if err := handle.SetBPFFilter(opts.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter: %w", err)
		}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	return &PcapSource{
		handle: handle,
		output: make(chan *types.Packet, opts.BufferSize),
		device: device,
		stats:  &metrics.SourceMetrics{},
	}, nil
}

func (s *PcapSource) Start(ctx context.Context, wg *sync.WaitGroup) error {
	packetSource := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	logrus.Infof("Started packet capture on %s (link type %v)", s.device, s.handle.LinkType())

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(s.output)
		defer s.handle.Close()

		var packetCount uint64
		for {
			select {
			case <-ctx.Done():
				logrus.Info("Stopping packet capture due to context cancellation")
				return
			default:
				pkt, err := packetSource.NextPacket()
				if err != nil {
					if err == pcap.NextErrorTimeoutExpired {
						continue
					}
					logrus.Warnf("Error capturing packet: %v", err)
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

func (s *PcapSource) Output() <-chan *types.Packet {
	return s.output
}

func (s *PcapSource) Stats() *metrics.SourceMetrics {
	return s.stats
}
