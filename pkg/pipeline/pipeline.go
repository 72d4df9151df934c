package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/config"
	"github.com/censorlab/censorlab/pkg/metrics"
	"github.com/censorlab/censorlab/pkg/types"
)

type pipeline struct {
	source     Source
	processors []Processor
	sink       Sink
	running    bool
	mu         sync.Mutex
	errChan    chan error
	status     string
	metrics    map[string]*metrics.ProcessorMetrics
	config     *config.Config
	startTime  time.Time
	wg         sync.WaitGroup
}

func NewPipeline() Pipeline {
	return &pipeline{
		processors: make([]Processor, 0),
		errChan:    make(chan error, 1),
		metrics:    make(map[string]*metrics.ProcessorMetrics),
		status:     "initialized",
	}
}

func (p *pipeline) AddProcessor(processor Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("cannot add processor while pipeline is running")
	}

	p.processors = append(p.processors, processor)
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Stage() < p.processors[j].Stage()
	})
	return nil
}

func (p *pipeline) SetSource(source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

func (p *pipeline) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return types.NewPipelineError("start", fmt.Errorf("pipeline already running"))
	}
	p.wg = sync.WaitGroup{}
	p.running = true
	p.startTime = time.Now()
	p.status = "starting"
	p.metrics = make(map[string]*metrics.ProcessorMetrics)
	p.errChan = make(chan error, 100)
	p.mu.Unlock()

	for _, proc := range p.processors {
		// Stages that keep their own counters register them here so the
		// API reads live numbers.
		if mp, ok := proc.(interface{ Metrics() *metrics.ProcessorMetrics }); ok {
			p.metrics[proc.Name()] = mp.Metrics()
		} else {
			p.metrics[proc.Name()] = &metrics.ProcessorMetrics{}
		}
	}

	logrus.Info("Starting pipeline")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.handleErrors(ctx)
	}()

	// Check readiness before wiring anything.
	for _, processor := range p.processors {
		if err := processor.CheckReady(); err != nil {
			return types.NewPipelineError("start", fmt.Errorf("processor %s not ready: %w", processor.Name(), err))
		}
	}

	// Chain processors: each stage's output feeds the next.
	var input <-chan *types.Packet = p.source.Output()
	var err error
	for _, proc := range p.processors {
		logrus.Debugf("Starting processor %s at stage %v", proc.Name(), proc.Stage())
		input, err = proc.Process(ctx, input, &p.wg)
		if err != nil {
			return types.NewPipelineError("start", fmt.Errorf("failed to start processor %s: %w", proc.Name(), err))
		}
	}
	logrus.Info("All processors have started successfully")

	// The sink starts before the source so nothing is dropped at the
	// far end.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sink.Consume(ctx, input); err != nil {
			logrus.Errorf("Sink error: %v", err)
			p.errChan <- fmt.Errorf("sink error: %w", err)
		}
	}()

	select {
	case <-p.sink.Ready():
		logrus.Debug("Sink is ready")
	case <-time.After(5 * time.Second):
		return types.NewPipelineError("start", fmt.Errorf("timeout waiting for sink to be ready"))
	}

	if err := p.source.Start(ctx, &p.wg); err != nil {
		return types.NewPipelineError("start", fmt.Errorf("failed to start source: %w", err))
	}
	logrus.Info("Data source has started successfully")

	p.status = "running"
	logrus.Info("Pipeline is now running")
	return nil
}

func (p *pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}

	p.status = "stopping"
	logrus.Info("Pipeline stopping...")
	p.running = false

	if p.errChan != nil {
		close(p.errChan)
		p.errChan = nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("All processors completed gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Timeout waiting for processors to complete")
	}

	for _, processor := range p.processors {
		if cleaner, ok := processor.(interface{ Cleanup() error }); ok {
			if err := cleaner.Cleanup(); err != nil {
				logrus.Errorf("Error cleaning up processor %s: %v", processor.Name(), err)
			}
		}
	}

	p.status = "stopped"
	logrus.Info("Pipeline stopped and cleaned up")
	return nil
}

func (p *pipeline) handleErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-p.errChan:
			if !ok {
				return
			}
			logrus.Errorf("Pipeline error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func (p *pipeline) GetMetrics() map[string]*metrics.ProcessorMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

func (p *pipeline) SetConfig(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return types.NewPipelineError("config", fmt.Errorf("cannot set config while pipeline is running"))
	}
	p.config = cfg
	return nil
}

func (p *pipeline) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Uptime reports how long the pipeline has been running.
func (p *pipeline) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startTime.IsZero() {
		return 0
	}
	return time.Since(p.startTime)
}
