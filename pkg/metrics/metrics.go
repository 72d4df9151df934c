package metrics

import (
	"sync/atomic"
	"time"
)

// ProcessorMetrics counts per-stage outcomes. All fields are updated
// atomically from the stage workers.
type ProcessorMetrics struct {
	ProcessedPackets uint64
	DroppedPackets   uint64
	ResetPackets     uint64
	IgnoredPackets   uint64
	ScriptErrors     uint64
	ProcessingTime   uint64 // nanoseconds
}

func (m *ProcessorMetrics) IncrementProcessed() {
	atomic.AddUint64(&m.ProcessedPackets, 1)
}

func (m *ProcessorMetrics) IncrementDropped() {
	atomic.AddUint64(&m.DroppedPackets, 1)
}

func (m *ProcessorMetrics) IncrementReset() {
	atomic.AddUint64(&m.ResetPackets, 1)
}

func (m *ProcessorMetrics) IncrementIgnored() {
	atomic.AddUint64(&m.IgnoredPackets, 1)
}

func (m *ProcessorMetrics) IncrementScriptErrors() {
	atomic.AddUint64(&m.ScriptErrors, 1)
}

func (m *ProcessorMetrics) AddProcessingTime(duration time.Duration) {
	atomic.AddUint64(&m.ProcessingTime, uint64(duration.Nanoseconds()))
}

func (m *ProcessorMetrics) GetStats() map[string]interface{} {
	processed := atomic.LoadUint64(&m.ProcessedPackets)
	return map[string]interface{}{
		"processed_packets": processed,
		"dropped_packets":   atomic.LoadUint64(&m.DroppedPackets),
		"reset_packets":     atomic.LoadUint64(&m.ResetPackets),
		"ignored_packets":   atomic.LoadUint64(&m.IgnoredPackets),
		"script_errors":     atomic.LoadUint64(&m.ScriptErrors),
		"processing_time":   atomic.LoadUint64(&m.ProcessingTime),
		"avg_process_time": float64(atomic.LoadUint64(&m.ProcessingTime)) /
			float64(processed+1),
	}
}

// SourceMetrics counts capture-side events.
type SourceMetrics struct {
	PacketsCaptured uint64
	BytesProcessed  uint64
	ErrorCount      uint64
}

func (m *SourceMetrics) IncrementPacketsCaptured() {
	atomic.AddUint64(&m.PacketsCaptured, 1)
}

func (m *SourceMetrics) AddBytesProcessed(bytes uint64) {
	atomic.AddUint64(&m.BytesProcessed, bytes)
}

func (m *SourceMetrics) IncrementErrorCount() {
	atomic.AddUint64(&m.ErrorCount, 1)
}

// SinkMetrics counts enforcement-side events.
type SinkMetrics struct {
	VerdictsSet      uint64
	ResetsInjected   uint64
	InjectionErrors  uint64
	PromotedVerdicts uint64
}

func (m *SinkMetrics) IncrementVerdictsSet() {
	atomic.AddUint64(&m.VerdictsSet, 1)
}

func (m *SinkMetrics) IncrementResetsInjected() {
	atomic.AddUint64(&m.ResetsInjected, 1)
}

func (m *SinkMetrics) IncrementInjectionErrors() {
	atomic.AddUint64(&m.InjectionErrors, 1)
}

func (m *SinkMetrics) IncrementPromotedVerdicts() {
	atomic.AddUint64(&m.PromotedVerdicts, 1)
}
