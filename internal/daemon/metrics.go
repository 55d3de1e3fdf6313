package daemon

import (
	"sync/atomic"
)

// TailMetrics is updated by the scanner and every worker without locking.
type TailMetrics struct {
	discovered    atomic.Int64
	processed     atomic.Int64
	failed        atomic.Int64
	queued        atomic.Int64
	workers       atomic.Int64
	busy          atomic.Int64
	lines         atomic.Int64
	postFailures  atomic.Int64
	queueCapacity int
}

func newTailMetrics(queueCapacity int) *TailMetrics {
	return &TailMetrics{queueCapacity: queueCapacity}
}

// TailStats is a point-in-time copy of TailMetrics.
type TailStats struct {
	FilesDiscovered int64
	FilesProcessed  int64
	FilesFailed     int64
	QueuedFiles     int64
	QueueCapacity   int
	WorkersActive   int64
	WorkersBusy     int64
	LinesRead       int64
	PostFailures    int64
}

func (m *TailMetrics) Stats() TailStats {
	return TailStats{
		FilesDiscovered: m.discovered.Load(),
		FilesProcessed:  m.processed.Load(),
		FilesFailed:     m.failed.Load(),
		QueuedFiles:     m.queued.Load(),
		QueueCapacity:   m.queueCapacity,
		WorkersActive:   m.workers.Load(),
		WorkersBusy:     m.busy.Load(),
		LinesRead:       m.lines.Load(),
		PostFailures:    m.postFailures.Load(),
	}
}

// QueueUsage is the fraction of the file queue in use.
func (s TailStats) QueueUsage() float64 {
	if s.QueueCapacity == 0 {
		return 0
	}
	return float64(s.QueuedFiles) / float64(s.QueueCapacity)
}

// LogAttrs flattens the stats into slog key/value pairs.
func (s TailStats) LogAttrs() []any {
	return []any{
		"workers_active", s.WorkersActive,
		"workers_busy", s.WorkersBusy,
		"queued_files", s.QueuedFiles,
		"queue_usage_pct", int(s.QueueUsage() * 100),
		"files_discovered", s.FilesDiscovered,
		"files_processed", s.FilesProcessed,
		"files_failed", s.FilesFailed,
		"lines_read", s.LinesRead,
		"post_failures", s.PostFailures,
	}
}
