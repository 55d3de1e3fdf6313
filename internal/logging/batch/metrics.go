package batch

import (
	"sync"
)

type Metrics struct {
	Accepted       int
	RejectedEmpty  int
	Duplicates     int
	Flushes        int
	FailedFlushes  int
	AbortedFlushes int
	BytesSent      int64
	mu             sync.RWMutex
}

func (m *Metrics) IncAccepted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accepted++
}

func (m *Metrics) IncRejectedEmpty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RejectedEmpty++
}

func (m *Metrics) IncDuplicates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Duplicates++
}

func (m *Metrics) IncFlushes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flushes++
}

func (m *Metrics) IncFailedFlushes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedFlushes++
}

func (m *Metrics) IncAbortedFlushes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbortedFlushes++
}

func (m *Metrics) AddBytesSent(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesSent += int64(n)
}

func (m *Metrics) GetMetricsStamp() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		Accepted:       m.Accepted,
		RejectedEmpty:  m.RejectedEmpty,
		Duplicates:     m.Duplicates,
		Flushes:        m.Flushes,
		FailedFlushes:  m.FailedFlushes,
		AbortedFlushes: m.AbortedFlushes,
		BytesSent:      m.BytesSent,
	}
}

// SuccessRate is the share of attempted deliveries that succeeded.
func (m *Metrics) SuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempts := m.Flushes + m.FailedFlushes
	if attempts == 0 {
		return 0
	}
	return float64(m.Flushes) / float64(attempts)
}
