package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/logbeacon/internal/logging"
	"github.com/Chichichkin/logbeacon/internal/logging/enrich"
	"github.com/Chichichkin/logbeacon/internal/store"
)

type MockSender struct {
	SentPayloads [][]byte
	mu           sync.Mutex
	ShouldFail   bool
	Delay        time.Duration
	Calls        int
	Endpoint     string
}

func (m *MockSender) Send(ctx context.Context, payload []byte) error {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.ShouldFail {
		return fmt.Errorf("mock send failed")
	}

	m.SentPayloads = append(m.SentPayloads, append([]byte(nil), payload...))
	return nil
}

func (m *MockSender) SetEndpoint(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Endpoint = endpoint
}

func (m *MockSender) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
}

func (m *MockSender) GetSentPayloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SentPayloads
}

func (m *MockSender) GetEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Endpoint
}

// MockEncoder records every batch it receives and encodes the record contents
// joined by newlines. Returning nil from EncodeFunc simulates an encoder that
// filtered every record out.
type MockEncoder struct {
	mu           sync.Mutex
	Batches      [][]logging.Record
	Contexts     []string
	NeedsContext bool
	EncodeFunc   func(records []logging.Record, batchContext string) ([]byte, error)
}

func (m *MockEncoder) Encode(records []logging.Record, batchContext string) ([]byte, error) {
	m.mu.Lock()
	m.Batches = append(m.Batches, append([]logging.Record(nil), records...))
	m.Contexts = append(m.Contexts, batchContext)
	fn := m.EncodeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(records, batchContext)
	}
	var out []byte
	for _, r := range records {
		out = append(out, r.Content...)
		out = append(out, '\n')
	}
	return out, nil
}

func (m *MockEncoder) RequiresBatchContext() bool {
	return m.NeedsContext
}

func (m *MockEncoder) GetBatches() [][]logging.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Batches
}

func (m *MockEncoder) GetContexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Contexts
}

type MockLocator struct {
	mu         sync.Mutex
	Location   enrich.Location
	ShouldFail bool
	Calls      int
}

func (m *MockLocator) Locate(ctx context.Context) (enrich.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.ShouldFail {
		return enrich.Location{}, fmt.Errorf("mock lookup failed")
	}
	return m.Location, nil
}

func (m *MockLocator) GetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// MemStore is an in-memory store.Store.
type MemStore struct {
	mu      sync.Mutex
	lastID  uint64
	ids     []uint64
	records map[uint64][]byte
	digests map[string]int64
	meta    map[string]string

	// FailWrites makes every mutating call return an error.
	FailWrites bool
}

var _ store.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[uint64][]byte),
		digests: make(map[string]int64),
		meta:    make(map[string]string),
	}
}

func (m *MemStore) Append(ctx context.Context, encoded []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return 0, fmt.Errorf("mock store write failed")
	}
	m.lastID++
	m.ids = append(m.ids, m.lastID)
	m.records[m.lastID] = append([]byte(nil), encoded...)
	return m.lastID, nil
}

func (m *MemStore) ListAll(ctx context.Context) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, append([]byte(nil), m.records[id]...))
	}
	return out, nil
}

func (m *MemStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("mock store write failed")
	}
	m.ids = nil
	m.records = make(map[uint64][]byte)
	return nil
}

func (m *MemStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("mock store write failed")
	}
	m.ids = nil
	m.records = make(map[uint64][]byte)
	m.digests = make(map[string]int64)
	return nil
}

func (m *MemStore) SetDigest(ctx context.Context, digest string, timestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("mock store write failed")
	}
	m.digests[digest] = timestamp
	return nil
}

func (m *MemStore) AllDigests(ctx context.Context) ([]store.DigestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.DigestEntry, 0, len(m.digests))
	for d, ts := range m.digests {
		out = append(out, store.DigestEntry{Digest: d, LastSeenAt: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest < out[j].Digest })
	return out, nil
}

func (m *MemStore) PruneDigestsOlderThan(ctx context.Context, cutoff int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("mock store write failed")
	}
	for d, ts := range m.digests {
		if ts < cutoff {
			delete(m.digests, d)
		}
	}
	return nil
}

func (m *MemStore) SetMeta(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("mock store write failed")
	}
	m.meta[key] = value
	return nil
}

func (m *MemStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[key]
	return v, ok, nil
}

func (m *MemStore) AllMeta(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.meta))
	for k, v := range m.meta {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) SetFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailWrites = fail
}

// PutRecord encodes and appends r, failing the test on error.
func (m *MemStore) PutRecord(t *testing.T, r logging.Record) int {
	t.Helper()
	data, err := logging.EncodeRecord(r)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if _, err := m.Append(context.Background(), data); err != nil {
		t.Fatalf("append record: %v", err)
	}
	return len(data)
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}

// MockEventHandler collects posted events.
type MockEventHandler struct {
	mu     sync.Mutex
	Events []logging.Event
}

func (m *MockEventHandler) Post(ctx context.Context, event logging.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockEventHandler) GetEvents() []logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Event(nil), m.Events...)
}
