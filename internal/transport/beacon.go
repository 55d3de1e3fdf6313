package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Chichichkin/logbeacon/internal/logging"
)

const DefaultBeaconQueue = 16

// BeaconSender hands payloads to a background goroutine and reports success
// as soon as they are queued. When the queue is full or the sender is
// stopped, it falls back to a synchronous send through next.
type BeaconSender struct {
	next    logging.Sender
	queue   chan []byte
	timeout time.Duration
	logger  *slog.Logger

	closeMu sync.RWMutex
	closed  bool
	once    sync.Once
	wg      sync.WaitGroup
}

func NewBeaconSender(next logging.Sender, queueSize int, timeout time.Duration, logger *slog.Logger) *BeaconSender {
	if queueSize <= 0 {
		queueSize = DefaultBeaconQueue
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BeaconSender{
		next:    next,
		queue:   make(chan []byte, queueSize),
		timeout: timeout,
		logger:  logger.With("component", "beacon_sender"),
	}
}

func (b *BeaconSender) Start() {
	b.wg.Add(1)
	go b.processQueue()
}

// Stop delivers whatever is still queued and returns.
func (b *BeaconSender) Stop() {
	b.once.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		close(b.queue)
		b.closeMu.Unlock()
		b.wg.Wait()
	})
}

func (b *BeaconSender) Send(ctx context.Context, payload []byte) error {
	if b.tryQueue(payload) {
		return nil
	}
	b.logger.Debug("beacon unavailable, sending synchronously", "bytes", len(payload))
	return b.next.Send(ctx, payload)
}

func (b *BeaconSender) SetEndpoint(endpoint string) {
	if setter, ok := b.next.(logging.EndpointSetter); ok {
		setter.SetEndpoint(endpoint)
	}
}

func (b *BeaconSender) tryQueue(payload []byte) bool {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- payload:
		return true
	default:
		return false
	}
}

func (b *BeaconSender) processQueue() {
	defer b.wg.Done()

	for payload := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		if err := b.next.Send(ctx, payload); err != nil {
			b.logger.Warn("beacon delivery failed", "bytes", len(payload), "error", err)
		}
		cancel()
	}
}
