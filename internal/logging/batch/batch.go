// Package batch owns the buffered view of persisted records and decides when
// to encode, compress and deliver them.
package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Chichichkin/logbeacon/internal/logging"
	"github.com/Chichichkin/logbeacon/internal/logging/batchctx"
	"github.com/Chichichkin/logbeacon/internal/logging/processor"
	"github.com/Chichichkin/logbeacon/internal/store"
)

var ErrStopped = errors.New("batch: aggregator stopped")

type Options struct {
	Store     store.Store
	Processor *processor.Processor
	Encoder   logging.Encoder
	Sender    logging.Sender
	// Contexts defaults to a generator over Store.
	Contexts *batchctx.Generator
	Config   logging.Config
	Clock    logging.Clock
	Logger   *slog.Logger
	// KeepOnStop skips the final delivery attempt in Stop; buffered records
	// stay in the store for the next run.
	KeepOnStop bool
}

// Aggregator serializes every buffer-mutating operation through a single
// worker goroutine. Public methods submit a task and wait for it, except Post
// which only enqueues.
type Aggregator struct {
	ctx        context.Context
	stopCtx    context.CancelFunc
	store      store.Store
	processor  *processor.Processor
	encoder    logging.Encoder
	sender     logging.Sender
	contexts   *batchctx.Generator
	config     logging.Config
	now        logging.Clock
	logger     *slog.Logger
	metrics    *Metrics
	keepOnStop bool

	tasks    chan func()
	closeMu  sync.RWMutex
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	// buffer is nil until hydrated from the store. Only the worker touches
	// buffer and bytes.
	buffer []logging.Record
	bytes  int
}

func New(ctx context.Context, opts Options) *Aggregator {
	cfg := opts.Config.WithDefaults()
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Contexts == nil {
		opts.Contexts = batchctx.New(opts.Store, opts.Clock)
	}

	nCtx, cancel := context.WithCancel(ctx)
	return &Aggregator{
		ctx:        nCtx,
		stopCtx:    cancel,
		store:      opts.Store,
		processor:  opts.Processor,
		encoder:    opts.Encoder,
		sender:     opts.Sender,
		contexts:   opts.Contexts,
		config:     cfg,
		now:        opts.Clock,
		logger:     opts.Logger.With("component", "aggregator"),
		metrics:    &Metrics{},
		keepOnStop: opts.KeepOnStop,
		tasks:      make(chan func(), cfg.QueueSize),
	}
}

func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop rejects new work, drains queued tasks and, unless KeepOnStop is set,
// makes a final best-effort flush before returning.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.closeMu.Lock()
		a.closed = true
		close(a.tasks)
		a.closeMu.Unlock()

		a.wg.Wait()
		a.stopCtx()
	})
}

func (a *Aggregator) Metrics() *Metrics {
	return a.metrics
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case task, ok := <-a.tasks:
			if !ok {
				a.finalFlush()
				return
			}
			task()
		case <-ticker.C:
			if err := a.poll(a.ctx); err != nil {
				a.logger.Error("poll failed", "error", err)
			}
		}
	}
}

func (a *Aggregator) finalFlush() {
	if a.keepOnStop {
		return
	}
	ctx := context.WithoutCancel(a.ctx)
	if err := a.hydrate(ctx); err != nil {
		a.logger.Error("final flush skipped", "error", err)
		return
	}
	if len(a.buffer) == 0 {
		return
	}
	if err := a.flush(ctx); err != nil {
		a.logger.Error("final flush failed", "error", err)
	}
}

func (a *Aggregator) enqueue(ctx context.Context, task func()) error {
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		return ErrStopped
	}
	select {
	case a.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the worker and waits for its result. ctx only bounds the wait
// for a queue slot: a queued task always runs to completion and its outcome
// is what the caller sees.
func (a *Aggregator) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	taskCtx := context.WithoutCancel(ctx)
	if err := a.enqueue(ctx, func() { done <- fn(taskCtx) }); err != nil {
		return err
	}
	return <-done
}

// AddLog inserts r through the processor and flushes if a threshold is
// reached. Rejected records are reported through the result, not an error.
func (a *Aggregator) AddLog(ctx context.Context, r logging.Record) (processor.Result, error) {
	var res processor.Result
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		res, err = a.addLog(ctx, r)
		return err
	})
	return res, err
}

// Flush unconditionally attempts delivery of everything buffered. Delivery
// failures are logged and counted, not returned.
func (a *Aggregator) Flush(ctx context.Context) error {
	return a.do(ctx, func(ctx context.Context) error {
		if err := a.hydrate(ctx); err != nil {
			return err
		}
		return a.flush(ctx)
	})
}

// Poll flushes if the oldest buffered record has outlived the flush interval.
func (a *Aggregator) Poll(ctx context.Context) error {
	return a.do(ctx, a.poll)
}

func (a *Aggregator) HandleEvent(ctx context.Context, event logging.Event) error {
	return a.do(ctx, func(ctx context.Context) error {
		return a.handleEvent(ctx, event)
	})
}

// Post enqueues event without waiting. Processing errors are logged.
func (a *Aggregator) Post(ctx context.Context, event logging.Event) error {
	taskCtx := context.WithoutCancel(ctx)
	return a.enqueue(ctx, func() {
		if err := a.handleEvent(taskCtx, event); err != nil {
			a.logger.Error("failed to handle event", "type", event.Type, "error", err)
		}
	})
}

// Buffer returns a copy of the buffered records and their encoded size.
func (a *Aggregator) Buffer(ctx context.Context) ([]logging.Record, int, error) {
	var (
		records []logging.Record
		size    int
	)
	err := a.do(ctx, func(ctx context.Context) error {
		if err := a.hydrate(ctx); err != nil {
			return err
		}
		records = append([]logging.Record(nil), a.buffer...)
		size = a.bytes
		return nil
	})
	return records, size, err
}

func (a *Aggregator) handleEvent(ctx context.Context, event logging.Event) error {
	switch event.Type {
	case logging.EventLog:
		_, err := a.addLog(ctx, event.Record)
		return err
	case logging.EventPageUnload, logging.EventPageHidden:
		if err := a.hydrate(ctx); err != nil {
			return err
		}
		return a.flush(ctx)
	case logging.EventPageLoad, logging.EventPageVisible:
		return nil
	case logging.EventConfigUpdate:
		return a.updateEndpoint(ctx, event.Endpoint)
	default:
		a.logger.Debug("ignoring unknown event", "type", event.Type)
		return nil
	}
}

func (a *Aggregator) updateEndpoint(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return nil
	}
	if err := a.store.SetMeta(ctx, store.MetaEndpoint, endpoint); err != nil {
		return err
	}
	if setter, ok := a.sender.(logging.EndpointSetter); ok {
		setter.SetEndpoint(endpoint)
	}
	a.logger.Info("sender endpoint updated", "endpoint", endpoint)
	return nil
}

func (a *Aggregator) addLog(ctx context.Context, r logging.Record) (processor.Result, error) {
	if err := a.hydrate(ctx); err != nil {
		return processor.Result{}, err
	}

	res, err := a.processor.Insert(ctx, r)
	if err != nil {
		return processor.Result{}, err
	}
	switch res.Rejection {
	case processor.RejectedEmpty:
		a.metrics.IncRejectedEmpty()
		return res, nil
	case processor.RejectedDuplicate:
		a.metrics.IncDuplicates()
		return res, nil
	}

	a.metrics.IncAccepted()
	a.buffer = append(a.buffer, res.Record)
	a.bytes += res.Size

	if a.shouldFlush() {
		if err := a.flush(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (a *Aggregator) poll(ctx context.Context) error {
	if err := a.hydrate(ctx); err != nil {
		return err
	}
	if !a.shouldFlush() {
		return nil
	}
	return a.flush(ctx)
}

// hydrate loads the buffer mirror and any persisted endpoint override on
// first use.
func (a *Aggregator) hydrate(ctx context.Context) error {
	if a.buffer != nil {
		return nil
	}

	encoded, err := a.store.ListAll(ctx)
	if err != nil {
		return err
	}
	records, size, err := processor.DecodeAll(encoded)
	if err != nil {
		return err
	}

	if endpoint, ok, err := a.store.GetMeta(ctx, store.MetaEndpoint); err != nil {
		return err
	} else if ok && endpoint != "" {
		if setter, isSetter := a.sender.(logging.EndpointSetter); isSetter {
			setter.SetEndpoint(endpoint)
		}
	}

	a.buffer = records
	a.bytes = size
	a.logger.Debug("buffer hydrated", "records", len(records), "bytes", size)
	return nil
}

func (a *Aggregator) shouldFlush() bool {
	if len(a.buffer) == 0 {
		return false
	}
	if a.bytes >= a.config.FlushSize {
		return true
	}
	age := a.now().UnixMilli() - a.buffer[0].Time
	return age > a.config.FlushInterval.Milliseconds()
}

// flush re-reads the store so records persisted by another instance are
// included. Records and digests are cleared together, and only after the
// sender confirms delivery.
func (a *Aggregator) flush(ctx context.Context) error {
	encoded, err := a.store.ListAll(ctx)
	if err != nil {
		return err
	}
	records, size, err := processor.DecodeAll(encoded)
	if err != nil {
		return err
	}
	a.buffer, a.bytes = records, size
	if len(records) == 0 {
		return nil
	}

	var batchContext string
	if a.encoder.RequiresBatchContext() {
		if batchContext, err = a.contexts.Next(ctx); err != nil {
			return err
		}
	}

	payload, err := a.encoder.Encode(records, batchContext)
	if err != nil {
		a.metrics.IncAbortedFlushes()
		a.logger.Warn("failed to encode batch", "records", len(records), "error", err)
		return nil
	}
	if len(payload) == 0 {
		a.metrics.IncAbortedFlushes()
		a.logger.Debug("encoder produced no payload", "records", len(records))
		return nil
	}

	compressed, err := compress(payload)
	if err != nil {
		a.metrics.IncAbortedFlushes()
		a.logger.Warn("failed to compress batch", "error", err)
		return nil
	}

	if err := a.sender.Send(ctx, compressed); err != nil {
		a.metrics.IncFailedFlushes()
		a.logger.Warn("failed to send batch", "records", len(records), "bytes", len(compressed), "error", err)
		return nil
	}

	if err := a.store.Reset(ctx); err != nil {
		return err
	}
	a.processor.ForgetDigests()
	a.buffer = make([]logging.Record, 0)
	a.bytes = 0

	a.metrics.IncFlushes()
	a.metrics.AddBytesSent(len(compressed))
	a.logger.Info("batch sent", "records", len(records), "bytes", len(compressed), "context", batchContext)
	return nil
}
