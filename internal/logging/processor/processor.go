// Package processor filters repeated log content and enriches accepted
// records with device and network metadata before persisting them.
package processor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/Chichichkin/logbeacon/internal/logging"
	"github.com/Chichichkin/logbeacon/internal/logging/enrich"
	"github.com/Chichichkin/logbeacon/internal/store"
)

type Rejection int

const (
	NotRejected Rejection = iota
	RejectedEmpty
	RejectedDuplicate
)

func (r Rejection) String() string {
	switch r {
	case NotRejected:
		return "accepted"
	case RejectedEmpty:
		return "empty"
	case RejectedDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Result describes the outcome of Insert. Record, Encoded and Size are only
// set for accepted records.
type Result struct {
	Rejection Rejection
	ID        uint64
	Record    logging.Record
	Encoded   []byte
	Size      int
}

func (r Result) Accepted() bool {
	return r.Rejection == NotRejected
}

type Options struct {
	Store store.Store
	// Locator resolves public IP and region. Nil disables the lookup.
	Locator     enrich.Locator
	DedupWindow time.Duration
	Clock       logging.Clock
	Logger      *slog.Logger
}

// Processor is not safe for concurrent use; the flush controller serializes
// every call.
type Processor struct {
	store       store.Store
	locator     enrich.Locator
	dedupWindow int64
	now         logging.Clock
	logger      *slog.Logger

	// digests is nil until hydrated from the store.
	digests map[string]int64
	// meta is nil until loaded from the store.
	meta *snapshot
}

type snapshot struct {
	userAgent string
	ip        string
	region    string
	updatedAt int64
}

func New(opts Options) *Processor {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = logging.DefaultDedupWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		store:       opts.Store,
		locator:     opts.Locator,
		dedupWindow: opts.DedupWindow.Milliseconds(),
		now:         opts.Clock,
		logger:      opts.Logger.With("component", "processor"),
	}
}

// Insert deduplicates, enriches, encodes and persists r. Empty and duplicate
// records are rejected without an error and without any storage write.
func (p *Processor) Insert(ctx context.Context, r logging.Record) (Result, error) {
	if r.Content == "" {
		return Result{Rejection: RejectedEmpty}, nil
	}
	if r.Time == 0 {
		r.Time = p.now().UnixMilli()
	}

	accepted, err := p.dedup(ctx, r)
	if err != nil {
		return Result{}, err
	}
	if !accepted {
		return Result{Rejection: RejectedDuplicate}, nil
	}

	if err := p.complete(ctx, &r); err != nil {
		return Result{}, err
	}

	data, err := logging.EncodeRecord(r)
	if err != nil {
		return Result{}, err
	}
	id, err := p.store.Append(ctx, data)
	if err != nil {
		return Result{}, err
	}

	return Result{ID: id, Record: r, Encoded: data, Size: len(data)}, nil
}

// dedup reports whether r falls outside the window of the last accepted
// record with identical content, recording the acceptance if so.
func (p *Processor) dedup(ctx context.Context, r logging.Record) (bool, error) {
	cache, err := p.digestCache(ctx)
	if err != nil {
		return false, err
	}

	digest := logging.Digest(r.Content)
	if last, ok := cache[digest]; ok && r.Time-last <= p.dedupWindow {
		return false, nil
	}

	cache[digest] = r.Time
	if err := p.store.SetDigest(ctx, digest, r.Time); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Processor) digestCache(ctx context.Context) (map[string]int64, error) {
	if p.digests != nil {
		return p.digests, nil
	}

	entries, err := p.store.AllDigests(ctx)
	if err != nil {
		return nil, err
	}

	// Digests that can no longer reject anything are dropped on hydration.
	cutoff := p.now().UnixMilli() - p.dedupWindow
	cache := make(map[string]int64, len(entries))
	stale := 0
	for _, e := range entries {
		if e.LastSeenAt < cutoff {
			stale++
			continue
		}
		cache[e.Digest] = e.LastSeenAt
	}
	if stale > 0 {
		if err := p.store.PruneDigestsOlderThan(ctx, cutoff); err != nil {
			return nil, err
		}
	}

	p.digests = cache
	return cache, nil
}

// ForgetDigests empties the in-memory digest cache. The caller removes the
// persisted digests, in the same commit as the records they guarded.
func (p *Processor) ForgetDigests() {
	p.digests = make(map[string]int64)
}

// Digests returns a copy of the digest cache, hydrating it if needed.
func (p *Processor) Digests(ctx context.Context) (map[string]int64, error) {
	cache, err := p.digestCache(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(cache))
	for k, v := range cache {
		out[k] = v
	}
	return out, nil
}

// complete applies the metadata snapshot to r.
func (p *Processor) complete(ctx context.Context, r *logging.Record) error {
	snap, err := p.snapshot(ctx, r.UserAgent)
	if err != nil {
		return err
	}
	r.UserAgent = snap.userAgent
	r.IP = snap.ip
	r.Region = snap.region
	return nil
}

// snapshot returns metadata computed today, refreshing it at most once per
// calendar day. A failed lookup keeps the previous IP and region and leaves
// the snapshot stale so a later insert tries again.
func (p *Processor) snapshot(ctx context.Context, rawUA string) (snapshot, error) {
	nowMs := p.now().UnixMilli()
	if p.meta != nil && logging.SameDay(p.meta.updatedAt, nowMs) {
		return *p.meta, nil
	}

	if p.meta == nil {
		meta, err := p.store.AllMeta(ctx)
		if err != nil {
			return snapshot{}, err
		}
		updatedAt, _ := strconv.ParseInt(meta[store.MetaLastUpdateTime], 10, 64)
		p.meta = &snapshot{
			userAgent: meta[store.MetaUserAgent],
			ip:        meta[store.MetaIP],
			region:    meta[store.MetaRegion],
			updatedAt: updatedAt,
		}
		if updatedAt != 0 && logging.SameDay(updatedAt, nowMs) {
			return *p.meta, nil
		}
	}

	snap := *p.meta
	if ua := enrich.ParseUserAgent(rawUA); ua != "" {
		snap.userAgent = ua
	}

	if p.locator != nil {
		loc, err := p.locator.Locate(ctx)
		if err != nil {
			p.logger.Debug("metadata lookup failed, keeping previous values", "error", err)
			p.meta = &snap
			return snap, nil
		}
		snap.ip = loc.IP
		snap.region = loc.Region
	}
	snap.updatedAt = nowMs

	if err := p.persist(ctx, snap); err != nil {
		return snapshot{}, err
	}
	p.meta = &snap
	return snap, nil
}

func (p *Processor) persist(ctx context.Context, snap snapshot) error {
	values := []struct{ key, value string }{
		{store.MetaLastUpdateTime, strconv.FormatInt(snap.updatedAt, 10)},
		{store.MetaUserAgent, snap.userAgent},
		{store.MetaIP, snap.ip},
		{store.MetaRegion, snap.region},
	}
	for _, kv := range values {
		if err := p.store.SetMeta(ctx, kv.key, kv.value); err != nil {
			return fmt.Errorf("failed to persist metadata: %w", err)
		}
	}
	return nil
}

// DecodeAll decodes persisted records, returning them with their total
// encoded size.
func DecodeAll(encoded [][]byte) ([]logging.Record, int, error) {
	records := make([]logging.Record, 0, len(encoded))
	total := 0
	for _, data := range encoded {
		r, err := logging.DecodeRecord(data)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, r)
		total += len(data)
	}
	return records, total, nil
}
