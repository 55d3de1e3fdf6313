package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on each committed write.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a WAL sync from the application.
	FsyncModeNever
)

// ParseFsyncMode maps always|interval|never onto a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "interval":
		return FsyncModeInterval, nil
	case "always":
		return FsyncModeAlways, nil
	case "never":
		return FsyncModeNever, nil
	}
	return FsyncModeUnspecified, fmt.Errorf("invalid fsync mode %q; use always|interval|never", s)
}

type Options struct {
	// DataDir is the Pebble database directory.
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// PebbleStore implements Store on a local Pebble database.
type PebbleStore struct {
	inner     *pebble.DB
	writeOpts *pebble.WriteOptions

	// seqMu serializes record id assignment.
	seqMu  sync.Mutex
	lastID uint64
}

var _ Store = (*PebbleStore)(nil)

// Open creates or opens the store at opts.DataDir.
func Open(opts Options) (*PebbleStore, error) {
	if opts.DataDir == "" {
		return nil, errors.New("store: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	default:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", opts.DataDir, err)
	}

	s := &PebbleStore{
		inner:     inner,
		writeOpts: writeOptions(opts.Fsync),
	}

	last, err := s.get(recordSeqKey)
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("failed to load record sequence: %w", err)
	}
	s.lastID = uint64(decodeInt64(last))

	return s, nil
}

// writeOptions picks the commit durability for mode. Interval commits still
// ask for a sync; Pebble groups them within WALMinSyncInterval.
func writeOptions(mode FsyncMode) *pebble.WriteOptions {
	if mode == FsyncModeNever {
		return pebble.NoSync
	}
	return pebble.Sync
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	return s.inner.Close()
}

func (s *PebbleStore) Append(ctx context.Context, encoded []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	id := s.lastID + 1

	b := s.inner.NewBatch()
	defer b.Close()
	if err := b.Set(keyRecord(id), encoded, nil); err != nil {
		return 0, err
	}
	if err := b.Set(recordSeqKey, encodeInt64(int64(id)), nil); err != nil {
		return 0, err
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}

	s.lastID = id
	return id, nil
}

func (s *PebbleStore) ListAll(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records [][]byte
	err := s.scan(recordPrefix, func(_, value []byte) error {
		records = append(records, append([]byte(nil), value...))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

func (s *PebbleStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.inner.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(recordPrefix, prefixEnd(recordPrefix), nil); err != nil {
		return err
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

func (s *PebbleStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.inner.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(recordPrefix, prefixEnd(recordPrefix), nil); err != nil {
		return err
	}
	if err := b.DeleteRange(digestPrefix, prefixEnd(digestPrefix), nil); err != nil {
		return err
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("failed to reset records and digests: %w", err)
	}
	return nil
}

func (s *PebbleStore) SetDigest(ctx context.Context, digest string, timestamp int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.inner.Set(keyDigest(digest), encodeInt64(timestamp), s.writeOpts); err != nil {
		return fmt.Errorf("failed to set digest: %w", err)
	}
	return nil
}

func (s *PebbleStore) AllDigests(ctx context.Context) ([]DigestEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []DigestEntry
	err := s.scan(digestPrefix, func(key, value []byte) error {
		entries = append(entries, DigestEntry{
			Digest:     string(key[len(digestPrefix):]),
			LastSeenAt: decodeInt64(value),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list digests: %w", err)
	}
	return entries, nil
}

func (s *PebbleStore) PruneDigestsOlderThan(ctx context.Context, cutoff int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.inner.NewBatch()
	defer b.Close()
	err := s.scan(digestPrefix, func(key, value []byte) error {
		if decodeInt64(value) < cutoff {
			return b.Delete(append([]byte(nil), key...), nil)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan digests: %w", err)
	}
	if b.Empty() {
		return nil
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("failed to prune digests: %w", err)
	}
	return nil
}

func (s *PebbleStore) SetMeta(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.inner.Set(keyMeta(key), []byte(value), s.writeOpts); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	val, err := s.get(keyMeta(key))
	if err != nil {
		return "", false, fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	if val == nil {
		return "", false, nil
	}
	return string(val), true, nil
}

func (s *PebbleStore) AllMeta(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := make(map[string]string)
	err := s.scan(metaPrefix, func(key, value []byte) error {
		meta[string(key[len(metaPrefix):])] = string(value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list meta: %w", err)
	}
	return meta, nil
}

// get copies the value for key, returning nil when the key is absent.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// scan visits every key with the given prefix in key order. Key and value
// are only valid for the duration of fn.
func (s *PebbleStore) scan(prefix []byte, fn func(key, value []byte) error) (err error) {
	iter, err := s.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := iter.Close(); err == nil {
			err = cerr
		}
	}()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
