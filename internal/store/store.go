// Package store persists buffered log records, the dedup digest cache and a
// small metadata table so that a restarted process resumes where the last one
// stopped.
package store

import (
	"context"
)

// DigestEntry records when content with a given digest was last accepted.
type DigestEntry struct {
	Digest     string
	LastSeenAt int64
}

// Store is the durable state shared by the processor and the flush
// controller. Individual operations are atomic; sequences of operations are
// not.
type Store interface {
	// Append persists one encoded record and returns its id. Ids are strictly
	// increasing for the lifetime of the store, including across Clear.
	Append(ctx context.Context, encoded []byte) (uint64, error)
	// ListAll returns every record in insertion order.
	ListAll(ctx context.Context) ([][]byte, error)
	// Clear removes every record in one atomic step.
	Clear(ctx context.Context) error
	// Reset removes every record and every digest in one atomic step.
	Reset(ctx context.Context) error

	SetDigest(ctx context.Context, digest string, timestamp int64) error
	AllDigests(ctx context.Context) ([]DigestEntry, error)
	// PruneDigestsOlderThan drops digests whose timestamp is before cutoff.
	PruneDigestsOlderThan(ctx context.Context, cutoff int64) error

	SetMeta(ctx context.Context, key, value string) error
	// GetMeta reports ok=false when the key is absent.
	GetMeta(ctx context.Context, key string) (value string, ok bool, err error)
	AllMeta(ctx context.Context) (map[string]string, error)
}

// Metadata keys shared by the pipeline components.
const (
	MetaLastUpdateTime   = "enrich/lastUpdateTime"
	MetaUserAgent        = "enrich/userAgent"
	MetaIP               = "enrich/ip"
	MetaRegion           = "enrich/region"
	MetaBatchContext     = "batch/context"
	MetaBatchContextTime = "batch/contextUpdatedAt"
	MetaEndpoint         = "sender/endpoint"
	MetaClientID         = "client/id"
)
