// Package batchctx generates the correlation identifier shared by every
// record delivered in one flush.
package batchctx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Chichichkin/logbeacon/internal/logging"
	"github.com/Chichichkin/logbeacon/internal/store"
)

const prefixLen = 16

// Generator hands out contexts of the form PREFIX-SEQ, where SEQ is an
// uppercase hex counter. The prefix lives for one calendar day.
//
// Generator is not safe for concurrent use.
type Generator struct {
	store store.Store
	now   logging.Clock

	prefix    string
	seq       uint64
	updatedAt int64
	loaded    bool
}

func New(st store.Store, clock logging.Clock) *Generator {
	if clock == nil {
		clock = time.Now
	}
	return &Generator{store: st, now: clock}
}

// Next returns the next context and persists it so a restart on the same day
// resumes the sequence.
func (g *Generator) Next(ctx context.Context) (string, error) {
	nowMs := g.now().UnixMilli()

	if !g.loaded {
		if err := g.load(ctx); err != nil {
			return "", err
		}
		g.loaded = true
	}

	if g.prefix != "" && logging.SameDay(g.updatedAt, nowMs) {
		g.seq++
	} else {
		g.prefix = newPrefix()
		g.seq = 1
	}
	g.updatedAt = nowMs

	value := Format(g.prefix, g.seq)
	if err := g.store.SetMeta(ctx, store.MetaBatchContext, value); err != nil {
		return "", fmt.Errorf("failed to persist batch context: %w", err)
	}
	if err := g.store.SetMeta(ctx, store.MetaBatchContextTime, strconv.FormatInt(nowMs, 10)); err != nil {
		return "", fmt.Errorf("failed to persist batch context time: %w", err)
	}
	return value, nil
}

func (g *Generator) load(ctx context.Context) error {
	value, ok, err := g.store.GetMeta(ctx, store.MetaBatchContext)
	if err != nil || !ok {
		return err
	}
	rawTime, ok, err := g.store.GetMeta(ctx, store.MetaBatchContextTime)
	if err != nil || !ok {
		return err
	}

	prefix, seq, perr := Parse(value)
	updatedAt, terr := strconv.ParseInt(rawTime, 10, 64)
	if perr != nil || terr != nil {
		// A corrupt entry is replaced by a fresh prefix on the next call.
		return nil
	}
	g.prefix, g.seq, g.updatedAt = prefix, seq, updatedAt
	return nil
}

func Format(prefix string, seq uint64) string {
	return prefix + "-" + strings.ToUpper(strconv.FormatUint(seq, 16))
}

// Parse splits a context produced by Format.
func Parse(value string) (string, uint64, error) {
	prefix, hexSeq, ok := strings.Cut(value, "-")
	if !ok || prefix == "" || hexSeq == "" {
		return "", 0, fmt.Errorf("malformed batch context %q", value)
	}
	seq, err := strconv.ParseUint(hexSeq, 16, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed batch context %q: %w", value, err)
	}
	return prefix, seq, nil
}

func newPrefix() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:prefixLen]
}
