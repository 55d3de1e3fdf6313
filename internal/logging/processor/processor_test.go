package processor

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logbeacon/internal/logging"
	"github.com/Chichichkin/logbeacon/internal/logging/enrich"
	"github.com/Chichichkin/logbeacon/internal/store"
	"github.com/Chichichkin/logbeacon/internal/testutils"
)

const testUA = "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"

var start = time.Date(2025, 6, 10, 12, 0, 0, 0, time.Local)

func newTestProcessor(st store.Store, locator enrich.Locator, clock *testutils.FakeClock) *Processor {
	return New(Options{
		Store:       st,
		Locator:     locator,
		DedupWindow: 2 * time.Second,
		Clock:       clock.Now,
	})
}

func record(content string, at time.Time) logging.Record {
	return logging.Record{
		Time:      at.UnixMilli(),
		Level:     logging.LevelInfo,
		Content:   content,
		UserAgent: testUA,
	}
}

func TestInsert_RejectsEmptyContent(t *testing.T) {
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)
	p := newTestProcessor(st, &testutils.MockLocator{}, clock)

	res, err := p.Insert(context.Background(), logging.Record{Time: start.UnixMilli()})
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Equal(t, RejectedEmpty, res.Rejection)

	records, _ := st.ListAll(context.Background())
	assert.Empty(t, records)
	digests, _ := st.AllDigests(context.Background())
	assert.Empty(t, digests)
}

func TestInsert_DedupWithinWindow(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)
	p := newTestProcessor(st, &testutils.MockLocator{}, clock)

	first, err := p.Insert(ctx, record("same", start))
	require.NoError(t, err)
	assert.True(t, first.Accepted())

	second, err := p.Insert(ctx, record("same", start.Add(2000*time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, RejectedDuplicate, second.Rejection)

	records, _ := st.ListAll(ctx)
	assert.Len(t, records, 1)

	digests, _ := st.AllDigests(ctx)
	require.Len(t, digests, 1)
	assert.Equal(t, start.UnixMilli(), digests[0].LastSeenAt)
}

func TestInsert_DedupBoundary(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)
	p := newTestProcessor(st, &testutils.MockLocator{}, clock)

	first, err := p.Insert(ctx, record("same", start))
	require.NoError(t, err)
	assert.True(t, first.Accepted())

	second, err := p.Insert(ctx, record("same", start.Add(2001*time.Millisecond)))
	require.NoError(t, err)
	assert.True(t, second.Accepted())

	digests, _ := st.AllDigests(ctx)
	require.Len(t, digests, 1)
	assert.Equal(t, start.Add(2001*time.Millisecond).UnixMilli(), digests[0].LastSeenAt)
}

func TestInsert_DifferentContentIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	p := newTestProcessor(st, &testutils.MockLocator{}, testutils.NewFakeClock(start))

	for _, content := range []string{"a", "b", "c"} {
		res, err := p.Insert(ctx, record(content, start))
		require.NoError(t, err)
		assert.True(t, res.Accepted())
	}
	records, _ := st.ListAll(ctx)
	assert.Len(t, records, 3)
}

func TestInsert_DigestCacheHydratesFromStore(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)

	p1 := newTestProcessor(st, &testutils.MockLocator{}, clock)
	_, err := p1.Insert(ctx, record("persisted", start))
	require.NoError(t, err)

	p2 := newTestProcessor(st, &testutils.MockLocator{}, clock)
	res, err := p2.Insert(ctx, record("persisted", start.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, RejectedDuplicate, res.Rejection)
}

func TestInsert_HydrationPrunesStaleDigests(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	require.NoError(t, st.SetDigest(ctx, "ancient", start.Add(-time.Hour).UnixMilli()))
	require.NoError(t, st.SetDigest(ctx, "recent", start.Add(-time.Second).UnixMilli()))

	p := newTestProcessor(st, &testutils.MockLocator{}, testutils.NewFakeClock(start))
	digests, err := p.Digests(ctx)
	require.NoError(t, err)
	assert.Len(t, digests, 1)
	assert.Contains(t, digests, "recent")

	persisted, _ := st.AllDigests(ctx)
	require.Len(t, persisted, 1)
	assert.Equal(t, "recent", persisted[0].Digest)
}

func TestInsert_FillsZeroTime(t *testing.T) {
	st := testutils.NewMemStore()
	p := newTestProcessor(st, &testutils.MockLocator{}, testutils.NewFakeClock(start))

	res, err := p.Insert(context.Background(), logging.Record{Content: "no time"})
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli(), res.Record.Time)
}

func TestInsert_EnrichesAndPersists(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	locator := &testutils.MockLocator{Location: enrich.Location{IP: "192.0.2.10", Region: "Sweden"}}
	p := newTestProcessor(st, locator, testutils.NewFakeClock(start))

	res, err := p.Insert(ctx, record("hello", start))
	require.NoError(t, err)
	require.True(t, res.Accepted())

	assert.Equal(t, "192.0.2.10", res.Record.IP)
	assert.Equal(t, "Sweden", res.Record.Region)
	assert.Contains(t, res.Record.UserAgent, `"name":"Firefox"`)
	assert.Equal(t, len(res.Encoded), res.Size)

	records, _ := st.ListAll(ctx)
	require.Len(t, records, 1)
	decoded, err := logging.DecodeRecord(records[0])
	require.NoError(t, err)
	assert.Equal(t, res.Record, decoded)

	meta, _ := st.AllMeta(ctx)
	assert.Equal(t, "192.0.2.10", meta[store.MetaIP])
	assert.Equal(t, "Sweden", meta[store.MetaRegion])
	assert.Equal(t, strconv.FormatInt(start.UnixMilli(), 10), meta[store.MetaLastUpdateTime])
}

func TestInsert_MetadataRefreshedOncePerDay(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)
	locator := &testutils.MockLocator{Location: enrich.Location{IP: "192.0.2.10", Region: "Sweden"}}
	p := newTestProcessor(st, locator, clock)

	_, err := p.Insert(ctx, record("one", clock.Now()))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = p.Insert(ctx, record("two", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, locator.GetCalls())

	clock.Advance(24 * time.Hour)
	_, err = p.Insert(ctx, record("three", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 2, locator.GetCalls())
}

func TestInsert_SameDayMetadataReusedAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)
	locator := &testutils.MockLocator{Location: enrich.Location{IP: "192.0.2.10", Region: "Sweden"}}

	_, err := newTestProcessor(st, locator, clock).Insert(ctx, record("one", clock.Now()))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := newTestProcessor(st, locator, clock).Insert(ctx, record("two", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, locator.GetCalls())
	assert.Equal(t, "192.0.2.10", res.Record.IP)
}

func TestInsert_LookupFailureKeepsPreviousValues(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)
	locator := &testutils.MockLocator{Location: enrich.Location{IP: "192.0.2.10", Region: "Sweden"}}
	p := newTestProcessor(st, locator, clock)

	_, err := p.Insert(ctx, record("day one", clock.Now()))
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	locator.ShouldFail = true
	res, err := p.Insert(ctx, record("day two", clock.Now()))
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, "192.0.2.10", res.Record.IP)
	assert.Equal(t, "Sweden", res.Record.Region)

	meta, _ := st.AllMeta(ctx)
	assert.Equal(t, strconv.FormatInt(start.UnixMilli(), 10), meta[store.MetaLastUpdateTime])
}

func TestInsert_LookupFailureOnFirstRunLeavesFieldsEmpty(t *testing.T) {
	st := testutils.NewMemStore()
	p := newTestProcessor(st, &testutils.MockLocator{ShouldFail: true}, testutils.NewFakeClock(start))

	res, err := p.Insert(context.Background(), record("hello", start))
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Empty(t, res.Record.IP)
	assert.Empty(t, res.Record.Region)
	assert.NotEmpty(t, res.Record.UserAgent)
}

func TestInsert_StorageFailurePropagates(t *testing.T) {
	st := testutils.NewMemStore()
	st.SetFailWrites(true)
	p := newTestProcessor(st, &testutils.MockLocator{}, testutils.NewFakeClock(start))

	_, err := p.Insert(context.Background(), record("hello", start))
	assert.Error(t, err)
}

func TestForgetDigests(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	p := newTestProcessor(st, &testutils.MockLocator{}, testutils.NewFakeClock(start))

	_, err := p.Insert(ctx, record("x", start))
	require.NoError(t, err)
	require.NoError(t, st.Reset(ctx))
	p.ForgetDigests()

	digests, err := p.Digests(ctx)
	require.NoError(t, err)
	assert.Empty(t, digests)

	res, err := p.Insert(ctx, record("x", start.Add(time.Millisecond)))
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}

func TestDecodeAll(t *testing.T) {
	st := testutils.NewMemStore()
	size := st.PutRecord(t, logging.Record{Time: 1, Content: "a"})
	size += st.PutRecord(t, logging.Record{Time: 2, Content: "b"})

	encoded, _ := st.ListAll(context.Background())
	records, total, err := DecodeAll(encoded)
	require.NoError(t, err)
	assert.Equal(t, size, total)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Content)
	assert.Equal(t, "b", records[1].Content)
}
