package batchctx

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logbeacon/internal/store"
	"github.com/Chichichkin/logbeacon/internal/testutils"
)

var (
	start     = time.Date(2025, 3, 4, 9, 30, 0, 0, time.Local)
	contextRe = regexp.MustCompile(`^[0-9A-F]{16}-[0-9A-F]+$`)
)

func TestNext_SameDayIsMonotonic(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(start)
	g := New(testutils.NewMemStore(), clock.Now)

	first, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Regexp(t, contextRe, first)

	clock.Advance(time.Hour)
	second, err := g.Next(ctx)
	require.NoError(t, err)

	p1, s1, err := Parse(first)
	require.NoError(t, err)
	p2, s2, err := Parse(second)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, s1+1, s2)
}

func TestNext_HexUppercase(t *testing.T) {
	ctx := context.Background()
	g := New(testutils.NewMemStore(), testutils.NewFakeClock(start).Now)

	var last string
	for i := 0; i < 11; i++ {
		var err error
		last, err = g.Next(ctx)
		require.NoError(t, err)
	}
	assert.True(t, len(last) > 2 && last[len(last)-2:] == "-B", last)
}

func TestNext_ResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)

	first, err := New(st, clock.Now).Next(ctx)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	second, err := New(st, clock.Now).Next(ctx)
	require.NoError(t, err)

	p1, s1, _ := Parse(first)
	p2, s2, _ := Parse(second)
	assert.Equal(t, p1, p2)
	assert.Equal(t, s1+1, s2)

	persisted, ok, err := st.GetMeta(ctx, store.MetaBatchContext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, persisted)
}

func TestNext_NewDayMintsNewPrefix(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	clock := testutils.NewFakeClock(start)
	g := New(st, clock.Now)

	first, err := g.Next(ctx)
	require.NoError(t, err)
	_, _ = g.Next(ctx)

	clock.Advance(24 * time.Hour)
	next, err := g.Next(ctx)
	require.NoError(t, err)

	p1, _, _ := Parse(first)
	p2, seq, _ := Parse(next)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, uint64(1), seq)

	clock.Advance(24 * time.Hour)
	restarted, err := New(st, clock.Now).Next(ctx)
	require.NoError(t, err)
	p3, seq, _ := Parse(restarted)
	assert.NotEqual(t, p2, p3)
	assert.Equal(t, uint64(1), seq)
}

func TestNext_CorruptPersistedValue(t *testing.T) {
	ctx := context.Background()
	st := testutils.NewMemStore()
	require.NoError(t, st.SetMeta(ctx, store.MetaBatchContext, "garbage"))
	require.NoError(t, st.SetMeta(ctx, store.MetaBatchContextTime, "not-a-number"))

	value, err := New(st, testutils.NewFakeClock(start).Now).Next(ctx)
	require.NoError(t, err)
	_, seq, err := Parse(value)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestNext_StorageFailure(t *testing.T) {
	st := testutils.NewMemStore()
	st.SetFailWrites(true)

	_, err := New(st, testutils.NewFakeClock(start).Now).Next(context.Background())
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	prefix, seq, err := Parse("0123456789ABCDEF-1F")
	require.NoError(t, err)
	assert.Equal(t, "0123456789ABCDEF", prefix)
	assert.Equal(t, uint64(31), seq)
	assert.Equal(t, "0123456789ABCDEF-1F", Format(prefix, seq))

	for _, bad := range []string{"", "nodash", "-1", "ABC-", "ABC-XYZ"} {
		_, _, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}
