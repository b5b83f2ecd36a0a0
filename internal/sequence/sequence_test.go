package sequence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/cache"
	"github.com/roach88/tillsync/internal/kv"
	"github.com/roach88/tillsync/internal/testutil"
)

var saleSource = Source{KeyPrefix: "sale:", Field: "id"}

func newCache(store kv.Store) *cache.Cache {
	return cache.New(store, cache.WithScheduler(testutil.NewFakeScheduler()))
}

func TestFormatAndParse(t *testing.T) {
	assert.Equal(t, "INV-00000001", FormatID("INV", 1, 8))
	assert.Equal(t, "SHF-042", FormatID("SHF", 42, 3))

	n, ok := ParseID("INV", "INV-00000042")
	require.True(t, ok)
	assert.Equal(t, int64(42), n)

	for _, bad := range []string{"INV-", "INV-12a", "SHF-00000001", "INV00000001", "INV--1", ""} {
		_, ok := ParseID("INV", bad)
		assert.False(t, ok, "%q must not parse", bad)
	}
}

func TestNextInvoiceID_StartsAtOne(t *testing.T) {
	g := New(newCache(kv.NewMemory()))
	id, err := g.NextInvoiceID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "INV-00000001", id)

	id, err = g.NextShiftID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SHF-00000001", id)
}

func TestNextID_StrictlyIncreasing(t *testing.T) {
	g := New(newCache(kv.NewMemory()))
	ctx := context.Background()

	var last int64
	for i := 0; i < 200; i++ {
		id, err := g.NextID(ctx, Invoice, "INV", 8)
		require.NoError(t, err)
		n, ok := ParseID("INV", id)
		require.True(t, ok)
		require.Greater(t, n, last, "suffixes must strictly increase")
		last = n
	}
	assert.Equal(t, int64(200), last)
}

func TestNextID_PersistsCounterImmediately(t *testing.T) {
	store := testutil.NewCountingStore(nil)
	g := New(newCache(store))

	_, err := g.NextInvoiceID(context.Background())
	require.NoError(t, err)

	writes := store.Writes(CounterKey(Invoice))
	require.Len(t, writes, 1, "counter is written before the id is handed out")
	assert.Equal(t, "2", writes[0].Value)
}

func TestNextID_ColdStartRecovery(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	for _, n := range []int{3, 42, 17} {
		id := FormatID("INV", int64(n), 8)
		rec := fmt.Sprintf(`{"id":%q,"total":10}`, id)
		require.NoError(t, mem.Set(ctx, "sale:"+id, []byte(rec)))
	}

	g := New(newCache(mem), WithSource(Invoice, saleSource))
	id, err := g.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-00000043", id)
}

func TestNextID_RecoveryReadsField(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	// Key does not carry the id; only the record body does.
	require.NoError(t, mem.Set(ctx, "sale:legacy-1", []byte(`{"id":"INV-00000009"}`)))
	require.NoError(t, mem.Set(ctx, "sale:legacy-2", []byte(`{"id":12}`)))
	require.NoError(t, mem.Set(ctx, "sale:legacy-3", []byte(`not json`)))

	g := New(newCache(mem), WithSource(Invoice, saleSource))
	id, err := g.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-00000010", id)
}

func TestNextID_ExistingCounterWins(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, CounterKey(Invoice), []byte(`100`)))
	require.NoError(t, mem.Set(ctx, "sale:INV-00000500", []byte(`{"id":"INV-00000500"}`)))

	g := New(newCache(mem), WithSource(Invoice, saleSource))
	id, err := g.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-00000100", id, "recovery only runs when no counter exists")
}

func TestNextID_CorruptCounterRecovers(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, CounterKey(Invoice), []byte(`"oops"`)))
	require.NoError(t, mem.Set(ctx, "sale:INV-00000007", []byte(`{}`)))

	g := New(newCache(mem), WithSource(Invoice, saleSource))
	id, err := g.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-00000008", id)
}

func TestNextID_FailedPersistNeverRepeats(t *testing.T) {
	store := testutil.NewCountingStore(nil)
	c := newCache(store)
	g := New(c)
	ctx := context.Background()

	store.FailWrites(true)
	a, err := g.NextInvoiceID(ctx)
	require.NoError(t, err)
	b, err := g.NextInvoiceID(ctx)
	require.NoError(t, err)

	assert.Equal(t, "INV-00000001", a)
	assert.Equal(t, "INV-00000002", b)
	assert.Equal(t, int64(2), c.Stats().Failures)
}

func TestNextID_ConcurrentGoroutinesUnique(t *testing.T) {
	g := New(newCache(kv.NewMemory()))
	ctx := context.Background()

	const n = 100
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.NextInvoiceID(ctx)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "%s issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

// Two processes share a store without a lock. The second process memoized
// the counter before the first allocated, so it allocates a duplicate: the
// documented single-writer limitation.
func TestNextID_WithoutLockerSiblingsCanCollide(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	tabA := New(newCache(mem))
	tabB := New(newCache(mem))

	first, err := tabB.NextInvoiceID(ctx) // B memoizes counter=2
	require.NoError(t, err)
	fromA, err := tabA.NextInvoiceID(ctx) // A reads durable 2
	require.NoError(t, err)
	fromB, err := tabB.NextInvoiceID(ctx) // B still believes 2
	require.NoError(t, err)

	assert.Equal(t, "INV-00000001", first)
	assert.Equal(t, "INV-00000002", fromA)
	assert.Equal(t, fromA, fromB, "without a lock the race is possible")
}

func TestNextID_WithLockerSiblingsStayUnique(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	tabA := New(newCache(mem), WithLocker(mem))
	tabB := New(newCache(mem), WithLocker(mem))

	var got []string
	for _, g := range []*Generator{tabB, tabA, tabB, tabA, tabB} {
		id, err := g.NextInvoiceID(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{
		"INV-00000001", "INV-00000002", "INV-00000003", "INV-00000004", "INV-00000005",
	}, got)
}

func TestNextID_WithLockerConcurrentProcesses(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()

	const tabs, perTab = 4, 25
	ids := make(chan string, tabs*perTab)
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		g := New(newCache(mem), WithLocker(mem))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perTab; j++ {
				id, err := g.NextInvoiceID(ctx)
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "%s issued twice across processes", id)
		seen[id] = true
	}
	assert.Len(t, seen, tabs*perTab)
}

func TestNextID_LockTimeout(t *testing.T) {
	mem := kv.NewMemory()
	g := New(newCache(mem), WithLocker(mem))

	unlock, err := mem.Lock(context.Background(), LockName(Invoice))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.NextInvoiceID(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithFormat(t *testing.T) {
	g := New(newCache(kv.NewMemory()), WithFormat(Invoice, "FAC", 4))
	id, err := g.NextInvoiceID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FAC-0001", id)

	id, err = g.Next(context.Background(), "receipt")
	require.NoError(t, err)
	assert.Equal(t, "RECEIPT-00000001", id)
}
