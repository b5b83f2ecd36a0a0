package app

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/bus"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/pos"
	"github.com/roach88/tillsync/internal/shift"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "register.db")
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func openApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	a, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return a
}

func mug() []pos.LineItem {
	return []pos.LineItem{{Name: "mug", UnitPrice: pos.MustAmount("12"), Quantity: pos.Int(1)}}
}

func TestOpen_StatePersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first := openApp(t, cfg)
	sh, err := first.Shifts.Start(ctx, "amira", decimal.NewFromInt(50))
	require.NoError(t, err)
	sale, err := first.Shifts.RecordSale(ctx, sh.ID, shift.SaleDraft{Items: mug(), PaymentMethod: "cash"})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := openApp(t, cfg)
	defer func() { require.NoError(t, second.Close(ctx)) }()
	assert.NotEqual(t, first.Origin, second.Origin)

	records, err := second.Shifts.Records(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, sale.ID, records[0].ID)

	next, err := second.Sequences.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-00000002", next)
}

func TestOpen_CustomSequenceFormat(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Sequences["invoice"] = config.Sequence{Prefix: "FAC", Pad: 5}

	a := openApp(t, cfg)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	id, err := a.Sequences.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "FAC-00001", id)
}

func TestOpen_ProcessesSeeEachOther(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a := openApp(t, cfg)
	b := openApp(t, cfg)
	defer func() {
		require.NoError(t, a.Close(ctx))
		require.NoError(t, b.Close(ctx))
	}()

	var (
		mu  sync.Mutex
		got []bus.Event
	)
	b.Bus.Subscribe(bus.TopicShifts, func(ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})

	// The storage transport starts watching asynchronously; retry until the
	// other process is listening.
	require.Eventually(t, func() bool {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			return true
		}
		_ = a.Bus.Publish(bus.TopicShifts, shift.Change{Kind: "ping"})
		return false
	}, 5*time.Second, 50*time.Millisecond)

	sh, err := a.Shifts.Start(ctx, "amira", decimal.Zero)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range got {
			var c shift.Change
			if ev.Decode(&c) == nil && c.Kind == shift.ChangeStarted && c.ShiftID == sh.ID {
				return ev.Remote && ev.Origin == a.Origin
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	active, err := b.Shifts.Active(ctx, "amira")
	require.NoError(t, err)
	assert.Equal(t, sh.ID, active.ID)

	idA, err := a.Sequences.NextInvoiceID(ctx)
	require.NoError(t, err)
	idB, err := b.Sequences.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestOpen_UnreachableRelayFallsBack(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RelayURL = "ws://127.0.0.1:1/bus"

	a := openApp(t, cfg)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	_, err := a.Shifts.Start(ctx, "amira", decimal.Zero)
	assert.NoError(t, err)
	assert.Zero(t, a.Bus.Stats().SendFailures)
}

func TestOpen_SharedHub(t *testing.T) {
	ctx := context.Background()
	hub := bus.NewHub()
	a := openApp(t, testConfig(t), WithHub(hub), WithOrigin("tab-a"))
	b := openApp(t, testConfig(t), WithHub(hub), WithOrigin("tab-b"))
	defer func() {
		require.NoError(t, a.Close(ctx))
		require.NoError(t, b.Close(ctx))
	}()
	assert.Equal(t, 2, hub.Members())

	received := make(chan bus.Event, 1)
	b.Bus.Subscribe(bus.TopicSettings, func(ev bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, a.Bus.Publish(bus.TopicSettings, map[string]string{"theme": "dark"}))

	select {
	case ev := <-received:
		assert.Equal(t, "tab-a", ev.Origin)
		assert.Equal(t, "hub", ev.Via)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered over hub")
	}
}

func TestBackupAndImport(t *testing.T) {
	ctx := context.Background()
	src := openApp(t, testConfig(t))
	sh, err := src.Shifts.Start(ctx, "amira", decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = src.Shifts.RecordSale(ctx, sh.ID, shift.SaleDraft{Items: mug(), PaymentMethod: "cash"})
	require.NoError(t, err)

	var published []bus.Event
	src.Bus.Subscribe(bus.TopicBackedUp, func(ev bus.Event) error {
		published = append(published, ev)
		return nil
	})

	var buf bytes.Buffer
	n, err := src.Backup(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "shift, sale and two counters")
	require.Len(t, published, 1)
	require.NoError(t, src.Close(ctx))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))
	assert.Equal(t, SnapshotVersion, snap.Version)
	for key := range snap.Entries {
		assert.NotContains(t, key, bus.MarkerPrefix)
	}

	dst := openApp(t, testConfig(t))
	defer func() { require.NoError(t, dst.Close(ctx)) }()
	var imported []bus.Event
	dst.Bus.Subscribe(bus.TopicImported, func(ev bus.Event) error {
		imported = append(imported, ev)
		return nil
	})

	n, err = dst.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, imported, 1)
	var change DataChange
	require.NoError(t, imported[0].Decode(&change))
	assert.Equal(t, 4, change.Entries)

	report, err := dst.Shifts.Report(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, "12.00", report.TotalSales.String())

	next, err := dst.Sequences.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-00000002", next)
}

func TestImport_OlderBackupKeepsNewerState(t *testing.T) {
	ctx := context.Background()
	a := openApp(t, testConfig(t))
	defer func() { require.NoError(t, a.Close(ctx)) }()

	sh, err := a.Shifts.Start(ctx, "amira", decimal.NewFromInt(10))
	require.NoError(t, err)
	first, err := a.Shifts.RecordSale(ctx, sh.ID, shift.SaleDraft{Items: mug(), PaymentMethod: "cash"})
	require.NoError(t, err)
	require.Equal(t, "INV-00000001", first.ID)

	var buf bytes.Buffer
	_, err = a.Backup(ctx, &buf)
	require.NoError(t, err)

	big := []pos.LineItem{{Name: "espresso machine", UnitPrice: pos.MustAmount("800"), Quantity: pos.Int(1)}}
	second, err := a.Shifts.RecordSale(ctx, sh.ID, shift.SaleDraft{Items: big, PaymentMethod: "card"})
	require.NoError(t, err)
	require.Equal(t, "INV-00000002", second.ID)

	n, err := a.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Zero(t, n, "every entry in the backup is older or identical")

	next, err := a.Shifts.RecordSale(ctx, sh.ID, shift.SaleDraft{Items: mug(), PaymentMethod: "cash"})
	require.NoError(t, err)
	assert.Equal(t, "INV-00000003", next.ID)

	records, err := a.Shifts.Records(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, second.ID, records[1].ID)
	assert.Equal(t, "800.00", records[1].Total.String())

	report, err := a.Shifts.Report(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, "824.00", report.TotalSales.String())
}

func TestImport_RaisesLowerCounters(t *testing.T) {
	ctx := context.Background()
	a := openApp(t, testConfig(t))
	defer func() { require.NoError(t, a.Close(ctx)) }()

	_, err := a.Sequences.NextInvoiceID(ctx)
	require.NoError(t, err)

	snap := `{"version":1,"entries":{"counter:invoice":41,"counter:ticket":7}}`
	n, err := a.Import(ctx, bytes.NewReader([]byte(snap)))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	next, err := a.Sequences.NextInvoiceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-00000041", next)
	ticket, err := a.Sequences.Next(ctx, "ticket")
	require.NoError(t, err)
	assert.Equal(t, "TICKET-00000007", ticket)

	_, err = a.Import(ctx, bytes.NewReader([]byte(`{"version":1,"entries":{"counter:invoice":"x"}}`)))
	assert.Error(t, err)
}

func TestImport_RejectsUnknownVersion(t *testing.T) {
	ctx := context.Background()
	a := openApp(t, testConfig(t))
	defer func() { require.NoError(t, a.Close(ctx)) }()

	_, err := a.Import(ctx, bytes.NewReader([]byte(`{"version":9,"entries":{}}`)))
	assert.Error(t, err)
	_, err = a.Import(ctx, bytes.NewReader([]byte(`not json`)))
	assert.Error(t, err)
}
