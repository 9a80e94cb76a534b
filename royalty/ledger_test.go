package royalty_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/royalty-engine/royalty"
)

// =============================================================================
// LOAD / REPLACE
// =============================================================================

func TestLedgerStore_LoadAll_ReplacesNotMerges(t *testing.T) {
	// GIVEN: A ledger loaded with three records, one of them paid locally
	src := newFakeSource(
		rec(1, "100.00", royalty.StatusUnpaid),
		rec(2, "50.00", royalty.StatusPaid),
		rec(3, "12.50", royalty.StatusUnpaid),
	)
	ledger := newLoadedLedger(t, src)
	require.NoError(t, ledger.PatchStatus(1, royalty.StatusPaid))

	// WHEN: The service now reports record 1 unpaid, record 3 gone, record 4 new
	fresh := []royalty.Record{
		rec(4, "7.25", royalty.StatusUnpaid),
		rec(1, "110.00", royalty.StatusUnpaid),
		rec(2, "50.00", royalty.StatusPaid),
	}
	src.setRecords(fresh...)
	_, err := ledger.LoadAll(context.Background())
	require.NoError(t, err)

	// THEN: The snapshot is exactly the fetched sequence
	snap := ledger.Snapshot()
	require.Len(t, snap, len(fresh))
	for i := range fresh {
		assert.True(t, fresh[i].Equal(snap[i]), "index %d: want %+v got %+v", i, fresh[i], snap[i])
	}
	_, err = ledger.Get(3)
	assert.True(t, royalty.IsNotFound(err))
}

func TestLedgerStore_LoadAll_FailureKeepsSnapshot(t *testing.T) {
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid))
	ledger := newLoadedLedger(t, src)
	before := ledger.Snapshot()
	gen := ledger.Generation()

	src.fetchErr = errors.New("connection refused")
	_, err := ledger.LoadAll(context.Background())

	var fetchErr *royalty.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, royalty.ErrFetch)
	assert.True(t, royalty.IsRetryable(err))
	assert.Equal(t, before, ledger.Snapshot())
	assert.Equal(t, gen, ledger.Generation())
}

func TestLedgerStore_LoadAll_RejectsDuplicateIDs(t *testing.T) {
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid))
	ledger := newLoadedLedger(t, src)

	src.setRecords(rec(2, "1.00", royalty.StatusUnpaid), rec(2, "2.00", royalty.StatusUnpaid))
	_, err := ledger.LoadAll(context.Background())

	assert.ErrorIs(t, err, royalty.ErrFetch)
	assert.ErrorIs(t, err, royalty.ErrDuplicateRoyalty)
	assert.Equal(t, 1, ledger.Len())
}

func TestLedgerStore_LoadAll_RejectsInvalidRecords(t *testing.T) {
	src := newFakeSource(rec(1, "-5.00", royalty.StatusUnpaid))
	ledger := royalty.NewLedgerStore(src, nil)

	_, err := ledger.LoadAll(context.Background())
	assert.ErrorIs(t, err, royalty.ErrFetch)
	assert.Zero(t, ledger.Len())
	assert.Zero(t, ledger.Generation())
}

func TestLedgerStore_ReadersNeverSeePartialLedger(t *testing.T) {
	// Two ledgers of different sizes swap back and forth while readers check
	// that every snapshot is one of them in full.
	small := []royalty.Record{rec(1, "1.00", royalty.StatusUnpaid)}
	large := []royalty.Record{
		rec(10, "1.00", royalty.StatusUnpaid),
		rec(11, "2.00", royalty.StatusUnpaid),
		rec(12, "3.00", royalty.StatusUnpaid),
	}
	src := newFakeSource(small...)
	ledger := newLoadedLedger(t, src)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := ledger.Snapshot()
				if len(snap) == 1 {
					assert.Equal(t, royalty.RoyaltyID(1), snap[0].RoyaltyID)
				} else {
					assert.Len(t, snap, 3)
					assert.Equal(t, royalty.RoyaltyID(10), snap[0].RoyaltyID)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			src.setRecords(large...)
		} else {
			src.setRecords(small...)
		}
		_, err := ledger.LoadAll(context.Background())
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

// =============================================================================
// PATCH
// =============================================================================

func TestLedgerStore_PatchStatus_TouchesOnlyTarget(t *testing.T) {
	src := newFakeSource(
		rec(1, "100.00", royalty.StatusUnpaid),
		rec(2, "50.00", royalty.StatusPaid),
		rec(3, "12.50", royalty.StatusUnpaid),
	)
	ledger := newLoadedLedger(t, src)
	before := ledger.Snapshot()

	require.NoError(t, ledger.PatchStatus(3, royalty.StatusPaid))

	after := ledger.Snapshot()
	require.Len(t, after, 3)
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[1], after[1])
	want := before[2]
	want.Status = royalty.StatusPaid
	assert.Equal(t, want, after[2])
}

func TestLedgerStore_PatchStatus_MissingID(t *testing.T) {
	ledger := newLoadedLedger(t, newFakeSource(rec(1, "1.00", royalty.StatusUnpaid)))

	err := ledger.PatchStatus(42, royalty.StatusPaid)

	var nf *royalty.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, royalty.RoyaltyID(42), nf.RoyaltyID)
	assert.Equal(t, 1, ledger.Len())
}

func TestLedgerStore_PatchStatus_NeverRevertsPaid(t *testing.T) {
	ledger := newLoadedLedger(t, newFakeSource(rec(1, "1.00", royalty.StatusPaid)))

	err := ledger.PatchStatus(1, royalty.StatusUnpaid)
	assert.ErrorIs(t, err, royalty.ErrInvalidTransition)

	got, err := ledger.Get(1)
	require.NoError(t, err)
	assert.Equal(t, royalty.StatusPaid, got.Status)
}

func TestLedgerStore_SnapshotIsACopy(t *testing.T) {
	ledger := newLoadedLedger(t, newFakeSource(rec(1, "1.00", royalty.StatusUnpaid)))

	snap := ledger.Snapshot()
	snap[0].Status = royalty.StatusPaid

	got, err := ledger.Get(1)
	require.NoError(t, err)
	assert.Equal(t, royalty.StatusUnpaid, got.Status)
}

// =============================================================================
// MARKERS / PAGES
// =============================================================================

func TestLedgerStore_Markers(t *testing.T) {
	ledger := royalty.NewLedgerStore(newFakeSource(), nil)

	assert.True(t, ledger.TryMark(1))
	assert.False(t, ledger.TryMark(1))
	assert.True(t, ledger.TryMark(2))
	assert.Equal(t, 2, ledger.InFlightCount())

	ledger.Unmark(1)
	assert.False(t, ledger.InFlight(1))
	assert.True(t, ledger.InFlight(2))
	assert.True(t, ledger.TryMark(1))
}

func TestLedgerStore_Page_Scenario(t *testing.T) {
	// GIVEN: Two records and a page size of 10
	ledger := newLoadedLedger(t, newFakeSource(
		rec(1, "100.00", royalty.StatusUnpaid),
		rec(2, "50.00", royalty.StatusPaid),
	))

	// WHEN: Rendering page 1
	view := ledger.Page(1, 10)

	// THEN: Both records are on it and no controls are needed
	require.Len(t, view.Rows, 2)
	assert.Equal(t, royalty.RoyaltyID(1), view.Rows[0].RoyaltyID)
	assert.Equal(t, royalty.RoyaltyID(2), view.Rows[1].RoyaltyID)
	assert.Equal(t, 2, view.TotalItems)
	assert.Equal(t, royalty.PageWindow{StartPage: 1, EndPage: 1, TotalPages: 1}, view.Window)
	assert.False(t, view.Window.ShowControls())
}
