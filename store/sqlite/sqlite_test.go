/*
sqlite_test.go - Tests for the SQLite ledger service

Tests for:
- Pricing of uncovered streams (CalculateRoyalties)
- One open royalty per song
- Payment transaction (PayRoyalty) and the payment log
- Calculation run audit
*/
package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/royalty-engine/royalty"
)

var testNow = time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, rate string) *Store {
	t.Helper()
	store, err := New(":memory:",
		WithRatePerStream(decimal.RequireFromString(rate)),
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *Store, songs map[royalty.SongID]int64) {
	t.Helper()
	ctx := context.Background()
	for song, streams := range songs {
		require.NoError(t, store.SaveSong(ctx, Song{SongID: song, ArtistID: royalty.ArtistID(song + 100)}))
		if streams > 0 {
			require.NoError(t, store.RecordStreams(ctx, song, streams, testNow))
		}
	}
}

// =============================================================================
// CALCULATION
// =============================================================================

func TestCalculateRoyalties_PricesStreams(t *testing.T) {
	// GIVEN: Two songs with streams at 0.01 per stream
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 10000, 2: 5000})
	ctx := context.Background()

	// WHEN: Calculating
	require.NoError(t, store.CalculateRoyalties(ctx))

	// THEN: One UNPAID royalty per song
	records, err := store.FetchRoyalties(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, royalty.RoyaltyID(1), records[0].RoyaltyID)
	assert.Equal(t, royalty.SongID(1), records[0].SongID)
	assert.Equal(t, royalty.ArtistID(101), records[0].ArtistID)
	assert.Equal(t, int64(10000), records[0].TotalStreams)
	assert.True(t, decimal.NewFromInt(100).Equal(records[0].RoyaltyAmount))
	assert.Equal(t, royalty.StatusUnpaid, records[0].Status)
	assert.True(t, testNow.Equal(records[0].CalculatedDate))

	assert.True(t, decimal.NewFromInt(50).Equal(records[1].RoyaltyAmount))
}

func TestCalculateRoyalties_IsIdempotent(t *testing.T) {
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 300})
	ctx := context.Background()

	require.NoError(t, store.CalculateRoyalties(ctx))
	first, err := store.FetchRoyalties(ctx)
	require.NoError(t, err)

	require.NoError(t, store.CalculateRoyalties(ctx))
	second, err := store.FetchRoyalties(ctx)
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.True(t, first[0].Equal(second[0]))
}

func TestCalculateRoyalties_NewStreamsUpdateOpenRoyalty(t *testing.T) {
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 100})
	ctx := context.Background()
	require.NoError(t, store.CalculateRoyalties(ctx))

	require.NoError(t, store.RecordStreams(ctx, 1, 50, testNow))
	require.NoError(t, store.CalculateRoyalties(ctx))

	records, err := store.FetchRoyalties(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "the open royalty is updated, not duplicated")
	assert.Equal(t, royalty.RoyaltyID(1), records[0].RoyaltyID)
	assert.Equal(t, int64(150), records[0].TotalStreams)
	assert.Equal(t, "1.5", records[0].RoyaltyAmount.String())
}

func TestCalculateRoyalties_PaidStreamsAreNotPricedAgain(t *testing.T) {
	// GIVEN: A paid royalty for 100 streams
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 100})
	ctx := context.Background()
	require.NoError(t, store.CalculateRoyalties(ctx))
	_, err := store.PayRoyalty(ctx, 1, "admin-7")
	require.NoError(t, err)

	// WHEN: Recalculating with no new streams
	require.NoError(t, store.CalculateRoyalties(ctx))
	records, err := store.FetchRoyalties(ctx)
	require.NoError(t, err)

	// THEN: Nothing new is owed
	require.Len(t, records, 1)
	assert.Equal(t, royalty.StatusPaid, records[0].Status)

	// WHEN: 40 more streams arrive
	require.NoError(t, store.RecordStreams(ctx, 1, 40, testNow))
	require.NoError(t, store.CalculateRoyalties(ctx))
	records, err = store.FetchRoyalties(ctx)
	require.NoError(t, err)

	// THEN: Only those 40 are priced, on a new row
	require.Len(t, records, 2)
	assert.Equal(t, royalty.StatusPaid, records[0].Status)
	assert.Equal(t, royalty.StatusUnpaid, records[1].Status)
	assert.Equal(t, int64(40), records[1].TotalStreams)
	assert.Equal(t, "0.4", records[1].RoyaltyAmount.String())
}

func TestCalculateRoyalties_SongWithoutStreamsHasNoRoyalty(t *testing.T) {
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 0, 2: 10})
	ctx := context.Background()

	require.NoError(t, store.CalculateRoyalties(ctx))

	records, err := store.FetchRoyalties(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, royalty.SongID(2), records[0].SongID)
}

func TestCalculateRoyalties_RecordsRun(t *testing.T) {
	store := newTestStore(t, "0.004")
	seed(t, store, map[royalty.SongID]int64{1: 1000, 2: 500})
	ctx := context.Background()

	require.NoError(t, store.CalculateRoyalties(ctx))

	runs, err := store.ListCalculationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotEmpty(t, runs[0].ID)
	assert.Equal(t, 2, runs[0].RoyaltiesWritten)
	assert.Equal(t, "0.004", runs[0].RatePerStream.String())
	assert.Equal(t, "6", runs[0].TotalOwed.String())
}

// =============================================================================
// PAYMENT
// =============================================================================

func TestPayRoyalty_Success(t *testing.T) {
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 10000})
	ctx := context.Background()
	require.NoError(t, store.CalculateRoyalties(ctx))

	receipt, err := store.PayRoyalty(ctx, 1, "admin-7")

	require.NoError(t, err)
	assert.NotEmpty(t, receipt.PaymentID)
	assert.Equal(t, royalty.RoyaltyID(1), receipt.RoyaltyID)
	assert.Equal(t, royalty.PayerID("admin-7"), receipt.PayerID)
	assert.True(t, decimal.NewFromInt(100).Equal(receipt.Amount))

	rec, err := store.GetRoyalty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, royalty.StatusPaid, rec.Status)

	payments, err := store.ListPayments(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, receipt.PaymentID, payments[0].PaymentID)
}

func TestPayRoyalty_AlreadyPaid(t *testing.T) {
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 100})
	ctx := context.Background()
	require.NoError(t, store.CalculateRoyalties(ctx))
	_, err := store.PayRoyalty(ctx, 1, "admin-7")
	require.NoError(t, err)

	_, err = store.PayRoyalty(ctx, 1, "admin-8")

	assert.ErrorIs(t, err, royalty.ErrAlreadyPaid)
	payments, err := store.ListPayments(ctx)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestPayRoyalty_NotFound(t *testing.T) {
	store := newTestStore(t, "0.01")

	_, err := store.PayRoyalty(context.Background(), 99, "admin-7")

	var nf *royalty.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, royalty.RoyaltyID(99), nf.RoyaltyID)
}

func TestPayRoyalty_RequiresPayer(t *testing.T) {
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 100})
	require.NoError(t, store.CalculateRoyalties(context.Background()))

	_, err := store.PayRoyalty(context.Background(), 1, "  ")
	assert.Error(t, err)
}

func TestPayRoyalty_ConcurrentPaysOnlyOnce(t *testing.T) {
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 100})
	ctx := context.Background()
	require.NoError(t, store.CalculateRoyalties(ctx))

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.PayRoyalty(ctx, 1, "admin-7")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, royalty.ErrAlreadyPaid)
		}
	}
	assert.Equal(t, 1, succeeded)
}

// =============================================================================
// CATALOG / RESET
// =============================================================================

func TestRecordStreams_Validation(t *testing.T) {
	store := newTestStore(t, "0.01")
	ctx := context.Background()

	assert.ErrorIs(t, store.RecordStreams(ctx, 1, 10, testNow), ErrSongNotFound)
	seed(t, store, map[royalty.SongID]int64{1: 0})
	assert.ErrorIs(t, store.RecordStreams(ctx, 1, 0, testNow), ErrInvalidStreams)
	assert.ErrorIs(t, store.RecordStreams(ctx, 1, -5, testNow), ErrInvalidStreams)
}

func TestListSongs_TotalsStreams(t *testing.T) {
	store := newTestStore(t, "0.01")
	ctx := context.Background()
	require.NoError(t, store.SaveSong(ctx, Song{SongID: 1, ArtistID: 9, Title: "Monsoon Lines"}))
	require.NoError(t, store.RecordStreams(ctx, 1, 10, testNow))
	require.NoError(t, store.RecordStreams(ctx, 1, 15, testNow))

	songs, err := store.ListSongs(ctx)
	require.NoError(t, err)
	require.Len(t, songs, 1)
	assert.Equal(t, "Monsoon Lines", songs[0].Title)
	assert.Equal(t, int64(25), songs[0].TotalStreams)
}

func TestListSongs_BadCreatedAtIsAnError(t *testing.T) {
	store := newTestStore(t, "0.01")
	ctx := context.Background()
	require.NoError(t, store.SaveSong(ctx, Song{SongID: 1, ArtistID: 9}))
	_, err := store.db.ExecContext(ctx, "UPDATE songs SET created_at = 'last tuesday' WHERE song_id = 1")
	require.NoError(t, err)

	_, err = store.ListSongs(ctx)

	assert.ErrorContains(t, err, "bad created_at")
}

func TestReset_ClearsEverything(t *testing.T) {
	store := newTestStore(t, "0.01")
	seed(t, store, map[royalty.SongID]int64{1: 100})
	ctx := context.Background()
	require.NoError(t, store.CalculateRoyalties(ctx))
	_, err := store.PayRoyalty(ctx, 1, "admin-7")
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx))

	records, err := store.FetchRoyalties(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	songs, err := store.ListSongs(ctx)
	require.NoError(t, err)
	assert.Empty(t, songs)

	// Ids start again at 1
	seed(t, store, map[royalty.SongID]int64{5: 10})
	require.NoError(t, store.CalculateRoyalties(ctx))
	records, err = store.FetchRoyalties(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, royalty.RoyaltyID(1), records[0].RoyaltyID)
}

func TestNew_RejectsNegativeRate(t *testing.T) {
	_, err := New(":memory:", WithRatePerStream(decimal.NewFromInt(-1)))
	assert.Error(t, err)
}
