package royalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/royalty-engine/royalty"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var calcDate = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

func rec(id int64, amount string, status royalty.Status) royalty.Record {
	return royalty.Record{
		RoyaltyID:      royalty.RoyaltyID(id),
		SongID:         royalty.SongID(100 + id),
		ArtistID:       royalty.ArtistID(200 + id),
		TotalStreams:   id * 1000,
		RoyaltyAmount:  decimal.RequireFromString(amount),
		CalculatedDate: calcDate,
		Status:         status,
	}
}

// fakeSource is a scriptable royalty.Source.
type fakeSource struct {
	mu        sync.Mutex
	records   []royalty.Record
	fetchErr  error
	calcErr   error
	payErr    error
	payPanic  any
	fetches   int
	calcs     int
	payCalls  map[royalty.RoyaltyID]int
	payGate   chan struct{} // when set, PayRoyalty blocks until closed
	payStart  chan royalty.RoyaltyID
	onPay     func(id royalty.RoyaltyID)
	onCompute func()
}

func newFakeSource(records ...royalty.Record) *fakeSource {
	return &fakeSource{records: records, payCalls: make(map[royalty.RoyaltyID]int)}
}

func (f *fakeSource) setRecords(records ...royalty.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *fakeSource) FetchRoyalties(_ context.Context) ([]royalty.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]royalty.Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeSource) CalculateRoyalties(_ context.Context) error {
	f.mu.Lock()
	f.calcs++
	err := f.calcErr
	hook := f.onCompute
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeSource) PayRoyalty(_ context.Context, id royalty.RoyaltyID, payer royalty.PayerID) (royalty.PaymentReceipt, error) {
	f.mu.Lock()
	f.payCalls[id]++
	gate, start, hook := f.payGate, f.payStart, f.onPay
	f.mu.Unlock()

	if start != nil {
		start <- id
	}
	if gate != nil {
		<-gate
	}
	if hook != nil {
		hook(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payPanic != nil {
		panic(f.payPanic)
	}
	if f.payErr != nil {
		return royalty.PaymentReceipt{}, f.payErr
	}
	for i := range f.records {
		if f.records[i].RoyaltyID == id {
			if f.records[i].IsPaid() {
				return royalty.PaymentReceipt{}, royalty.ErrAlreadyPaid
			}
			f.records[i].Status = royalty.StatusPaid
			return royalty.PaymentReceipt{
				PaymentID: "pay-" + id.String(),
				RoyaltyID: id,
				PayerID:   payer,
				Amount:    f.records[i].RoyaltyAmount,
				PaidAt:    calcDate.Add(time.Hour),
			}, nil
		}
	}
	return royalty.PaymentReceipt{}, royalty.ErrNotFound
}

func (f *fakeSource) calls(id royalty.RoyaltyID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payCalls[id]
}

func newLoadedLedger(t *testing.T, src royalty.Source) *royalty.LedgerStore {
	t.Helper()
	ledger := royalty.NewLedgerStore(src, nil)
	_, err := ledger.LoadAll(context.Background())
	require.NoError(t, err)
	return ledger
}

func newPayments(t *testing.T, ledger *royalty.LedgerStore, src royalty.Source) *royalty.PaymentController {
	t.Helper()
	pc, err := royalty.NewPaymentController(ledger, src, nil, royalty.PaymentOptions{Workers: 4, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(pc.Close)
	return pc
}
