package royalty_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/royalty-engine/royalty"
)

func TestPayRoyalty_Scenario(t *testing.T) {
	// GIVEN: Record 1 unpaid, record 2 paid
	src := newFakeSource(
		rec(1, "100.00", royalty.StatusUnpaid),
		rec(2, "50.00", royalty.StatusPaid),
	)
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)
	before2, err := ledger.Get(2)
	require.NoError(t, err)

	// WHEN: admin-7 pays record 1
	res, err := pc.PayRoyalty(context.Background(), 1, "admin-7")

	// THEN: Record 1 is PAID, record 2 untouched, marker cleared
	require.NoError(t, err)
	assert.True(t, res.Patched)
	assert.True(t, decimal.RequireFromString("100.00").Equal(res.Amount()))
	assert.Equal(t, royalty.PayerID("admin-7"), res.Receipt.PayerID)

	got1, err := ledger.Get(1)
	require.NoError(t, err)
	assert.Equal(t, royalty.StatusPaid, got1.Status)

	got2, err := ledger.Get(2)
	require.NoError(t, err)
	assert.Equal(t, before2, got2)
	assert.False(t, pc.InFlight(1))
}

func TestPayRoyalty_ConcurrentSameRecord_OnlyOneAttempt(t *testing.T) {
	// GIVEN: The service blocks until we let the first payment through
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid))
	src.payGate = make(chan struct{})
	src.payStart = make(chan royalty.RoyaltyID, 1)
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	first := make(chan error, 1)
	go func() {
		_, err := pc.PayRoyalty(context.Background(), 1, "admin-1")
		first <- err
	}()
	<-src.payStart
	require.True(t, pc.InFlight(1))

	// WHEN: A second attempt on the same record arrives mid-flight
	_, err := pc.PayRoyalty(context.Background(), 1, "admin-2")

	// THEN: It is rejected immediately, and exactly one external call happens
	var inProgress *royalty.AlreadyInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, royalty.RoyaltyID(1), inProgress.RoyaltyID)
	assert.False(t, royalty.IsRetryable(err))

	close(src.payGate)
	require.NoError(t, <-first)

	assert.Equal(t, 1, src.calls(1))
	got, err := ledger.Get(1)
	require.NoError(t, err)
	assert.Equal(t, royalty.StatusPaid, got.Status)
	assert.False(t, pc.InFlight(1))
}

func TestPayRoyalty_DifferentRecordsRunTogether(t *testing.T) {
	src := newFakeSource(
		rec(1, "1.00", royalty.StatusUnpaid),
		rec(2, "2.00", royalty.StatusUnpaid),
		rec(3, "3.00", royalty.StatusUnpaid),
	)
	src.payGate = make(chan struct{})
	src.payStart = make(chan royalty.RoyaltyID, 3)
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	done := make(chan []royalty.PaymentOutcome, 1)
	go func() {
		done <- pc.PayMany(context.Background(), []royalty.RoyaltyID{1, 2, 3}, "admin-1")
	}()

	// All three reach the service before any is released.
	seen := map[royalty.RoyaltyID]bool{}
	for i := 0; i < 3; i++ {
		seen[<-src.payStart] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 3, ledger.InFlightCount())

	close(src.payGate)
	outcomes := <-done

	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.Equal(t, royalty.RoyaltyID(i+1), o.RoyaltyID)
		assert.NoError(t, o.Err)
	}
	for _, r := range ledger.Snapshot() {
		assert.Equal(t, royalty.StatusPaid, r.Status)
	}
	assert.Zero(t, ledger.InFlightCount())
}

func TestPayRoyalty_FailureLeavesUnpaidAndRetryable(t *testing.T) {
	// GIVEN: The service fails the first payment
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid))
	src.payErr = errors.New("gateway timeout")
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	// WHEN: Paying
	_, err := pc.PayRoyalty(context.Background(), 1, "admin-7")

	// THEN: PaymentFailedError, still UNPAID, marker cleared
	var failed *royalty.PaymentFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Reason, "gateway timeout")
	assert.True(t, royalty.IsRetryable(err))
	got, _ := ledger.Get(1)
	assert.Equal(t, royalty.StatusUnpaid, got.Status)
	assert.False(t, pc.InFlight(1))

	// AND: A retry succeeds once the service recovers
	src.mu.Lock()
	src.payErr = nil
	src.mu.Unlock()
	_, err = pc.PayRoyalty(context.Background(), 1, "admin-7")
	require.NoError(t, err)
	got, _ = ledger.Get(1)
	assert.Equal(t, royalty.StatusPaid, got.Status)
}

func TestPayRoyalty_PanicInSourceClearsMarker(t *testing.T) {
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid))
	src.payPanic = "boom"
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	_, err := pc.PayRoyalty(context.Background(), 1, "admin-7")

	assert.ErrorIs(t, err, royalty.ErrPaymentFailed)
	assert.False(t, pc.InFlight(1))
	got, _ := ledger.Get(1)
	assert.Equal(t, royalty.StatusUnpaid, got.Status)
}

func TestPayRoyalty_AlreadyPaidSkipsService(t *testing.T) {
	src := newFakeSource(rec(2, "50.00", royalty.StatusPaid))
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	_, err := pc.PayRoyalty(context.Background(), 2, "admin-7")

	assert.ErrorIs(t, err, royalty.ErrPaymentFailed)
	assert.ErrorIs(t, err, royalty.ErrAlreadyPaid)
	assert.Zero(t, src.calls(2))
	assert.False(t, pc.InFlight(2))
}

func TestPayRoyalty_UnknownRecord(t *testing.T) {
	src := newFakeSource(rec(1, "1.00", royalty.StatusUnpaid))
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	_, err := pc.PayRoyalty(context.Background(), 9, "admin-7")

	assert.True(t, royalty.IsNotFound(err))
	assert.Zero(t, src.calls(9))
	assert.False(t, pc.InFlight(9))
}

func TestPayRoyalty_ServiceReportsAlreadyPaid(t *testing.T) {
	// Our snapshot says UNPAID but the service already paid it elsewhere.
	src := newFakeSource(rec(1, "1.00", royalty.StatusUnpaid))
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)
	src.setRecords(rec(1, "1.00", royalty.StatusPaid))

	_, err := pc.PayRoyalty(context.Background(), 1, "admin-7")

	assert.ErrorIs(t, err, royalty.ErrAlreadyPaid)
	got, _ := ledger.Get(1)
	assert.Equal(t, royalty.StatusUnpaid, got.Status)
}

func TestPayRoyalty_CallerStopsWaiting_MarkerStillCleared(t *testing.T) {
	// GIVEN: A slow payment
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid))
	src.payGate = make(chan struct{})
	src.payStart = make(chan royalty.RoyaltyID, 1)
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pc.PayRoyalty(ctx, 1, "admin-7")
		done <- err
	}()
	<-src.payStart

	// WHEN: The caller gives up before the service answers
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, pc.InFlight(1), "payment is still running")

	// THEN: Once the service answers, the record is paid and the marker cleared
	close(src.payGate)
	require.Eventually(t, func() bool { return !pc.InFlight(1) }, 2*time.Second, 5*time.Millisecond)
	got, _ := ledger.Get(1)
	assert.Equal(t, royalty.StatusPaid, got.Status)
}

func TestPayRoyalty_BusyWorkers_CallerCanStopWaiting(t *testing.T) {
	// GIVEN: One worker, held by a slow payment for record 1
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid), rec(2, "5.00", royalty.StatusUnpaid))
	src.payGate = make(chan struct{})
	src.payStart = make(chan royalty.RoyaltyID, 2)
	ledger := newLoadedLedger(t, src)
	pc, err := royalty.NewPaymentController(ledger, src, nil, royalty.PaymentOptions{Workers: 1, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(pc.Close)

	first := make(chan error, 1)
	go func() {
		_, err := pc.PayRoyalty(context.Background(), 1, "admin-7")
		first <- err
	}()
	require.Equal(t, royalty.RoyaltyID(1), <-src.payStart)

	// WHEN: Record 2 is paid with a short deadline while the worker is busy
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	returned := make(chan error, 1)
	go func() {
		_, err := pc.PayRoyalty(ctx, 2, "admin-7")
		returned <- err
	}()

	// THEN: The caller gets its deadline back without waiting for a worker
	select {
	case err := <-returned:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("PayRoyalty ignored the caller's deadline")
	}

	// AND: Once the worker frees up, the abandoned payment never reaches the service
	close(src.payGate)
	require.NoError(t, <-first)
	require.Eventually(t, func() bool { return !pc.InFlight(2) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, src.calls(2))
	got, err := ledger.Get(2)
	require.NoError(t, err)
	assert.Equal(t, royalty.StatusUnpaid, got.Status)
}

func TestPayRoyalty_ReloadDuringPayment_PatchesCurrentSnapshot(t *testing.T) {
	// GIVEN: A payment in flight for record 1
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid), rec(2, "5.00", royalty.StatusUnpaid))
	src.payGate = make(chan struct{})
	src.payStart = make(chan royalty.RoyaltyID, 1)
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	done := make(chan royalty.PaymentResult, 1)
	go func() {
		res, err := pc.PayRoyalty(context.Background(), 1, "admin-7")
		assert.NoError(t, err)
		done <- res
	}()
	<-src.payStart

	// WHEN: A reload lands with a recalculated record 1
	src.setRecords(rec(2, "5.00", royalty.StatusUnpaid), rec(1, "120.00", royalty.StatusUnpaid))
	_, err := ledger.LoadAll(context.Background())
	require.NoError(t, err)
	close(src.payGate)
	res := <-done

	// THEN: The new copy of record 1 is the one marked PAID
	assert.True(t, res.Patched)
	snap := ledger.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, royalty.RoyaltyID(1), snap[1].RoyaltyID)
	assert.Equal(t, royalty.StatusPaid, snap[1].Status)
	assert.True(t, decimal.RequireFromString("120.00").Equal(snap[1].RoyaltyAmount))
}

func TestPayRoyalty_RecordDroppedByReload_IsNoOp(t *testing.T) {
	src := newFakeSource(rec(1, "100.00", royalty.StatusUnpaid))
	src.payGate = make(chan struct{})
	src.payStart = make(chan royalty.RoyaltyID, 1)
	ledger := newLoadedLedger(t, src)
	pc := newPayments(t, ledger, src)

	done := make(chan royalty.PaymentResult, 1)
	go func() {
		res, err := pc.PayRoyalty(context.Background(), 1, "admin-7")
		assert.NoError(t, err)
		done <- res
	}()
	<-src.payStart

	// The fake still pays record 1 because it answers from its own copy;
	// the local snapshot no longer has it.
	replacement := []royalty.Record{rec(3, "1.00", royalty.StatusUnpaid)}
	src.mu.Lock()
	kept := src.records
	src.records = replacement
	src.mu.Unlock()
	_, err := ledger.LoadAll(context.Background())
	require.NoError(t, err)
	src.setRecords(kept...)

	close(src.payGate)
	res := <-done

	assert.False(t, res.Patched)
	snap := ledger.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, royalty.RoyaltyID(3), snap[0].RoyaltyID)
	assert.False(t, pc.InFlight(1))
}
