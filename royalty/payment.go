/*
payment.go - Single-record payment workflow

PURPOSE:
  Moves one royalty from UNPAID to PAID. At most one attempt per record
  runs at a time; a second attempt on the same record is rejected, not
  queued. Attempts on different records run side by side.

FLOW:
  1. TryMark(id)            -> AlreadyInProgressError if already set
  2. record must exist      -> NotFoundError
     and be UNPAID          -> PaymentFailedError(ErrAlreadyPaid)
  3. Source.PayRoyalty      (runs on the worker pool)
  4. success: PatchStatus(id, PAID) on the current snapshot
     failure: PaymentFailedError, status stays UNPAID
  5. Unmark(id) on every path, including a panic in the Source

CANCELLATION:
  The caller's context only controls how long the caller waits. The
  external call runs on a detached context bounded by the payment timeout,
  so the marker is always cleared when the call resolves, even if nobody
  is waiting for it any more. A payment still queued for a worker when
  its caller gives up is dropped without calling the service.

SEE ALSO:
  - ledger.go: Markers and PatchStatus
  - errors.go: PaymentFailedError, AlreadyInProgressError
*/
package royalty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	DefaultPaymentWorkers = 8
	DefaultPaymentTimeout = 30 * time.Second
)

// PaymentOptions tunes the payment worker pool.
type PaymentOptions struct {
	Workers int
	Timeout time.Duration
}

// PaymentController pays royalties one record at a time.
type PaymentController struct {
	ledger  *LedgerStore
	source  Source
	logger  *zap.Logger
	pool    *ants.Pool
	timeout time.Duration
}

// NewPaymentController creates a controller with its own worker pool.
// Call Close to release the pool.
func NewPaymentController(ledger *LedgerStore, source Source, logger *zap.Logger, opts PaymentOptions) (*PaymentController, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultPaymentWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPaymentTimeout
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("create payment pool: %w", err)
	}

	return &PaymentController{
		ledger:  ledger,
		source:  source,
		logger:  logger,
		pool:    pool,
		timeout: opts.Timeout,
	}, nil
}

// Close releases the worker pool.
func (pc *PaymentController) Close() {
	pc.pool.Release()
}

// InFlight reports whether a payment for id is running.
func (pc *PaymentController) InFlight(id RoyaltyID) bool {
	return pc.ledger.InFlight(id)
}

type attemptResult struct {
	result PaymentResult
	err    error
}

// PayRoyalty pays one royalty on behalf of payer.
func (pc *PaymentController) PayRoyalty(ctx context.Context, id RoyaltyID, payer PayerID) (PaymentResult, error) {
	if !pc.ledger.TryMark(id) {
		return PaymentResult{}, &AlreadyInProgressError{RoyaltyID: id}
	}

	rec, err := pc.ledger.Get(id)
	if err != nil {
		pc.ledger.Unmark(id)
		return PaymentResult{}, err
	}
	if rec.IsPaid() {
		pc.ledger.Unmark(id)
		return PaymentResult{}, &PaymentFailedError{RoyaltyID: id, Reason: "already paid", Err: ErrAlreadyPaid}
	}

	// Submit blocks while every worker is busy, so it runs off the
	// caller's goroutine and the caller can still stop waiting.
	done := make(chan attemptResult, 1)
	go func() {
		err := pc.pool.Submit(func() {
			if ctx.Err() != nil {
				// Nobody is waiting and the service was never called.
				pc.ledger.Unmark(id)
				done <- attemptResult{err: &PaymentFailedError{RoyaltyID: id, Reason: "abandoned before start", Err: ctx.Err()}}
				return
			}
			done <- pc.attempt(ctx, rec, payer)
		})
		if err != nil {
			pc.ledger.Unmark(id)
			done <- attemptResult{err: &PaymentFailedError{RoyaltyID: id, Reason: "payment workers unavailable", Err: err}}
		}
	}()

	select {
	case res := <-done:
		return res.result, res.err
	case <-ctx.Done():
		pc.logger.Info("caller stopped waiting for payment",
			zap.Stringer("royalty_id", id),
			zap.Error(ctx.Err()))
		return PaymentResult{}, fmt.Errorf("royalty %s: stopped waiting for payment: %w", id, ctx.Err())
	}
}

func (pc *PaymentController) attempt(parent context.Context, rec Record, payer PayerID) (out attemptResult) {
	id := rec.RoyaltyID
	defer pc.ledger.Unmark(id)
	defer func() {
		if p := recover(); p != nil {
			pc.logger.Error("payment panicked", zap.Stringer("royalty_id", id), zap.Any("panic", p))
			out = attemptResult{err: &PaymentFailedError{RoyaltyID: id, Reason: fmt.Sprintf("panic: %v", p)}}
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), pc.timeout)
	defer cancel()

	receipt, err := pc.source.PayRoyalty(ctx, id, payer)
	if err != nil {
		pc.logger.Warn("payment failed",
			zap.Stringer("royalty_id", id),
			zap.String("payer_id", string(payer)),
			zap.Error(err))
		return attemptResult{err: &PaymentFailedError{RoyaltyID: id, Reason: err.Error(), Err: err}}
	}

	if receipt.RoyaltyID == 0 {
		receipt.RoyaltyID = id
	}
	if receipt.PayerID == "" {
		receipt.PayerID = payer
	}
	if receipt.Amount.IsZero() {
		receipt.Amount = rec.RoyaltyAmount
	}

	patched := true
	if err := pc.ledger.PatchStatus(id, StatusPaid); err != nil {
		// A reload dropped the record while we were paying. The payment
		// itself went through, so this is not a failure.
		patched = false
		pc.logger.Warn("paid royalty no longer in snapshot",
			zap.Stringer("royalty_id", id),
			zap.Error(err))
	}

	pc.logger.Info("royalty paid",
		zap.Stringer("royalty_id", id),
		zap.String("payer_id", string(payer)),
		zap.String("amount", receipt.Amount.String()),
		zap.String("payment_id", receipt.PaymentID))

	return attemptResult{result: PaymentResult{Receipt: receipt, Patched: patched}}
}

// PayMany starts one payment per id in overlapping time windows and waits
// for all of them. Outcomes are returned in the order of ids.
func (pc *PaymentController) PayMany(ctx context.Context, ids []RoyaltyID, payer PayerID) []PaymentOutcome {
	outcomes := make([]PaymentOutcome, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id RoyaltyID) {
			defer wg.Done()
			res, err := pc.PayRoyalty(ctx, id, payer)
			outcomes[i] = PaymentOutcome{RoyaltyID: id, Result: res, Err: err}
		}(i, id)
	}
	wg.Wait()

	return outcomes
}
