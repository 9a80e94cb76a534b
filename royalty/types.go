/*
Package royalty provides the royalty ledger and payment workflow.

PURPOSE:
  This package holds the in-memory view of the royalty ledger and the two
  controllers that change it: recalculation (full resync with the ledger
  service) and payment (one record at a time). A pure pager windows the
  ledger for display.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: One calculated royalty entitlement for a song/artist pair
  - Status: UNPAID -> PAID, exactly once
  - PaymentReceipt: What the ledger service reports after paying
  - Identifiers: Type-safe royalty/song/artist ids

DESIGN PRINCIPLES:
  1. Precision: Amounts are decimal.Decimal, rounded only for display
  2. Authority: The ledger service owns the data; we hold a snapshot
  3. One-way: Nothing in this package turns PAID back into UNPAID

SEE ALSO:
  - ledger.go: LedgerStore (snapshot + patch)
  - payment.go: PaymentController
  - recompute.go: RecomputeController
  - pager.go: Paginate, ComputePageWindow
*/
package royalty

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RoyaltyID int64

func (id RoyaltyID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseRoyaltyID parses a decimal royalty id as used in URLs and CLI args.
func ParseRoyaltyID(s string) (RoyaltyID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid royalty id %q", s)
	}
	return RoyaltyID(v), nil
}

type SongID int64

type ArtistID int64

// PayerID identifies the admin who authorised a payment.
type PayerID string

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusUnpaid Status = "UNPAID"
	StatusPaid   Status = "PAID"
)

func (s Status) Valid() bool {
	return s == StatusUnpaid || s == StatusPaid
}

// ParseStatus accepts the wire form of a status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown royalty status %q", s)
	}
	return st, nil
}

// =============================================================================
// RECORD
// =============================================================================

// Record is one royalty entitlement. Everything except Status is fixed at
// calculation time; a recalculation replaces the whole record.
type Record struct {
	RoyaltyID      RoyaltyID
	SongID         SongID
	ArtistID       ArtistID
	TotalStreams   int64
	RoyaltyAmount  decimal.Decimal
	CalculatedDate time.Time
	Status         Status
}

func (r Record) IsPaid() bool { return r.Status == StatusPaid }

// Equal compares records field by field. Amounts compare by value so that
// 100 and 100.00 are the same amount.
func (r Record) Equal(o Record) bool {
	return r.RoyaltyID == o.RoyaltyID &&
		r.SongID == o.SongID &&
		r.ArtistID == o.ArtistID &&
		r.TotalStreams == o.TotalStreams &&
		r.RoyaltyAmount.Equal(o.RoyaltyAmount) &&
		r.CalculatedDate.Equal(o.CalculatedDate) &&
		r.Status == o.Status
}

// Validate checks the invariants a record from the ledger service must hold.
func (r Record) Validate() error {
	if r.RoyaltyID <= 0 {
		return fmt.Errorf("royalty id must be positive, got %d", r.RoyaltyID)
	}
	if r.TotalStreams < 0 {
		return fmt.Errorf("royalty %s: negative stream count %d", r.RoyaltyID, r.TotalStreams)
	}
	if r.RoyaltyAmount.IsNegative() {
		return fmt.Errorf("royalty %s: negative amount %s", r.RoyaltyID, r.RoyaltyAmount)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("royalty %s: unknown status %q", r.RoyaltyID, r.Status)
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentReceipt is the ledger service's success payload for a payment.
type PaymentReceipt struct {
	PaymentID string
	RoyaltyID RoyaltyID
	PayerID   PayerID
	Amount    decimal.Decimal
	PaidAt    time.Time
}

// PaymentResult is what PayRoyalty hands back to the caller.
type PaymentResult struct {
	Receipt PaymentReceipt
	// Patched is false when the record vanished from the snapshot (a reload
	// raced the payment) and there was nothing local to mark as paid.
	Patched bool
}

// Amount returns the paid amount.
func (p PaymentResult) Amount() decimal.Decimal { return p.Receipt.Amount }

// PaymentOutcome pairs a royalty id with the result of one attempt.
type PaymentOutcome struct {
	RoyaltyID RoyaltyID
	Result    PaymentResult
	Err       error
}
