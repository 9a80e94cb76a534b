package royalty

import "context"

// =============================================================================
// SOURCE - The authoritative ledger service
// =============================================================================

// Source is the ledger service the core talks to. The HTTP client, the
// SQLite-backed service and the in-memory store all implement it.
//
// Source is authoritative: after every FetchRoyalties the local snapshot is
// exactly what it returned.
type Source interface {
	// FetchRoyalties returns the full ledger, in display order.
	FetchRoyalties(ctx context.Context) ([]Record, error)

	// CalculateRoyalties recalculates every royalty. Idempotent.
	CalculateRoyalties(ctx context.Context) error

	// PayRoyalty pays one royalty. Paying a PAID record must fail with
	// ErrAlreadyPaid rather than pay twice.
	PayRoyalty(ctx context.Context, id RoyaltyID, payer PayerID) (PaymentReceipt, error)
}
