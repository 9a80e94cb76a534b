/*
ledger.go - In-memory ledger snapshot

PURPOSE:
  LedgerStore holds the last good copy of the royalty ledger and the
  per-record in-flight markers used by payments. It is the only place
  records are mutated locally.

CRITICAL INVARIANTS:
  1. ATOMIC REPLACE: LoadAll swaps the whole snapshot under the lock.
     Readers see the old ledger or the new one, never a mix.
  2. FAILED LOAD KEEPS STATE: A failed fetch leaves the snapshot as it was.
  3. PATCH BY ID: PatchStatus looks the record up in the current snapshot
     every time. A payment that outlives a reload patches the new data.
  4. ONE-WAY STATUS: PAID is never patched back to UNPAID. Only a reload
     can bring an UNPAID version of a record back.

CONCURRENCY:
  sync.RWMutex. The fetch itself happens outside the lock so readers are
  never blocked on the network.

SEE ALSO:
  - payment.go: Uses TryMark/Unmark and PatchStatus
  - recompute.go: Uses LoadAll
*/
package royalty

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

// LedgerStore is the in-memory royalty ledger.
type LedgerStore struct {
	source Source
	logger *zap.Logger

	mu         sync.RWMutex
	records    []Record
	index      map[RoyaltyID]int
	generation uint64

	inflightMu sync.Mutex
	inflight   map[RoyaltyID]struct{}
}

// NewLedgerStore creates an empty store backed by source.
func NewLedgerStore(source Source, logger *zap.Logger) *LedgerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerStore{
		source:   source,
		logger:   logger,
		index:    make(map[RoyaltyID]int),
		inflight: make(map[RoyaltyID]struct{}),
	}
}

// LoadAll fetches the full ledger and replaces the snapshot.
// On failure the previous snapshot is kept and a *FetchError is returned.
func (l *LedgerStore) LoadAll(ctx context.Context) ([]Record, error) {
	fetched, err := l.source.FetchRoyalties(ctx)
	if err != nil {
		l.logger.Warn("ledger fetch failed, keeping previous snapshot", zap.Error(err))
		return nil, &FetchError{Err: err}
	}

	records := make([]Record, len(fetched))
	copy(records, fetched)
	index, err := buildIndex(records)
	if err != nil {
		l.logger.Warn("ledger fetch rejected", zap.Error(err))
		return nil, &FetchError{Err: err}
	}

	l.mu.Lock()
	l.records = records
	l.index = index
	l.generation++
	gen := l.generation
	l.mu.Unlock()

	l.logger.Debug("ledger replaced",
		zap.Int("records", len(records)),
		zap.Uint64("generation", gen))

	return cloneRecords(records), nil
}

func buildIndex(records []Record) (map[RoyaltyID]int, error) {
	index := make(map[RoyaltyID]int, len(records))
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := index[r.RoyaltyID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoyalty, r.RoyaltyID)
		}
		index[r.RoyaltyID] = i
	}
	return index, nil
}

// PatchStatus sets the status of one record in place. Order and all other
// fields are untouched. Returns *NotFoundError if the id is not in the
// current snapshot.
func (l *LedgerStore) PatchStatus(id RoyaltyID, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[id]
	if !ok {
		return &NotFoundError{RoyaltyID: id}
	}
	current := l.records[i].Status
	if current == StatusPaid && status == StatusUnpaid {
		return fmt.Errorf("%w: royalty %s is already %s", ErrInvalidTransition, id, current)
	}
	l.records[i].Status = status
	return nil
}

// Snapshot returns a copy of the current ledger.
func (l *LedgerStore) Snapshot() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneRecords(l.records)
}

// Get returns one record from the current snapshot.
func (l *LedgerStore) Get(id RoyaltyID) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[id]
	if !ok {
		return Record{}, &NotFoundError{RoyaltyID: id}
	}
	return l.records[i], nil
}

func (l *LedgerStore) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Generation increases by one on every successful LoadAll.
func (l *LedgerStore) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}

// Page returns the records and window for one page of the current snapshot.
func (l *LedgerStore) Page(currentPage, pageSize int) PageView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return NewPageView(l.records, currentPage, pageSize)
}

// =============================================================================
// IN-FLIGHT MARKERS
// =============================================================================

// TryMark sets the in-flight marker for id. It returns false if the marker
// was already set.
func (l *LedgerStore) TryMark(id RoyaltyID) bool {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()

	if _, busy := l.inflight[id]; busy {
		return false
	}
	l.inflight[id] = struct{}{}
	return true
}

// Unmark clears the in-flight marker for id.
func (l *LedgerStore) Unmark(id RoyaltyID) {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	delete(l.inflight, id)
}

// InFlight reports whether a payment for id is running.
func (l *LedgerStore) InFlight(id RoyaltyID) bool {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	_, busy := l.inflight[id]
	return busy
}

// InFlightCount returns the number of records with a payment running.
func (l *LedgerStore) InFlightCount() int {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	return len(l.inflight)
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
