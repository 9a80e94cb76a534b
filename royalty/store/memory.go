// Package store provides in-memory ledger service implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/royalty-engine/royalty"
)

// =============================================================================
// MEMORY LEDGER SERVICE - In-memory royalty.Source (for testing/dev)
// =============================================================================

// Memory is an authoritative ledger service kept in memory. It prices
// streams the same way the SQLite service does.
type Memory struct {
	mu       sync.RWMutex
	rate     decimal.Decimal
	now      func() time.Time
	songs    map[royalty.SongID]royalty.ArtistID
	streams  map[royalty.SongID]int64
	records  []royalty.Record
	payments map[royalty.RoyaltyID]royalty.PaymentReceipt
	nextID   royalty.RoyaltyID
}

// NewMemory creates an empty service pricing each stream at rate.
func NewMemory(rate decimal.Decimal) *Memory {
	return &Memory{
		rate:     rate,
		now:      func() time.Time { return time.Now().UTC() },
		songs:    make(map[royalty.SongID]royalty.ArtistID),
		streams:  make(map[royalty.SongID]int64),
		payments: make(map[royalty.RoyaltyID]royalty.PaymentReceipt),
		nextID:   1,
	}
}

// SetClock replaces the time source. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddSong registers a song and its artist.
func (m *Memory) AddSong(song royalty.SongID, artist royalty.ArtistID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.songs[song] = artist
}

// AddStreams records n more plays of song.
func (m *Memory) AddStreams(song royalty.SongID, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[song] += n
}

// Replace overwrites the ledger wholesale, as an outside actor would.
func (m *Memory) Replace(records []royalty.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append([]royalty.Record{}, records...)
	for _, r := range records {
		if r.RoyaltyID >= m.nextID {
			m.nextID = r.RoyaltyID + 1
		}
	}
}

// FetchRoyalties returns the ledger ordered by royalty id.
func (m *Memory) FetchRoyalties(_ context.Context) ([]royalty.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]royalty.Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

// CalculateRoyalties prices every song's uncovered streams. Streams already
// covered by a PAID royalty are never priced again; the song's UNPAID row is
// created, replaced, or dropped to match what is still owed.
func (m *Memory) CalculateRoyalties(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	songs := make([]royalty.SongID, 0, len(m.songs))
	for s := range m.songs {
		songs = append(songs, s)
	}
	sort.Slice(songs, func(i, j int) bool { return songs[i] < songs[j] })

	for _, song := range songs {
		var covered int64
		unpaid := -1
		for i, r := range m.records {
			if r.SongID != song {
				continue
			}
			if r.IsPaid() {
				covered += r.TotalStreams
			} else {
				unpaid = i
			}
		}

		owed := m.streams[song] - covered
		if owed <= 0 {
			if unpaid >= 0 {
				m.records = append(m.records[:unpaid], m.records[unpaid+1:]...)
			}
			continue
		}

		rec := royalty.Record{
			SongID:         song,
			ArtistID:       m.songs[song],
			TotalStreams:   owed,
			RoyaltyAmount:  m.rate.Mul(decimal.NewFromInt(owed)),
			CalculatedDate: now,
			Status:         royalty.StatusUnpaid,
		}
		if unpaid >= 0 {
			rec.RoyaltyID = m.records[unpaid].RoyaltyID
			m.records[unpaid] = rec
			continue
		}
		rec.RoyaltyID = m.nextID
		m.nextID++
		m.records = append(m.records, rec)
	}

	sort.SliceStable(m.records, func(i, j int) bool {
		return m.records[i].RoyaltyID < m.records[j].RoyaltyID
	})
	return nil
}

// PayRoyalty marks one royalty as paid. Paying twice is ErrAlreadyPaid.
func (m *Memory) PayRoyalty(_ context.Context, id royalty.RoyaltyID, payer royalty.PayerID) (royalty.PaymentReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		if m.records[i].RoyaltyID != id {
			continue
		}
		if m.records[i].IsPaid() {
			return royalty.PaymentReceipt{}, royalty.ErrAlreadyPaid
		}
		m.records[i].Status = royalty.StatusPaid
		receipt := royalty.PaymentReceipt{
			PaymentID: uuid.NewString(),
			RoyaltyID: id,
			PayerID:   payer,
			Amount:    m.records[i].RoyaltyAmount,
			PaidAt:    m.now(),
		}
		m.payments[id] = receipt
		return receipt, nil
	}
	return royalty.PaymentReceipt{}, &royalty.NotFoundError{RoyaltyID: id}
}

// Payments returns every receipt issued, ordered by royalty id.
func (m *Memory) Payments() []royalty.PaymentReceipt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]royalty.PaymentReceipt, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoyaltyID < out[j].RoyaltyID })
	return out
}
