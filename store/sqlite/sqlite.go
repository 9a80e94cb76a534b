/*
Package sqlite provides the SQLite-backed royalty ledger service.

PURPOSE:
  Implements royalty.Source on top of SQLite. This is the authoritative
  side of the workflow: it owns the song catalog, stream counts, the
  royalty ledger and the payment log. The HTTP API serves it; the core's
  LedgerStore only ever holds a copy.

KEY TABLES:
  songs:            Catalog (song -> artist)
  streams:          Play counts, appended as they are reported
  royalties:        Current ledger, one UNPAID row per song at most
  payments:         Append-only payment log, one row per royalty
  calculation_runs: One row per CalculateRoyalties call

PRICING:
  Streams not yet covered by a PAID royalty are priced at the store's
  rate per stream. A calculation creates, replaces, or drops the song's
  UNPAID row so it always equals what is still owed. PAID rows are never
  touched, so paid streams are never priced twice.

PAYMENTS:
  PayRoyalty runs in one transaction: read status, insert the payment,
  flip the status. A second payment for the same royalty fails with
  royalty.ErrAlreadyPaid, both from the status check and from the unique
  index on payments.royalty_id.

CONCURRENCY:
  sync.RWMutex around writes plus a single database connection, so an
  in-memory database is shared by every caller.

USAGE:
  store, err := sqlite.New("./data/royalties.db",
      sqlite.WithRatePerStream(decimal.RequireFromString("0.004")))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - royalty/source.go: Interface implemented here
  - royalty/store/memory.go: Same pricing, in memory
  - api/handlers.go: HTTP surface
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/royalty-engine/royalty"
)

// DefaultRatePerStream is used when no rate is configured.
var DefaultRatePerStream = decimal.RequireFromString("0.01")

var (
	// ErrSongNotFound is returned when streams are reported for an unknown song.
	ErrSongNotFound = errors.New("song not found")

	// ErrInvalidStreams is returned for a non-positive stream count.
	ErrInvalidStreams = errors.New("stream count must be positive")
)

// Store implements royalty.Source using SQLite.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	rate decimal.Decimal
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRatePerStream sets the price of one stream.
func WithRatePerStream(rate decimal.Decimal) Option {
	return func(s *Store) { s.rate = rate }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:   db,
		rate: DefaultRatePerStream,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.rate.IsNegative() {
		db.Close()
		return nil, fmt.Errorf("rate per stream must not be negative, got %s", store.rate)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RatePerStream returns the configured price of one stream.
func (s *Store) RatePerStream() decimal.Decimal { return s.rate }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS songs (
		song_id INTEGER PRIMARY KEY,
		artist_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_songs_artist
		ON songs(artist_id);

	-- Streams (append-only play counts)
	CREATE TABLE IF NOT EXISTS streams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		song_id INTEGER NOT NULL REFERENCES songs(song_id),
		count INTEGER NOT NULL CHECK (count > 0),
		streamed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_streams_song
		ON streams(song_id);

	-- Royalty ledger
	CREATE TABLE IF NOT EXISTS royalties (
		royalty_id INTEGER PRIMARY KEY AUTOINCREMENT,
		song_id INTEGER NOT NULL REFERENCES songs(song_id),
		artist_id INTEGER NOT NULL,
		total_streams INTEGER NOT NULL CHECK (total_streams >= 0),
		royalty_amount TEXT NOT NULL,
		calculated_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'UNPAID' CHECK (status IN ('UNPAID', 'PAID'))
	);

	-- At most one open (unpaid) royalty per song
	CREATE UNIQUE INDEX IF NOT EXISTS idx_royalties_one_unpaid
		ON royalties(song_id) WHERE status = 'UNPAID';

	CREATE INDEX IF NOT EXISTS idx_royalties_status
		ON royalties(status);

	-- Payments (append-only, one per royalty)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		royalty_id INTEGER NOT NULL UNIQUE REFERENCES royalties(royalty_id),
		payer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL
	);

	-- Calculation runs (audit of CalculateRoyalties)
	CREATE TABLE IF NOT EXISTS calculation_runs (
		id TEXT PRIMARY KEY,
		rate_per_stream TEXT NOT NULL,
		royalties_written INTEGER NOT NULL DEFAULT 0,
		royalties_dropped INTEGER NOT NULL DEFAULT 0,
		total_owed TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a transaction, rolling back if it returns an error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Reset deletes all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"payments", "royalties", "streams", "calculation_runs", "songs"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		// Restart royalty ids at 1.
		_, err := tx.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name IN ('royalties', 'streams')")
		if err != nil && !strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("reset sequences: %w", err)
		}
		return nil
	})
}

// =============================================================================
// SONG CATALOG
// =============================================================================

// Song is a catalog entry.
type Song struct {
	SongID    royalty.SongID
	ArtistID  royalty.ArtistID
	Title     string
	CreatedAt time.Time
}

// SaveSong creates or updates a song.
func (s *Store) SaveSong(ctx context.Context, song Song) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if song.SongID <= 0 || song.ArtistID <= 0 {
		return fmt.Errorf("song and artist ids must be positive")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO songs (song_id, artist_id, title, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(song_id) DO UPDATE SET artist_id = excluded.artist_id, title = excluded.title
	`, song.SongID, song.ArtistID, song.Title, s.now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save song: %w", err)
	}
	return nil
}

// ListSongs returns all songs with their total stream counts.
func (s *Store) ListSongs(ctx context.Context) ([]SongStreams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.song_id, s.artist_id, s.title, s.created_at, COALESCE(SUM(st.count), 0)
		FROM songs s
		LEFT JOIN streams st ON st.song_id = s.song_id
		GROUP BY s.song_id
		ORDER BY s.song_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list songs: %w", err)
	}
	defer rows.Close()

	var songs []SongStreams
	for rows.Next() {
		var ss SongStreams
		var createdAt string
		if err := rows.Scan(&ss.SongID, &ss.ArtistID, &ss.Title, &createdAt, &ss.TotalStreams); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("song %d: bad created_at %q: %w", ss.SongID, createdAt, err)
		}
		ss.CreatedAt = ts
		songs = append(songs, ss)
	}
	return songs, rows.Err()
}

// SongStreams is a song with its lifetime stream count.
type SongStreams struct {
	Song
	TotalStreams int64
}

// RecordStreams appends count plays of song at the given time.
func (s *Store) RecordStreams(ctx context.Context, songID royalty.SongID, count int64, at time.Time) error {
	if count <= 0 {
		return ErrInvalidStreams
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM songs WHERE song_id = ?", songID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrSongNotFound, songID)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO streams (song_id, count, streamed_at) VALUES (?, ?, ?)",
			songID, count, at.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to record streams: %w", err)
		}
		return nil
	})
}

// =============================================================================
// ROYALTY LEDGER (royalty.Source)
// =============================================================================

// FetchRoyalties returns the whole ledger ordered by royalty id.
func (s *Store) FetchRoyalties(ctx context.Context) ([]royalty.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT royalty_id, song_id, artist_id, total_streams, royalty_amount, calculated_date, status
		FROM royalties
		ORDER BY royalty_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load royalties: %w", err)
	}
	defer rows.Close()

	records := []royalty.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetRoyalty returns one royalty or *royalty.NotFoundError.
func (s *Store) GetRoyalty(ctx context.Context, id royalty.RoyaltyID) (royalty.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT royalty_id, song_id, artist_id, total_streams, royalty_amount, calculated_date, status
		FROM royalties
		WHERE royalty_id = ?
	`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return royalty.Record{}, &royalty.NotFoundError{RoyaltyID: id}
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (royalty.Record, error) {
	var (
		r              royalty.Record
		amount, status string
		calculatedDate string
	)
	if err := row.Scan(&r.RoyaltyID, &r.SongID, &r.ArtistID, &r.TotalStreams, &amount, &calculatedDate, &status); err != nil {
		return royalty.Record{}, err
	}

	var err error
	if r.RoyaltyAmount, err = decimal.NewFromString(amount); err != nil {
		return royalty.Record{}, fmt.Errorf("royalty %d: bad amount %q: %w", r.RoyaltyID, amount, err)
	}
	if r.CalculatedDate, err = time.Parse(time.RFC3339Nano, calculatedDate); err != nil {
		return royalty.Record{}, fmt.Errorf("royalty %d: bad calculated_date %q: %w", r.RoyaltyID, calculatedDate, err)
	}
	if r.Status, err = royalty.ParseStatus(status); err != nil {
		return royalty.Record{}, err
	}
	return r, nil
}

// CalculateRoyalties prices every song's uncovered streams and records the run.
func (s *Store) CalculateRoyalties(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.now()
	run := CalculationRun{
		ID:            uuid.NewString(),
		RatePerStream: s.rate,
		TotalOwed:     decimal.Zero,
		StartedAt:     started,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		songs, err := loadSongTotals(ctx, tx)
		if err != nil {
			return err
		}
		paid, err := loadSumByStatus(ctx, tx, royalty.StatusPaid)
		if err != nil {
			return err
		}
		unpaid, err := loadUnpaidIDs(ctx, tx)
		if err != nil {
			return err
		}

		date := started.Format(time.RFC3339Nano)
		for _, song := range songs {
			owed := song.TotalStreams - paid[song.SongID]
			openID, hasOpen := unpaid[song.SongID]

			if owed <= 0 {
				if hasOpen {
					if _, err := tx.ExecContext(ctx, "DELETE FROM royalties WHERE royalty_id = ?", openID); err != nil {
						return fmt.Errorf("drop royalty %d: %w", openID, err)
					}
					run.RoyaltiesDropped++
				}
				continue
			}

			amount := s.rate.Mul(decimal.NewFromInt(owed))
			if hasOpen {
				_, err = tx.ExecContext(ctx, `
					UPDATE royalties
					SET artist_id = ?, total_streams = ?, royalty_amount = ?, calculated_date = ?
					WHERE royalty_id = ?
				`, song.ArtistID, owed, amount.String(), date, openID)
			} else {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO royalties (song_id, artist_id, total_streams, royalty_amount, calculated_date, status)
					VALUES (?, ?, ?, ?, ?, 'UNPAID')
				`, song.SongID, song.ArtistID, owed, amount.String(), date)
			}
			if err != nil {
				return fmt.Errorf("write royalty for song %d: %w", song.SongID, err)
			}
			run.RoyaltiesWritten++
			run.TotalOwed = run.TotalOwed.Add(amount)
		}

		run.CompletedAt = s.now()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO calculation_runs
			(id, rate_per_stream, royalties_written, royalties_dropped, total_owed, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, run.RatePerStream.String(), run.RoyaltiesWritten, run.RoyaltiesDropped,
			run.TotalOwed.String(), run.StartedAt.Format(time.RFC3339Nano), run.CompletedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("record calculation run: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to calculate royalties: %w", err)
	}
	return nil
}

func loadSongTotals(ctx context.Context, tx *sql.Tx) ([]SongStreams, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT s.song_id, s.artist_id, COALESCE(SUM(st.count), 0)
		FROM songs s
		LEFT JOIN streams st ON st.song_id = s.song_id
		GROUP BY s.song_id
		ORDER BY s.song_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load stream totals: %w", err)
	}
	defer rows.Close()

	var out []SongStreams
	for rows.Next() {
		var ss SongStreams
		if err := rows.Scan(&ss.SongID, &ss.ArtistID, &ss.TotalStreams); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

func loadSumByStatus(ctx context.Context, tx *sql.Tx, status royalty.Status) (map[royalty.SongID]int64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT song_id, SUM(total_streams) FROM royalties WHERE status = ? GROUP BY song_id", status)
	if err != nil {
		return nil, fmt.Errorf("load %s streams: %w", status, err)
	}
	defer rows.Close()

	out := make(map[royalty.SongID]int64)
	for rows.Next() {
		var song royalty.SongID
		var sum int64
		if err := rows.Scan(&song, &sum); err != nil {
			return nil, err
		}
		out[song] = sum
	}
	return out, rows.Err()
}

func loadUnpaidIDs(ctx context.Context, tx *sql.Tx) (map[royalty.SongID]royalty.RoyaltyID, error) {
	rows, err := tx.QueryContext(ctx, "SELECT song_id, royalty_id FROM royalties WHERE status = 'UNPAID'")
	if err != nil {
		return nil, fmt.Errorf("load unpaid royalties: %w", err)
	}
	defer rows.Close()

	out := make(map[royalty.SongID]royalty.RoyaltyID)
	for rows.Next() {
		var song royalty.SongID
		var id royalty.RoyaltyID
		if err := rows.Scan(&song, &id); err != nil {
			return nil, err
		}
		out[song] = id
	}
	return out, rows.Err()
}

// PayRoyalty pays one royalty. Already paid is royalty.ErrAlreadyPaid; an
// unknown id is *royalty.NotFoundError.
func (s *Store) PayRoyalty(ctx context.Context, id royalty.RoyaltyID, payer royalty.PayerID) (royalty.PaymentReceipt, error) {
	if strings.TrimSpace(string(payer)) == "" {
		return royalty.PaymentReceipt{}, fmt.Errorf("payer id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var receipt royalty.PaymentReceipt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status, amount string
		err := tx.QueryRowContext(ctx,
			"SELECT status, royalty_amount FROM royalties WHERE royalty_id = ?", id).Scan(&status, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			return &royalty.NotFoundError{RoyaltyID: id}
		}
		if err != nil {
			return err
		}
		if royalty.Status(status) == royalty.StatusPaid {
			return royalty.ErrAlreadyPaid
		}

		value, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("royalty %s: bad amount %q: %w", id, amount, err)
		}

		receipt = royalty.PaymentReceipt{
			PaymentID: uuid.NewString(),
			RoyaltyID: id,
			PayerID:   payer,
			Amount:    value,
			PaidAt:    s.now(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, royalty_id, payer_id, amount, paid_at)
			VALUES (?, ?, ?, ?, ?)
		`, receipt.PaymentID, id, string(payer), value.String(), receipt.PaidAt.Format(time.RFC3339Nano))
		if err != nil {
			if isUniqueConstraintError(err) {
				return royalty.ErrAlreadyPaid
			}
			return fmt.Errorf("failed to insert payment: %w", err)
		}

		_, err = tx.ExecContext(ctx, "UPDATE royalties SET status = 'PAID' WHERE royalty_id = ?", id)
		return err
	})
	if err != nil {
		return royalty.PaymentReceipt{}, err
	}
	return receipt, nil
}

// =============================================================================
// PAYMENT LOG / CALCULATION RUNS
// =============================================================================

// ListPayments returns every payment, oldest first.
func (s *Store) ListPayments(ctx context.Context) ([]royalty.PaymentReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, royalty_id, payer_id, amount, paid_at FROM payments ORDER BY paid_at, royalty_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []royalty.PaymentReceipt
	for rows.Next() {
		var p royalty.PaymentReceipt
		var payer, amount, paidAt string
		if err := rows.Scan(&p.PaymentID, &p.RoyaltyID, &payer, &amount, &paidAt); err != nil {
			return nil, err
		}
		p.PayerID = royalty.PayerID(payer)
		p.Amount = decimal.RequireFromString(amount)
		p.PaidAt, _ = time.Parse(time.RFC3339Nano, paidAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CalculationRun records one CalculateRoyalties call.
type CalculationRun struct {
	ID               string
	RatePerStream    decimal.Decimal
	RoyaltiesWritten int
	RoyaltiesDropped int
	TotalOwed        decimal.Decimal
	StartedAt        time.Time
	CompletedAt      time.Time
}

// ListCalculationRuns returns runs, most recent first.
func (s *Store) ListCalculationRuns(ctx context.Context, limit int) ([]CalculationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rate_per_stream, royalties_written, royalties_dropped, total_owed, started_at, completed_at
		FROM calculation_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list calculation runs: %w", err)
	}
	defer rows.Close()

	var out []CalculationRun
	for rows.Next() {
		var r CalculationRun
		var rate, owed, started, completed string
		if err := rows.Scan(&r.ID, &rate, &r.RoyaltiesWritten, &r.RoyaltiesDropped, &owed, &started, &completed); err != nil {
			return nil, err
		}
		r.RatePerStream = decimal.RequireFromString(rate)
		r.TotalOwed = decimal.RequireFromString(owed)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
