/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the royalty domain model from the wire contract, and are shared with the
  HTTP client (client/client.go) so both sides agree on one shape.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Amounts travel as decimal strings ("33.335"), never floats, so the
  client sees exactly what the ledger stores. *_display fields carry the
  rounded, currency-formatted text ("₹33.34") for tables.

DATES:
  RFC 3339 timestamps; *_display fields use yyyy-MM-dd.

SEE ALSO:
  - handlers.go: Uses these types
  - client/client.go: Decodes these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/royalty-engine/royalty"
	"github.com/warp/royalty-engine/store/sqlite"
)

// =============================================================================
// ROYALTIES
// =============================================================================

// RoyaltyDTO is one ledger row.
type RoyaltyDTO struct {
	RoyaltyID      int64           `json:"royalty_id"`
	SongID         int64           `json:"song_id"`
	ArtistID       int64           `json:"artist_id"`
	TotalStreams   int64           `json:"total_streams"`
	RoyaltyAmount  decimal.Decimal `json:"royalty_amount"`
	CalculatedDate string          `json:"calculated_date"`
	Status         string          `json:"status"`

	AmountDisplay   string `json:"amount_display,omitempty"`
	DateDisplay     string `json:"date_display,omitempty"`
	PaymentInFlight bool   `json:"payment_in_flight,omitempty"`
}

// Record converts the DTO back into a domain record.
func (d RoyaltyDTO) Record() (royalty.Record, error) {
	status, err := royalty.ParseStatus(d.Status)
	if err != nil {
		return royalty.Record{}, err
	}
	calculated, err := time.Parse(time.RFC3339, d.CalculatedDate)
	if err != nil {
		return royalty.Record{}, fmt.Errorf("royalty %d: calculated_date %q: %w", d.RoyaltyID, d.CalculatedDate, err)
	}
	return royalty.Record{
		RoyaltyID:      royalty.RoyaltyID(d.RoyaltyID),
		SongID:         royalty.SongID(d.SongID),
		ArtistID:       royalty.ArtistID(d.ArtistID),
		TotalStreams:   d.TotalStreams,
		RoyaltyAmount:  d.RoyaltyAmount,
		CalculatedDate: calculated,
		Status:         status,
	}, nil
}

// RoyaltyPageDTO is one page of the ledger with its page-number window.
type RoyaltyPageDTO struct {
	Royalties    []RoyaltyDTO  `json:"royalties"`
	CurrentPage  int           `json:"current_page"`
	PageSize     int           `json:"page_size"`
	TotalItems   int           `json:"total_items"`
	Window       PageWindowDTO `json:"window"`
	ShowControls bool          `json:"show_controls"`
}

// PageWindowDTO is the block of page numbers to render.
type PageWindowDTO struct {
	StartPage  int   `json:"start_page"`
	EndPage    int   `json:"end_page"`
	TotalPages int   `json:"total_pages"`
	Pages      []int `json:"pages"`
	HasPrev    bool  `json:"has_prev"`
	HasNext    bool  `json:"has_next"`
}

// CalculationSummaryDTO is returned by POST /api/royalties/calculate.
type CalculationSummaryDTO struct {
	Records      int             `json:"records"`
	Unpaid       int             `json:"unpaid"`
	TotalUnpaid  decimal.Decimal `json:"total_unpaid"`
	Generation   uint64          `json:"generation"`
	CalculatedAt string          `json:"calculated_at"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PayRequest is the body of POST /api/royalties/{id}/pay.
type PayRequest struct {
	PayerID string `json:"payer_id"`
}

// PaymentDTO is one payment.
type PaymentDTO struct {
	PaymentID     string          `json:"payment_id"`
	RoyaltyID     int64           `json:"royalty_id"`
	PayerID       string          `json:"payer_id"`
	Amount        decimal.Decimal `json:"amount"`
	AmountDisplay string          `json:"amount_display,omitempty"`
	PaidAt        string          `json:"paid_at"`
}

// Receipt converts the DTO back into a domain receipt.
func (d PaymentDTO) Receipt() (royalty.PaymentReceipt, error) {
	paidAt, err := time.Parse(time.RFC3339, d.PaidAt)
	if err != nil {
		return royalty.PaymentReceipt{}, fmt.Errorf("payment %s: paid_at %q: %w", d.PaymentID, d.PaidAt, err)
	}
	return royalty.PaymentReceipt{
		PaymentID: d.PaymentID,
		RoyaltyID: royalty.RoyaltyID(d.RoyaltyID),
		PayerID:   royalty.PayerID(d.PayerID),
		Amount:    d.Amount,
		PaidAt:    paidAt,
	}, nil
}

// CalculationRunDTO is one recorded calculation.
type CalculationRunDTO struct {
	ID               string          `json:"id"`
	RatePerStream    decimal.Decimal `json:"rate_per_stream"`
	RoyaltiesWritten int             `json:"royalties_written"`
	RoyaltiesDropped int             `json:"royalties_dropped"`
	TotalOwed        decimal.Decimal `json:"total_owed"`
	StartedAt        string          `json:"started_at"`
	CompletedAt      string          `json:"completed_at"`
}

// =============================================================================
// CATALOG
// =============================================================================

// SongDTO is a catalog entry with its lifetime stream count.
type SongDTO struct {
	SongID       int64  `json:"song_id"`
	ArtistID     int64  `json:"artist_id"`
	Title        string `json:"title"`
	TotalStreams int64  `json:"total_streams"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// CreateSongRequest is the request to add or update a song.
type CreateSongRequest struct {
	SongID   int64  `json:"song_id"`
	ArtistID int64  `json:"artist_id"`
	Title    string `json:"title"`
}

// RecordStreamsRequest reports plays of a song.
type RecordStreamsRequest struct {
	Count      int64  `json:"count"`
	StreamedAt string `json:"streamed_at,omitempty"` // RFC 3339; now if empty
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound       = "not_found"
	CodeAlreadyPaid    = "already_paid"
	CodeInProgress     = "payment_in_progress"
	CodePaymentFailed  = "payment_failed"
	CodeRecalculate    = "recalculate_failed"
	CodeFetch          = "fetch_failed"
	CodeInvalidRequest = "invalid_request"
)

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRoyaltyDTO(r royalty.Record) RoyaltyDTO {
	return RoyaltyDTO{
		RoyaltyID:      int64(r.RoyaltyID),
		SongID:         int64(r.SongID),
		ArtistID:       int64(r.ArtistID),
		TotalStreams:   r.TotalStreams,
		RoyaltyAmount:  r.RoyaltyAmount,
		CalculatedDate: r.CalculatedDate.UTC().Format(time.RFC3339),
		Status:         string(r.Status),
		AmountDisplay:  royalty.FormatAmount(r.RoyaltyAmount),
		DateDisplay:    royalty.FormatDate(r.CalculatedDate),
	}
}

func toRoyaltyDTOs(records []royalty.Record) []RoyaltyDTO {
	dtos := make([]RoyaltyDTO, len(records))
	for i, r := range records {
		dtos[i] = toRoyaltyDTO(r)
	}
	return dtos
}

func toPageDTO(view royalty.PageView) RoyaltyPageDTO {
	return RoyaltyPageDTO{
		Royalties:   toRoyaltyDTOs(view.Rows),
		CurrentPage: view.CurrentPage,
		PageSize:    view.PageSize,
		TotalItems:  view.TotalItems,
		Window: PageWindowDTO{
			StartPage:  view.Window.StartPage,
			EndPage:    view.Window.EndPage,
			TotalPages: view.Window.TotalPages,
			Pages:      view.Window.Pages(),
			HasPrev:    view.Window.HasPrev(view.CurrentPage),
			HasNext:    view.Window.HasNext(view.CurrentPage),
		},
		ShowControls: view.Window.ShowControls(),
	}
}

func toPaymentDTO(p royalty.PaymentReceipt) PaymentDTO {
	return PaymentDTO{
		PaymentID:     p.PaymentID,
		RoyaltyID:     int64(p.RoyaltyID),
		PayerID:       string(p.PayerID),
		Amount:        p.Amount,
		AmountDisplay: royalty.FormatAmount(p.Amount),
		PaidAt:        p.PaidAt.UTC().Format(time.RFC3339),
	}
}

func toCalculationRunDTO(r sqlite.CalculationRun) CalculationRunDTO {
	return CalculationRunDTO{
		ID:               r.ID,
		RatePerStream:    r.RatePerStream,
		RoyaltiesWritten: r.RoyaltiesWritten,
		RoyaltiesDropped: r.RoyaltiesDropped,
		TotalOwed:        r.TotalOwed,
		StartedAt:        r.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt:      r.CompletedAt.UTC().Format(time.RFC3339),
	}
}

func toSongDTO(s sqlite.SongStreams) SongDTO {
	dto := SongDTO{
		SongID:       int64(s.SongID),
		ArtistID:     int64(s.ArtistID),
		Title:        s.Title,
		TotalStreams: s.TotalStreams,
	}
	if !s.CreatedAt.IsZero() {
		dto.CreatedAt = s.CreatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}
