/*
handlers.go - HTTP API handlers for the royalty ledger service

PURPOSE:
  Exposes the royalty ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the royalty controllers, which in
  turn drive the SQLite ledger service.

ENDPOINTS:
  Royalties:
    GET    /api/royalties                 Full ledger (JSON array)
    GET    /api/royalties?page=N          One page plus page-number window
    GET    /api/royalties/{id}            One royalty
    POST   /api/royalties/calculate       Recalculate, then reload the ledger
    POST   /api/royalties/{id}/pay        Pay one royalty {"payer_id": "..."}

  History:
    GET    /api/payments                  Payment log
    GET    /api/calculation-runs          Recent calculations

  Catalog:
    GET    /api/songs                     Songs with stream totals
    POST   /api/songs                     Create or update a song
    POST   /api/songs/{id}/streams        Report plays

  Scenarios:
    GET    /api/scenarios                 List demo scenarios
    POST   /api/scenarios/load            Load a demo scenario
    POST   /api/scenarios/reset           Clear all data

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: SQLite ledger service (authoritative)
  - Ledger: In-memory snapshot, kept in step with Store by reloading
    after every change that goes through this handler
  - Recompute / Payments: Controllers with the in-flight guarantees
  - Events / Metrics: Best-effort side channels

  The full list is read from Store so API clients always see the
  authoritative ledger. The paged view is rendered from the snapshot and
  flags rows with a payment in flight.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Royalty or song not found
  - 409: Already paid, or a payment for the record is in flight
  - 502: Payment rejected by the payment step
  - 500: Recalculation / reload / internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/royalty-engine/events"
	"github.com/warp/royalty-engine/observability"
	"github.com/warp/royalty-engine/royalty"
	"github.com/warp/royalty-engine/store/sqlite"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of royalties per page.
const DefaultPageSize = 10

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Ledger    *royalty.LedgerStore
	Recompute *royalty.RecomputeController
	Payments  *royalty.PaymentController
	Events    events.Publisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	PageSize  int

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// HandlerOptions configures NewHandler. Zero values get defaults.
type HandlerOptions struct {
	Logger   *zap.Logger
	Events   events.Publisher
	Metrics  *observability.Metrics
	PageSize int
	Payment  royalty.PaymentOptions
}

// NewHandler creates a new handler over the given store.
func NewHandler(store *sqlite.Store, opts HandlerOptions) (*Handler, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.PageSize < 1 {
		opts.PageSize = DefaultPageSize
	}

	ledger := royalty.NewLedgerStore(store, opts.Logger)
	payments, err := royalty.NewPaymentController(ledger, store, opts.Logger, opts.Payment)
	if err != nil {
		return nil, err
	}

	return &Handler{
		Store:     store,
		Ledger:    ledger,
		Recompute: royalty.NewRecomputeController(ledger, store, opts.Logger),
		Payments:  payments,
		Events:    opts.Events,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
		PageSize:  opts.PageSize,
	}, nil
}

// Close releases the payment workers.
func (h *Handler) Close() {
	h.Payments.Close()
}

// LoadLedger replaces the in-memory ledger with the store's.
func (h *Handler) LoadLedger(ctx context.Context) error {
	records, err := h.Ledger.LoadAll(ctx)
	if err != nil {
		h.Metrics.LedgerLoads.WithLabelValues("error").Inc()
		return err
	}
	h.observeLedger(records)
	return nil
}

func (h *Handler) observeLedger(records []royalty.Record) {
	unpaid := 0
	for _, r := range records {
		if !r.IsPaid() {
			unpaid++
		}
	}
	h.Metrics.ObserveLedger(len(records), unpaid, h.Ledger.Generation())
}

// Recalculate runs a recalculation and reload, then publishes the result.
// trigger labels the metrics ("api", "scheduler", "scenario").
func (h *Handler) Recalculate(ctx context.Context, trigger string) (CalculationSummaryDTO, error) {
	started := time.Now()
	err := h.Recompute.RecomputeAll(ctx)
	h.Metrics.ObserveRecalculation(trigger, started, err)
	if err != nil {
		if errors.Is(err, royalty.ErrFetch) {
			h.Metrics.LedgerLoads.WithLabelValues("error").Inc()
		}
		return CalculationSummaryDTO{}, err
	}

	records := h.Ledger.Snapshot()
	h.observeLedger(records)

	summary := CalculationSummaryDTO{
		Records:      len(records),
		TotalUnpaid:  decimal.Zero,
		Generation:   h.Ledger.Generation(),
		CalculatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, r := range records {
		if !r.IsPaid() {
			summary.Unpaid++
			summary.TotalUnpaid = summary.TotalUnpaid.Add(r.RoyaltyAmount)
		}
	}

	evt := events.Calculated{
		Records:      summary.Records,
		Unpaid:       summary.Unpaid,
		TotalUnpaid:  summary.TotalUnpaid,
		Generation:   summary.Generation,
		CalculatedAt: started.UTC(),
	}
	if err := h.Events.PublishCalculated(ctx, evt); err != nil {
		h.Logger.Warn("publish calculated event failed", zap.Error(err))
	}
	return summary, nil
}

// =============================================================================
// ROYALTY HANDLERS
// =============================================================================

// ListRoyalties returns the full ledger, or one page of it when ?page is set.
func (h *Handler) ListRoyalties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("page") == "" {
		records, err := h.Store.FetchRoyalties(r.Context())
		if err != nil {
			writeCodedError(w, http.StatusInternalServerError, CodeFetch, "Failed to load royalties", err)
			return
		}
		writeJSON(w, http.StatusOK, toRoyaltyDTOs(records))
		return
	}

	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "page must be a positive integer", err)
		return
	}
	size := h.PageSize
	if s := q.Get("page_size"); s != "" {
		size, err = strconv.Atoi(s)
		if err != nil || size < 1 {
			writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "page_size must be a positive integer", err)
			return
		}
	}

	view := h.Ledger.Page(page, size)
	dto := toPageDTO(view)
	for i := range dto.Royalties {
		dto.Royalties[i].PaymentInFlight = h.Ledger.InFlight(royalty.RoyaltyID(dto.Royalties[i].RoyaltyID))
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetRoyalty returns one royalty.
func (h *Handler) GetRoyalty(w http.ResponseWriter, r *http.Request) {
	id, err := royalty.ParseRoyaltyID(chi.URLParam(r, "id"))
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid royalty id", err)
		return
	}

	rec, err := h.Store.GetRoyalty(r.Context(), id)
	if err != nil {
		writeRoyaltyError(w, err)
		return
	}

	dto := toRoyaltyDTO(rec)
	dto.PaymentInFlight = h.Ledger.InFlight(id)
	writeJSON(w, http.StatusOK, dto)
}

// CalculateRoyalties recalculates every royalty and reloads the ledger.
func (h *Handler) CalculateRoyalties(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Recalculate(r.Context(), "api")
	if err != nil {
		h.Logger.Error("recalculation failed", zap.Error(err))
		writeRoyaltyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// PayRoyalty pays one royalty.
func (h *Handler) PayRoyalty(w http.ResponseWriter, r *http.Request) {
	id, err := royalty.ParseRoyaltyID(chi.URLParam(r, "id"))
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid royalty id", err)
		return
	}

	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", err)
		return
	}
	payer := strings.TrimSpace(req.PayerID)
	if payer == "" {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "payer_id is required", nil)
		return
	}

	started := time.Now()
	h.Metrics.PaymentsInFlight.Inc()
	res, err := h.Payments.PayRoyalty(r.Context(), id, royalty.PayerID(payer))
	h.Metrics.PaymentsInFlight.Dec()
	h.Metrics.ObservePayment(paymentResultLabel(err), started)
	if err != nil {
		writeRoyaltyError(w, err)
		return
	}

	evt := events.Paid{
		PaymentID: res.Receipt.PaymentID,
		RoyaltyID: int64(res.Receipt.RoyaltyID),
		PayerID:   string(res.Receipt.PayerID),
		Amount:    res.Receipt.Amount,
		PaidAt:    res.Receipt.PaidAt,
	}
	if err := h.Events.PublishPaid(r.Context(), evt); err != nil {
		h.Logger.Warn("publish paid event failed", zap.Stringer("royalty_id", id), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, toPaymentDTO(res.Receipt))
}

func paymentResultLabel(err error) string {
	var inProgress *royalty.AlreadyInProgressError
	switch {
	case err == nil:
		return "paid"
	case errors.As(err, &inProgress):
		return "in_progress"
	case errors.Is(err, royalty.ErrAlreadyPaid):
		return "already_paid"
	case royalty.IsNotFound(err):
		return "not_found"
	default:
		return "failed"
	}
}

// =============================================================================
// HISTORY HANDLERS
// =============================================================================

// ListPayments returns the payment log.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Store.ListPayments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListCalculationRuns returns recent calculation runs, newest first.
func (h *Handler) ListCalculationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListCalculationRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list calculation runs", err)
		return
	}

	dtos := make([]CalculationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toCalculationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListSongs returns all songs with their stream totals.
func (h *Handler) ListSongs(w http.ResponseWriter, r *http.Request) {
	songs, err := h.Store.ListSongs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list songs", err)
		return
	}

	dtos := make([]SongDTO, len(songs))
	for i, s := range songs {
		dtos[i] = toSongDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSong creates or updates a song.
func (h *Handler) CreateSong(w http.ResponseWriter, r *http.Request) {
	var req CreateSongRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", err)
		return
	}
	if req.SongID <= 0 || req.ArtistID <= 0 {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "song_id and artist_id must be positive", nil)
		return
	}

	song := sqlite.Song{
		SongID:   royalty.SongID(req.SongID),
		ArtistID: royalty.ArtistID(req.ArtistID),
		Title:    strings.TrimSpace(req.Title),
	}
	if err := h.Store.SaveSong(r.Context(), song); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save song", err)
		return
	}

	writeJSON(w, http.StatusCreated, SongDTO{
		SongID:   req.SongID,
		ArtistID: req.ArtistID,
		Title:    song.Title,
	})
}

// RecordStreams appends plays to a song. Royalties change on the next
// calculation, not here.
func (h *Handler) RecordStreams(w http.ResponseWriter, r *http.Request) {
	songID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || songID <= 0 {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid song id", err)
		return
	}

	var req RecordStreamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", err)
		return
	}

	at := time.Now().UTC()
	if req.StreamedAt != "" {
		at, err = time.Parse(time.RFC3339, req.StreamedAt)
		if err != nil {
			writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid streamed_at, expected RFC 3339", err)
			return
		}
	}

	err = h.Store.RecordStreams(r.Context(), royalty.SongID(songID), req.Count, at)
	switch {
	case errors.Is(err, sqlite.ErrInvalidStreams):
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "count must be positive", err)
		return
	case errors.Is(err, sqlite.ErrSongNotFound):
		writeCodedError(w, http.StatusNotFound, CodeNotFound, "Song not found", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to record streams", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"song_id":     songID,
		"count":       req.Count,
		"streamed_at": at.Format(time.RFC3339),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"ledger_records":     h.Ledger.Len(),
		"ledger_generation":  h.Ledger.Generation(),
		"payments_in_flight": h.Ledger.InFlightCount(),
	})
}

// ResetDatabase clears all data (dev only).
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if h.Ledger.InFlightCount() > 0 {
		writeCodedError(w, http.StatusConflict, CodeInProgress, "Payments are in flight", nil)
		return
	}
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := h.LoadLedger(r.Context()); err != nil {
		writeRoyaltyError(w, err)
		return
	}

	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeCodedError(w, status, "", message, err)
}

func writeCodedError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeRoyaltyError maps royalty errors onto status codes.
// Already-paid is checked before payment-failed: a rejected second
// payment carries both.
func writeRoyaltyError(w http.ResponseWriter, err error) {
	var inProgress *royalty.AlreadyInProgressError
	switch {
	case errors.As(err, &inProgress):
		writeCodedError(w, http.StatusConflict, CodeInProgress,
			fmt.Sprintf("A payment for royalty %s is already in progress", inProgress.RoyaltyID), err)
	case errors.Is(err, royalty.ErrAlreadyPaid):
		writeCodedError(w, http.StatusConflict, CodeAlreadyPaid, "Royalty already paid", err)
	case royalty.IsNotFound(err):
		writeCodedError(w, http.StatusNotFound, CodeNotFound, "Royalty not found", err)
	case errors.Is(err, royalty.ErrPaymentFailed):
		writeCodedError(w, http.StatusBadGateway, CodePaymentFailed, "Payment failed", err)
	case errors.Is(err, royalty.ErrRecompute):
		writeCodedError(w, http.StatusInternalServerError, CodeRecalculate, "Failed to recalculate royalties", err)
	case errors.Is(err, royalty.ErrFetch):
		writeCodedError(w, http.StatusInternalServerError, CodeFetch, "Failed to load royalties", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Timed out", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) scenario() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentScenario
}
