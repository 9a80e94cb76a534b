/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built catalogs that populate the database with songs and
	streams, then run a calculation so the ledger has something to show
	and pay.

AVAILABLE SCENARIOS:

	small-catalog:   Three songs by two artists, one page of royalties
	paged-catalog:   Twenty-three songs, three pages at the default size
	partially-paid:  Small catalog with one royalty paid and new streams
	                 reported afterwards, so a song has a PAID and an
	                 UNPAID row side by side

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create songs
 3. Report streams
 4. Recalculate royalties and reload the ledger
 5. Optionally pay and report more streams

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "paged-catalog"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to scenarioLoader

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
  - store/sqlite/sqlite.go: Pricing of streams
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/royalty-engine/royalty"
	"github.com/warp/royalty-engine/store/sqlite"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-catalog",
		Name:        "Small Catalog",
		Description: "Three songs by two artists; every royalty fits on one page",
	},
	{
		ID:          "paged-catalog",
		Name:        "Paged Catalog",
		Description: "Twenty-three songs, so the ledger spans three pages of ten",
	},
	{
		ID:          "partially-paid",
		Name:        "Partially Paid",
		Description: "One royalty paid, then new streams reported and recalculated",
	},
}

// Streams in every scenario are dated in this month.
var scenarioMonth = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", err)
		return
	}

	loader := h.scenarioLoader(req.ScenarioID)
	if loader == nil {
		writeCodedError(w, http.StatusBadRequest, CodeInvalidRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}
	if h.Ledger.InFlightCount() > 0 {
		writeCodedError(w, http.StatusConflict, CodeInProgress, "Payments are in flight", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := loader(ctx); err != nil {
		h.Logger.Error("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.setScenario(req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scenario":  req.ScenarioID,
		"royalties": h.Ledger.Len(),
	})
}

func (h *Handler) scenarioLoader(id string) func(context.Context) error {
	switch id {
	case "small-catalog":
		return h.loadSmallCatalogScenario
	case "paged-catalog":
		return h.loadPagedCatalogScenario
	case "partially-paid":
		return h.loadPartiallyPaidScenario
	default:
		return nil
	}
}

// =============================================================================
// LOADERS
// =============================================================================

type scenarioSong struct {
	song    royalty.SongID
	artist  royalty.ArtistID
	title   string
	streams int64
}

func (h *Handler) seedCatalog(ctx context.Context, songs []scenarioSong) error {
	for i, s := range songs {
		if err := h.Store.SaveSong(ctx, sqlite.Song{SongID: s.song, ArtistID: s.artist, Title: s.title}); err != nil {
			return fmt.Errorf("save song %d: %w", s.song, err)
		}
		if s.streams == 0 {
			continue
		}
		at := scenarioMonth.AddDate(0, 0, i%28)
		if err := h.Store.RecordStreams(ctx, s.song, s.streams, at); err != nil {
			return fmt.Errorf("record streams for song %d: %w", s.song, err)
		}
	}
	return nil
}

func (h *Handler) loadSmallCatalogScenario(ctx context.Context) error {
	err := h.seedCatalog(ctx, []scenarioSong{
		{song: 101, artist: 201, title: "Monsoon Lines", streams: 10000},
		{song: 102, artist: 201, title: "Night Train to Pune", streams: 5000},
		{song: 103, artist: 202, title: "Paper Kites", streams: 1250},
	})
	if err != nil {
		return err
	}
	_, err = h.Recalculate(ctx, "scenario")
	return err
}

func (h *Handler) loadPagedCatalogScenario(ctx context.Context) error {
	songs := make([]scenarioSong, 0, 23)
	for i := 0; i < 23; i++ {
		songs = append(songs, scenarioSong{
			song:    royalty.SongID(301 + i),
			artist:  royalty.ArtistID(401 + i%4),
			title:   fmt.Sprintf("Track %02d", i+1),
			streams: int64(1000 * (i + 1)),
		})
	}
	if err := h.seedCatalog(ctx, songs); err != nil {
		return err
	}
	_, err := h.Recalculate(ctx, "scenario")
	return err
}

func (h *Handler) loadPartiallyPaidScenario(ctx context.Context) error {
	if err := h.loadSmallCatalogScenario(ctx); err != nil {
		return err
	}

	records := h.Ledger.Snapshot()
	if len(records) == 0 {
		return fmt.Errorf("small catalog produced no royalties")
	}
	if _, err := h.Payments.PayRoyalty(ctx, records[0].RoyaltyID, "demo-admin"); err != nil {
		return fmt.Errorf("pay royalty %s: %w", records[0].RoyaltyID, err)
	}

	// New plays for the paid song after the payment.
	if err := h.Store.RecordStreams(ctx, records[0].SongID, 2500, scenarioMonth.AddDate(0, 1, 0)); err != nil {
		return err
	}
	_, err := h.Recalculate(ctx, "scenario")
	return err
}
