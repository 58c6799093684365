package handler

import (
	"log/slog"
	"net/http"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/redemption"
)

// BasketHandler serves the basket composition endpoint.
type BasketHandler struct {
	cache     domain.SnapshotCache
	snapshots redemption.Snapshotter
	logger    *slog.Logger
}

// NewBasketHandler creates a BasketHandler. Reads prefer the cache; a miss
// falls through to a fresh snapshot, which is then cached for the next read.
func NewBasketHandler(cache domain.SnapshotCache, snapshots redemption.Snapshotter, logger *slog.Logger) *BasketHandler {
	return &BasketHandler{
		cache:     cache,
		snapshots: snapshots,
		logger:    logHandler(logger, "basket"),
	}
}

// Get returns the current basket snapshot with per-asset weights and drift.
// GET /api/basket
func (h *BasketHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.cache.Get(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "snapshot cache read failed",
			slog.String("error", err.Error()),
		)
	}

	if snap == nil {
		fresh, err := h.snapshots.Snapshot(r.Context())
		if err != nil {
			h.logger.ErrorContext(r.Context(), "snapshot failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusServiceUnavailable, "basket valuation unavailable")
			return
		}
		snap = &fresh

		if err := h.cache.Set(r.Context(), fresh); err != nil {
			h.logger.WarnContext(r.Context(), "snapshot cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"assets":            snap.PerAsset,
		"totalValue":        snap.TotalValue,
		"pricePerShare":     snap.PricePerShare,
		"priceDefined":      snap.PricePerShareDefined,
		"circulatingShares": snap.CirculatingShares,
		"maxDriftBps":       snap.MaxDriftBps(),
		"takenAt":           snap.TakenAt,
	})
}
