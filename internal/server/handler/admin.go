package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rose-token/vaultd/internal/domain"
	"github.com/rose-token/vaultd/internal/guard"
	"github.com/rose-token/vaultd/internal/notify"
	"github.com/rose-token/vaultd/internal/redemption"
)

// AdminHandler serves the operator endpoints: pause, resume, and the
// administrative cancel of a stuck redemption request.
type AdminHandler struct {
	guard    *guard.Supervisor
	service  *redemption.Service
	audit    domain.AuditStore
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	g *guard.Supervisor,
	service *redemption.Service,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		guard:    g,
		service:  service,
		audit:    audit,
		notifier: notifier,
		logger:   logHandler(logger, "admin"),
	}
}

// Pause sets the global pause flag. All mutating vault operations reject
// until Resume.
// POST /api/admin/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// Resume clears the global pause flag.
// POST /api/admin/resume
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *AdminHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if err := h.guard.SetPaused(r.Context(), paused); err != nil {
		h.logger.ErrorContext(r.Context(), "set pause failed",
			slog.Bool("paused", paused),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update pause flag")
		return
	}

	event, title := "vault_resumed", "Vault resumed"
	if paused {
		event, title = "vault_paused", "Vault paused"
	}

	if err := h.audit.Log(r.Context(), "admin."+event, map[string]any{
		"paused": paused,
	}); err != nil {
		h.logger.WarnContext(r.Context(), "audit log failed", slog.String("error", err.Error()))
	}
	// Pause flips are operator-critical; bypass the event allow-list.
	_ = h.notifier.NotifyAll(r.Context(), title, "operator toggled the vault pause flag")

	writeJSON(w, http.StatusOK, map[string]any{"paused": paused})
}

// CancelRedemption cancels a pending redemption request.
// POST /api/admin/redemption/{id}/cancel
func (h *AdminHandler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	if err := h.service.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "redemption request not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "request is not pending")
		default:
			h.logger.ErrorContext(r.Context(), "cancel failed",
				slog.Int64("request_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": id,
		"status":    string(domain.RedemptionCancelled),
	})
}
