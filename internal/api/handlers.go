package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/experiment"
)

type submitRequest struct {
	ParticipantID string           `json:"participant_id"`
	Contribution  *decimal.Decimal `json:"contribution"`
}

// handleHealth reports liveness and the in-memory status without touching the ledger.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	roundLine, sessionLine := a.coordinator.Status()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "ok",
		"round_status":   roundLine,
		"session_status": sessionLine,
	})
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Contribution == nil {
		http.Error(w, "missing contribution", http.StatusBadRequest)
		return
	}

	res, err := a.coordinator.Submit(r.Context(), req.ParticipantID, *req.Contribution)
	if err != nil {
		a.logger.Error("Submission failed",
			zap.String("participant", strings.TrimSpace(req.ParticipantID)),
			zap.Error(err))
		writeRetry(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := a.coordinator.Refresh(r.Context())
	if err != nil {
		a.logger.Error("Refresh failed", zap.Error(err))
		writeRetry(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAdminLedger exports every record of every session.
func (a *API) handleAdminLedger(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	records, err := a.ledger.ReadAll(r.Context())
	if err != nil {
		a.logger.Error("Ledger export failed", zap.Error(err))
		writeRetry(w)
		return
	}

	rows := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rec.Map())
	}
	a.logger.Info("Ledger exported",
		zap.String("operator", claims.UserID),
		zap.Int("rows", len(rows)))
	writeJSON(w, http.StatusOK, rows)
}

func writeRetry(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, experiment.Result{Message: experiment.RetryMessage})
}
