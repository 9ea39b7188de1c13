package admin

import (
	"errors"
	"net/http"

	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/provider"
	"github.com/digkill/NeuroMeter/internal/quota"
	"github.com/digkill/NeuroMeter/internal/registry"
	"github.com/digkill/NeuroMeter/internal/service"
)

type errorResponse struct {
	Error     string `json:"error"`
	Available *int64 `json:"available,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
	ResetAt   string `json:"reset_at,omitempty"`
}

// writeError maps domain errors to statuses. Anything unrecognized gets fallback.
func (s *Server) writeError(w http.ResponseWriter, err error, fallback int) {
	var (
		insufficient *ledger.InsufficientTokensError
		exceeded     *quota.ExceededError
	)
	switch {
	case errors.As(err, &insufficient):
		s.writeJSON(w, http.StatusPaymentRequired, errorResponse{
			Error:     "insufficient tokens",
			Available: &insufficient.Available,
			Requested: &insufficient.Requested,
		})
	case errors.As(err, &exceeded):
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   exceeded.Message(),
			ResetAt: exceeded.ResetAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrSubscriptionNotFound),
		errors.Is(err, service.ErrPlanNotFound),
		errors.Is(err, service.ErrModelCostNotFound),
		errors.Is(err, service.ErrPromoInvalid),
		errors.Is(err, ledger.ErrRequestNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrPromoExhausted),
		errors.Is(err, service.ErrPromoAlreadyRedeemed):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, registry.ErrConfigMissing),
		errors.Is(err, service.ErrUnknownFlag),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, jobs.ErrPromptRequired),
		errors.Is(err, jobs.ErrInvalidUnits),
		errors.Is(err, ledger.ErrInvalidAmount):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrNoProvider):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, provider.ErrTransient), errors.Is(err, provider.ErrPermanent):
		s.log.Warn("provider error", "err", err)
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "provider request failed"})
	case fallback >= http.StatusInternalServerError:
		s.log.Error("handler error", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), fallback)
	}
}
