package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/service"
)

// handleGrant grants either a plan (plan_id) or an ad-hoc subscription.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	source := req.Source
	if source == "" {
		source = service.SourceAdmin
	}

	var (
		sub *models.Subscription
		err error
	)
	if req.PlanID > 0 {
		sub, err = s.svc.Subscriptions.GrantPlan(r.Context(), userID, req.PlanID, source)
	} else {
		sub, err = s.svc.Subscriptions.Grant(r.Context(), userID, service.GrantInput{
			Type:     req.Type,
			Tokens:   req.Tokens,
			Duration: time.Duration(req.DurationDays) * 24 * time.Hour,
			Price:    req.Price,
			Source:   source,
		})
	}
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Subscriptions.Revoke(r.Context(), id); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	balance, err := s.svc.Subscriptions.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.svc.Subscriptions.History(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []models.AIRequest{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleEnsureUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TelegramID == 0 {
		http.Error(w, "telegram_id required", http.StatusBadRequest)
		return
	}
	user, created, err := s.svc.Users.Ensure(r.Context(), req.TelegramID, req.Username, req.FirstName, req.LastName)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, userResponse{ID: user.ID, TelegramID: user.TelegramID, Username: user.Username, Created: created})
}

func (s *Server) handleRedeemPromo(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := s.svc.Promos.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

type grantRequest struct {
	PlanID       int64                   `json:"plan_id"`
	Type         models.SubscriptionType `json:"type"`
	Tokens       int64                   `json:"tokens"`
	DurationDays int                     `json:"duration_days"`
	Price        decimal.Decimal         `json:"price"`
	Source       string                  `json:"source"`
}

type userRequest struct {
	TelegramID int64  `json:"telegram_id"`
	Username   string `json:"username"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
}

type userResponse struct {
	ID         int64  `json:"id"`
	TelegramID int64  `json:"telegram_id"`
	Username   string `json:"username,omitempty"`
	Created    bool   `json:"created"`
}

type redeemRequest struct {
	Code string `json:"code"`
}
