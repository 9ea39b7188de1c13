package admin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/service"
)

func (s *Server) handleListModelCosts(w http.ResponseWriter, r *http.Request) {
	costs, err := s.svc.ModelCosts.List(r.Context())
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	if costs == nil {
		costs = []models.ModelCost{}
	}
	s.writeJSON(w, http.StatusOK, costs)
}

func (s *Server) handleGetModelCost(w http.ResponseWriter, r *http.Request) {
	mc, err := s.svc.ModelCosts.Get(r.Context(), chi.URLParam(r, "model"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, mc)
}

// handleSaveModelCost creates or replaces a cost row. The model id comes from the path.
func (s *Server) handleSaveModelCost(w http.ResponseWriter, r *http.Request) {
	var req models.ModelCost
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ModelID = chi.URLParam(r, "model")
	mc, err := s.svc.ModelCosts.Save(r.Context(), req)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, mc)
}

func (s *Server) handleDeleteModelCost(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ModelCosts.Delete(r.Context(), chi.URLParam(r, "model")); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	plans, err := s.svc.Plans.List(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	input := service.CreatePlanInput{
		Title:        req.Title,
		Description:  req.Description,
		Type:         req.Type,
		Tokens:       req.Tokens,
		DurationDays: req.DurationDays,
		Price:        req.Price,
		Currency:     req.Currency,
		IsActive:     req.IsActive,
	}
	plan, err := s.svc.Plans.Create(r.Context(), input)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req planUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	input := service.UpdatePlanInput{
		Title:        req.Title,
		Description:  req.Description,
		Tokens:       req.Tokens,
		DurationDays: req.DurationDays,
		Price:        req.Price,
		Currency:     req.Currency,
		IsActive:     req.IsActive,
	}
	plan, err := s.svc.Plans.Update(r.Context(), id, input)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Plans.Delete(r.Context(), id); err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPromos(w http.ResponseWriter, r *http.Request) {
	promos, err := s.svc.Promos.List(r.Context())
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	if promos == nil {
		promos = []models.PromoCode{}
	}
	s.writeJSON(w, http.StatusOK, promos)
}

func (s *Server) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" || req.MaxUses <= 0 || req.PlanID <= 0 {
		http.Error(w, "code, plan_id and max_uses required", http.StatusBadRequest)
		return
	}
	promo, err := s.svc.Promos.Create(r.Context(), req.Code, req.PlanID, req.MaxUses)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, promo)
}

func (s *Server) handleDeletePromo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Promos.Delete(r.Context(), id); err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.svc.Flags.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, flagResponse{Key: key, Value: value})
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req flagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == nil {
		http.Error(w, "value required", http.StatusBadRequest)
		return
	}
	if err := s.svc.Flags.Set(r.Context(), key, *req.Value); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, flagResponse{Key: key, Value: *req.Value})
}

type planRequest struct {
	Title        string                  `json:"title"`
	Description  string                  `json:"description"`
	Type         models.SubscriptionType `json:"type"`
	Tokens       int64                   `json:"tokens"`
	DurationDays int                     `json:"duration_days"`
	Price        decimal.Decimal         `json:"price"`
	Currency     string                  `json:"currency"`
	IsActive     *bool                   `json:"is_active"`
}

type planUpdateRequest struct {
	Title        *string          `json:"title"`
	Description  *string          `json:"description"`
	Tokens       *int64           `json:"tokens"`
	DurationDays *int             `json:"duration_days"`
	Price        *decimal.Decimal `json:"price"`
	Currency     *string          `json:"currency"`
	IsActive     *bool            `json:"is_active"`
}

type promoRequest struct {
	Code    string `json:"code"`
	PlanID  int64  `json:"plan_id"`
	MaxUses int    `json:"max_uses"`
}

type flagRequest struct {
	Value *bool `json:"value"`
}

type flagResponse struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}
