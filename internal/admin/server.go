package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/service"
)

// JobReader reads a single job. jobs.Store implementations satisfy it.
type JobReader interface {
	GetJob(ctx context.Context, id int64) (*models.VideoGenerationJob, error)
}

// Services is everything the HTTP surface calls into.
type Services struct {
	Users         *service.UserService
	Subscriptions *service.SubscriptionService
	Plans         *service.PlanService
	Promos        *service.PromoService
	ModelCosts    *service.ModelCostService
	Flags         *service.FlagService
	Chat          *service.ChatService
	Generation    *service.GenerationService
	Videos        *jobs.Queue
	Jobs          JobReader
}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	svc      Services
	router   *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, svc Services) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log,
		svc:      svc,
		router:   r,
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())

		protected.Route("/admin", func(r chi.Router) {
			r.Route("/model-costs", func(r chi.Router) {
				r.Get("/", s.handleListModelCosts)
				r.Get("/{model}", s.handleGetModelCost)
				r.Put("/{model}", s.handleSaveModelCost)
				r.Delete("/{model}", s.handleDeleteModelCost)
			})
			r.Route("/plans", func(r chi.Router) {
				r.Get("/", s.handleListPlans)
				r.Post("/", s.handleCreatePlan)
				r.Put("/{id}", s.handleUpdatePlan)
				r.Delete("/{id}", s.handleDeletePlan)
			})
			r.Route("/promo-codes", func(r chi.Router) {
				r.Get("/", s.handleListPromos)
				r.Post("/", s.handleCreatePromo)
				r.Delete("/{id}", s.handleDeletePromo)
			})
			r.Route("/flags", func(r chi.Router) {
				r.Get("/{key}", s.handleGetFlag)
				r.Put("/{key}", s.handleSetFlag)
			})
			r.Route("/users/{id}", func(r chi.Router) {
				r.Post("/subscriptions", s.handleGrant)
				r.Get("/balance", s.handleBalance)
				r.Get("/history", s.handleHistory)
			})
			r.Delete("/subscriptions/{id}", s.handleRevoke)
			r.Get("/jobs/{id}", s.handleGetJob)
		})

		protected.Route("/api", func(r chi.Router) {
			r.Post("/users", s.handleEnsureUser)
			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/balance", s.handleBalance)
				r.Post("/chat", s.handleChat)
				r.Post("/images", s.handleImage)
				r.Post("/videos", s.handleEnqueueVideo)
				r.Post("/promo", s.handleRedeemPromo)
			})
			r.Get("/jobs/{id}", s.handleGetJob)
		})
	})
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Chat and image calls wait for the provider.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="neurometer"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
