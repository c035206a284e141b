package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"sidebarassist/internal/config"
	"sidebarassist/internal/entitlement"
	"sidebarassist/internal/identity"
	"sidebarassist/internal/models"
	"sidebarassist/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	svc      *services.Service
	cfg      config.Config
	verifier identity.Verifier
}

func NewServer(svc *services.Service, cfg config.Config, verifier identity.Verifier) *Server {
	return &Server{svc: svc, cfg: cfg, verifier: verifier}
}

// loggingRecoverer records panics with the request id and a stack trace
// before answering 500.
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				if r.Header.Get("Connection") != "Upgrade" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					errMsg := fmt.Sprintf("internal server error: %v", rvr)
					_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/chat", s.handleChat)
			r.Get("/entitlement", s.handleGetEntitlement)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(s.internalAPIKeyMiddleware)

			r.Get("/accounts/{id}/entitlement", s.handleInternalGetEntitlement)
			r.Get("/accounts/{id}/usage-log", s.handleInternalListUsageLog)
		})
	})

	return r
}

// corsMiddleware answers the extension's cross-origin requests. Extension
// pages have opaque origins, so the wildcard is deliberate.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDFromContext(r.Context())
	rec, err := s.svc.Entitlement(r.Context(), accountID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.entitlementView(rec))
}

func (s *Server) handleInternalGetEntitlement(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if accountID == "" {
		respondError(w, http.StatusBadRequest, errors.New("account id is required"))
		return
	}
	rec, err := s.svc.Entitlement(r.Context(), accountID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.entitlementView(rec))
}

func (s *Server) handleInternalListUsageLog(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if accountID == "" {
		respondError(w, http.StatusBadRequest, errors.New("account id is required"))
		return
	}
	entries, err := s.svc.UsageLog(r.Context(), accountID, 100)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// entitlementView flattens the record plus the configured limits into the
// shape the extension popup renders.
func (s *Server) entitlementView(rec models.Entitlement) map[string]any {
	return map[string]any{
		"account_id":          rec.AccountID,
		"plan":                rec.Plan,
		"credits_balance":     rec.CreditsBalance,
		"subscription_status": rec.SubscriptionStatus,
		"usage_count":         rec.UsageCount,
		"weekly_limit":        s.svc.Limits().WeeklyLimit,
		"period_start":        rec.PeriodStart,
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())

	var deny *services.DenyError
	switch {
	case errors.As(err, &deny):
		respondDeny(w, denyStatus(deny.Code), deny.Code, deny.Message, deny.Extra)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	default:
		// Detail stays in the log; the client gets a generic body.
		log.Printf("[ERROR] [%s] Internal server error: %v", reqID, err)
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func denyStatus(code string) int {
	switch code {
	case entitlement.CodeWeeklyLimitReached:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}
