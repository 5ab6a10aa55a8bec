package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carmelita-app/backend/internal/auth"
	"github.com/carmelita-app/backend/internal/genai"
	"github.com/carmelita-app/backend/internal/models"
	"github.com/carmelita-app/backend/internal/service"
)

const webhookBodyLimit = 1 << 20 // 1 MiB

// Biller is the billing surface the server exposes over HTTP.
type Biller interface {
	HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error
	CreateCheckoutSession(ctx context.Context, userID, priceID string, quantity int64) (string, error)
	Balance(ctx context.Context, userID string) (int, error)
	Grant(ctx context.Context, userID string, credits int, note string) error
	RecentGrants(ctx context.Context, limit int) ([]models.CreditGrant, error)
}

// Generator is the AI proxy surface.
type Generator interface {
	Generate(ctx context.Context, userID string, req service.GenerateRequest) (*service.GenerateResult, error)
}

type Server struct {
	addr          string
	adminUsername string
	adminPassword string
	log           *slog.Logger
	billing       Biller
	generation    Generator
	router        *chi.Mux
}

func NewServer(addr, adminUsername, adminPassword string, log *slog.Logger, verifier auth.Verifier, billing Biller, generation Generator) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:          addr,
		adminUsername: adminUsername,
		adminPassword: adminPassword,
		log:           log,
		billing:       billing,
		generation:    generation,
		router:        r,
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// The webhook authenticates by signature, not session, so it sits outside
	// the verifier middleware.
	r.Post("/webhook/stripe", s.handleStripeWebhook)

	r.Group(func(authed chi.Router) {
		authed.Use(auth.Middleware(verifier))
		authed.Post("/v1/generate", s.handleGenerate)
		authed.Post("/v1/checkout-session", s.handleCheckoutSession)
		authed.Get("/v1/credits", s.handleCredits)
	})

	r.Group(func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())
		admin.Post("/admin/credits/grant", s.handleAdminGrant)
		admin.Get("/admin/grants", s.handleAdminGrants)
	})

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // video polling can hold a response open for a while
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

// handleStripeWebhook reads the raw body before anything can parse it; the
// signature covers the exact bytes on the wire.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}

	err = s.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			s.log.Warn("webhook signature rejected", "err", err)
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		s.log.Error("stripe webhook", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type generateRequest struct {
	Type              string `json:"type"`
	Model             string `json:"model"`
	Prompt            string `json:"prompt"`
	SystemInstruction string `json:"systemInstruction"`
	Config            struct {
		SampleCount int    `json:"sampleCount"`
		Resolution  string `json:"resolution"`
		AspectRatio string `json:"aspectRatio"`
	} `json:"config"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result, err := s.generation.Generate(r.Context(), auth.UserID(r.Context()), service.GenerateRequest{
		Kind:              models.GenerationKind(req.Type),
		Model:             req.Model,
		Prompt:            req.Prompt,
		SystemInstruction: req.SystemInstruction,
		SampleCount:       req.Config.SampleCount,
		Resolution:        req.Config.Resolution,
		AspectRatio:       req.Config.AspectRatio,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch models.GenerationKind(req.Type) {
	case models.KindImage:
		s.writeJSON(w, http.StatusOK, map[string]string{"imageBase64": result.ImageBase64})
	case models.KindVideo:
		s.writeJSON(w, http.StatusOK, map[string]string{"videoUri": result.VideoURI})
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"text": result.Text})
	}
}

type checkoutRequest struct {
	PriceID  string `json:"priceId"`
	Quantity int64  `json:"quantity"`
}

func (s *Server) handleCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	url, err := s.billing.CreateCheckoutSession(r.Context(), auth.UserID(r.Context()), req.PriceID, req.Quantity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	credits, err := s.billing.Balance(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"credits": credits})
}

type grantRequest struct {
	UserID  string `json:"userId"`
	Credits int    `json:"credits"`
	Note    string `json:"note"`
}

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.billing.Grant(r.Context(), req.UserID, req.Credits, req.Note); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminGrants(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	grants, err := s.billing.RecentGrants(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, grants)
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.adminUsername || pass != s.adminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="carmelita"`)
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

// writeError maps service errors onto the HTTP status taxonomy.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		http.Error(w, "authentication required", http.StatusUnauthorized)
	case errors.Is(err, service.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, genai.ErrPollTimeout):
		s.log.Error("generation timed out", "err", err)
		http.Error(w, "generation timed out", http.StatusGatewayTimeout)
	default:
		s.log.Error("handler error", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
