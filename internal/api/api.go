// Package api exposes the billing core over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/contracts"
	"github.com/asotonet/isp-billing/internal/events"
	"github.com/asotonet/isp-billing/internal/routers"
	"github.com/asotonet/isp-billing/internal/storage/repo"
	"github.com/asotonet/isp-billing/internal/version"
)

const maxBody = 1 << 20

var validate = validator.New()

type Handler struct {
	routers   *routers.Service
	contracts *contracts.Service
	plans     *contracts.PlanPropagator
	events    *events.Recorder
	log       *zap.Logger
}

func NewHandler(rs *routers.Service, cs *contracts.Service, plans *contracts.PlanPropagator, rec *events.Recorder, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{routers: rs, contracts: cs, plans: plans, events: rec, log: log.Named("api")}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(h.requestLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		_, _ = w.Write([]byte(version.String()))
	})

	r.Route("/api/routers", func(r chi.Router) {
		r.Get("/", h.listRouters)
		r.Post("/", h.createRouter)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getRouter)
			r.Put("/", h.updateRouter)
			r.Delete("/", h.deleteRouter)
			r.Post("/activate", h.setRouterActive(true))
			r.Post("/deactivate", h.setRouterActive(false))
			r.Post("/test-connection", h.testRouter)
			r.Get("/next-available-ip", h.nextIP)
			r.Get("/check-ip/{ip}", h.checkIP)
		})
	})

	r.Route("/api/contracts", func(r chi.Router) {
		r.Post("/", h.createContract)
		r.Get("/{id}", h.getContract)
		r.Put("/{id}", h.updateContract)
		r.Post("/{id}/sync", h.syncContract)
	})

	r.Route("/api/plans/{id}", func(r chi.Router) {
		r.Put("/speed", h.updatePlanSpeed)
		r.Get("/ppp-profiles", h.profilesInfo)
		r.Post("/ppp-profiles/sync", h.syncProfiles)
	})

	r.Get("/api/router-events", h.listEvents)
	r.Get("/api/router-events/recent", h.recentEvents)
	return r
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error    string `json:"error"`
	Contract any    `json:"contract,omitempty"`
}

// statusFor maps service errors to HTTP codes.
func statusFor(err error) int {
	var (
		verr  *routers.ValidationError
		serr  *contracts.SyncError
		fvErr validator.ValidationErrors
	)
	switch {
	case errors.As(err, &serr):
		if serr.Guard {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	case errors.As(err, &verr), errors.As(err, &fvErr), errors.Is(err, routers.ErrInvalidIP):
		return http.StatusBadRequest
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrConflict), errors.Is(err, routers.ErrHostTaken), errors.Is(err, routers.ErrNoAddressAvailable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decode reads a JSON body into v and validates its tags.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return &routers.ValidationError{Msg: "invalid request body: " + err.Error()}
	}
	return validate.Struct(v)
}
