// Package httpapi is the terminal's local JSON API. The UI drives account
// settlement, sales and the cash box through it; every call is forwarded
// to the engine that owns the behaviour.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/cashbox"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
	"kasirinaja/tabclient/internal/offline"
	"kasirinaja/tabclient/internal/session"
	"kasirinaja/tabclient/internal/settlement"
)

type Params struct {
	Ledger    ledger.Client
	Sessions  *session.Holder
	Engine    *settlement.Engine
	Sales     *offline.Manager
	Monitor   *offline.Monitor
	CashBoxes *cashbox.Service
	// Connectivity receives the UI's online/offline reports; nil disables
	// the endpoint.
	Connectivity   chan<- domain.ConnectivityEvent
	ManagerPINHash string
	DefaultCashBox string
	AllowedOrigin  string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Log     *zap.Logger
}

type API struct {
	ledger         ledger.Client
	sessions       *session.Holder
	engine         *settlement.Engine
	sales          *offline.Manager
	monitor        *offline.Monitor
	cashBoxes      *cashbox.Service
	connectivity   chan<- domain.ConnectivityEvent
	managerPIN     ManagerPIN
	defaultCashBox string
	allowedOrigin  string
	metrics        http.Handler
	log            *zap.Logger
	loginLimiter   *attemptLimiter
	pinLimiter     *attemptLimiter
}

func New(p Params) *API {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		ledger:         p.Ledger,
		sessions:       p.Sessions,
		engine:         p.Engine,
		sales:          p.Sales,
		monitor:        p.Monitor,
		cashBoxes:      p.CashBoxes,
		connectivity:   p.Connectivity,
		managerPIN:     NewManagerPIN(p.ManagerPINHash),
		defaultCashBox: domain.NormalizeCashBoxCode(p.DefaultCashBox),
		allowedOrigin:  p.AllowedOrigin,
		metrics:        p.Metrics,
		log:            log,
		loginLimiter:   newAttemptLimiter(5, time.Minute),
		pinLimiter:     newAttemptLimiter(8, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)
	r.Use(a.requestLog)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/logout", a.handleLogout)
		r.Get("/auth/session", a.handleSession)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleCashier, RoleAdmin))

			r.Route("/accounts/{accountID}", func(r chi.Router) {
				r.Get("/", a.handleGetSettlement)
				r.Delete("/", a.handleForgetSettlement)
				r.Post("/open", a.handleOpenSettlement)
				r.Post("/refresh", a.handleRefreshSettlement)
				r.Post("/mode", a.handleChooseMode)
				r.Post("/payments", a.handlePayFull)
				r.Put("/split", a.handleSetSplitPeople)
				r.Post("/split/payments", a.handlePaySplitShare)
				r.Post("/items/select", a.handleSelectUnits)
				r.Post("/items/deselect", a.handleDeselectUnits)
				r.Post("/items/payments", a.handlePayUnits)
				r.Post("/close", a.handleCloseAccount)
				r.Post("/keep-open", a.handleKeepOpen)
			})

			r.Post("/sales", a.handleSell)
			r.Get("/sales/pending", a.handlePendingSales)
			r.Post("/sales/drain", a.handleDrain)
			r.Get("/sales/drain", a.handleLastDrain)
			r.Post("/connectivity", a.handleConnectivity)

			r.Route("/cash-boxes/{code}", func(r chi.Router) {
				r.Get("/", a.handleCashBoxStatus)
				r.Get("/expected", a.handleCashBoxExpected)
				r.Post("/open", a.handleCashBoxOpen)
				r.Post("/close", a.handleCashBoxClose)
				r.With(a.requireAuth(RoleAdmin)).Post("/disable", a.handleCashBoxDisable)
			})
		})
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	}
	if a.monitor != nil {
		body["online"] = a.monitor.Online()
		body["needs_login"] = a.monitor.NeedsLogin()
	}
	if a.sales != nil {
		if pending, err := a.sales.PendingCount(r.Context()); err == nil {
			body["pending_sales"] = pending
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			a.log.Error("http_request", fields...)
		case r.URL.Path == "/metrics" || r.URL.Path == "/healthz":
			a.log.Debug("http_request", fields...)
		default:
			a.log.Info("http_request", fields...)
		}
	})
}

// fail maps an engine error onto its HTTP status.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrExpired) {
		status = http.StatusUnauthorized
	}
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry internal detail; 502 still says the ledger is
	// unreachable so the UI can offer offline capture.
	msg := err.Error()
	switch {
	case status == http.StatusBadGateway:
		msg = "ledger unreachable"
	case status >= http.StatusInternalServerError:
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
