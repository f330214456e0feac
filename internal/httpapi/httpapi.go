package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"dukaan/backend/internal/checkout"
	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/metrics"
	"dukaan/backend/internal/remote"
	"dukaan/backend/internal/service"
)

const liveWriteTimeout = 10 * time.Second

type API struct {
	service       *service.Service
	allowedOrigin string
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	logger        *zap.Logger
	upgrader      websocket.Upgrader
}

func New(svc *service.Service, allowedOrigin string, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	a := &API{
		service:       svc,
		allowedOrigin: allowedOrigin,
		metrics:       m,
		gatherer:      gatherer,
		logger:        logger,
	}
	a.upgrader = websocket.Upgrader{CheckOrigin: a.checkOrigin}
	return a
}

func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(a.instrument)

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/api/sales", a.handleSubmitSale).Methods(http.MethodPost)
	r.HandleFunc("/api/sync", a.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/status", a.handleSyncStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/rejected", a.handleRejected).Methods(http.MethodGet)
	r.HandleFunc("/api/live/{table}", a.handleLive).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
	return a.withMiddleware(c.Handler(r))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSubmitSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.SubmitSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Status == domain.SubmitStatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.SyncNow(r.Context())
	if err != nil {
		a.logger.Warn("manual sync stopped", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "sync stopped before the queue was empty",
			"summary": summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.service.SyncStatus(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleRejected(w http.ResponseWriter, r *http.Request) {
	rejected, err := a.service.ListRejected(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": rejected})
}

type liveMessage struct {
	Table string       `json:"table"`
	Seq   uint64       `json:"seq"`
	Rows  []remote.Row `json:"rows"`
}

// handleLive streams a table's mirror to the client: a full snapshot on
// connect and again after every change.
func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	m, err := a.service.OpenMirror(r.Context(), table)
	if err != nil {
		if errors.Is(err, service.ErrNotMirrorable) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		a.logger.Warn("open mirror failed", zap.String("table", table), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer m.Close()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case _, ok := <-m.Updates():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteJSON(liveMessage{Table: table, Seq: m.Seq(), Rows: m.Snapshot()}); err != nil {
				return
			}
		}
	}
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || a.allowedOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, a.allowedOrigin)
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrValidationFailed):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		a.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		a.metrics.ObserveRequest(r.Method, route, wrapped.statusCode, elapsed.Seconds())
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("elapsed", elapsed),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable {
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
