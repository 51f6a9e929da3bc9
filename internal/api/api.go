package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/config"
	"github.com/Bldg-7/airsentry/internal/server"
	"github.com/Bldg-7/airsentry/internal/shared"
	"github.com/Bldg-7/airsentry/internal/stats"
	"github.com/Bldg-7/airsentry/internal/store"
)

// ReloadFunc re-reads the configuration file, swaps the active snapshot and
// pushes it to connected 2.0 sensors. It returns the new config version.
type ReloadFunc func() (string, error)

// API serves the operator HTTP surface: health, metrics, read-only queries
// over sessions and readings, config reload, and the live websocket feed.
type API struct {
	registry  *server.Registry
	db        *store.Store
	stats     *stats.Engine
	cfg       *config.Store
	reload    ReloadFunc
	feed      *Feed
	authToken string
	logger    *zap.Logger
}

func New(
	registry *server.Registry,
	db *store.Store,
	statsEngine *stats.Engine,
	cfg *config.Store,
	reload ReloadFunc,
	feed *Feed,
	authToken string,
	logger *zap.Logger,
) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		registry:  registry,
		db:        db,
		stats:     statsEngine,
		cfg:       cfg,
		reload:    reload,
		feed:      feed,
		authToken: authToken,
		logger:    logger,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/sessions", a.requireAuth(http.HandlerFunc(a.handleSessions)))
	mux.Handle("GET /api/v1/stats", a.requireAuth(http.HandlerFunc(a.handleStats)))
	mux.Handle("GET /api/v1/series", a.requireAuth(http.HandlerFunc(a.handleSeries)))
	mux.Handle("GET /api/v1/live", a.requireAuth(http.HandlerFunc(a.handleLive)))
	mux.Handle("GET /api/v1/alerts", a.requireAuth(http.HandlerFunc(a.handleAlerts)))
	mux.Handle("GET /api/v1/config", a.requireAuth(http.HandlerFunc(a.handleConfig)))
	mux.Handle("POST /api/v1/config/reload", a.requireAuth(http.HandlerFunc(a.handleConfigReload)))

	if a.feed != nil {
		mux.HandleFunc("GET /ws/feed", a.handleFeed)
	}

	return mux
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// bearerToken extracts the presented token from the Authorization header,
// falling back to the token query parameter for websocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (a *API) authorized(r *http.Request) bool {
	if a.authToken == "" {
		return true
	}
	return bearerToken(r) == a.authToken
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (a *API) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	components := map[string]string{"store": "ok"}
	status := http.StatusOK

	if _, err := a.db.TodayAlerts(""); err != nil {
		components["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":     statusWord(status),
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ready"
	}
	return "degraded"
}

type sessionDTO struct {
	SessionID       string    `json:"session_id"`
	Peer            string    `json:"peer"`
	SensorID        string    `json:"sensor_id"`
	ProtocolVersion string    `json:"protocol_version"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastRx          time.Time `json:"last_rx"`
	LastTx          time.Time `json:"last_tx,omitempty"`
	Authenticated   bool      `json:"authenticated"`
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	sessions := a.registry.Snapshot(func(s server.Session) bool {
		return sid == "" || s.SensorID == sid
	})

	out := make([]sessionDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionDTO{
			SessionID:       s.SessionID,
			Peer:            s.Peer,
			SensorID:        s.SensorID,
			ProtocolVersion: s.ProtocolVersion,
			FirmwareVersion: s.FirmwareVersion,
			Capabilities:    s.Capabilities,
			ConnectedAt:     s.ConnectedAt,
			LastRx:          s.LastRx,
			LastTx:          s.LastTx,
			Authenticated:   s.Authenticated,
		})
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: out, Meta: &apiMeta{Total: len(out)}})
}

// seriesKey pulls the sid/peer/kind triple every reading query needs.
func seriesKey(r *http.Request) (sid, peer, kind string, ok bool) {
	q := r.URL.Query()
	sid, peer, kind = q.Get("sid"), q.Get("peer"), q.Get("kind")
	return sid, peer, kind, sid != "" && peer != "" && kind != ""
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	sid, peer, kind, ok := seriesKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "sid, peer and kind are required", "BAD_REQUEST")
		return
	}

	day, err := a.db.TodayStats(sid, peer, kind)
	if err != nil {
		a.logger.Error("stats query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed", "INTERNAL")
		return
	}
	if day == nil {
		writeError(w, http.StatusNotFound, "no readings today", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: day})
}

func (a *API) handleSeries(w http.ResponseWriter, r *http.Request) {
	sid, peer, kind, ok := seriesKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "sid, peer and kind are required", "BAD_REQUEST")
		return
	}
	hours := parseIntParam(r.URL.Query().Get("hours"), 24)

	points, err := a.db.SeriesHours(sid, peer, kind, hours)
	if err != nil {
		a.logger.Error("series query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: points, Meta: &apiMeta{Total: len(points)}})
}

// handleLive serves the in-memory sliding window, bypassing the store.
func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	sid, peer, kind, ok := seriesKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "sid, peer and kind are required", "BAD_REQUEST")
		return
	}
	points := a.stats.LastHour(sid, peer, kind)
	writeJSON(w, http.StatusOK, apiResponse{Data: points, Meta: &apiMeta{Total: len(points)}})
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.db.TodayAlerts(r.URL.Query().Get("sid"))
	if err != nil {
		a.logger.Error("alerts query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: alerts, Meta: &apiMeta{Total: len(alerts)}})
}

func (a *API) handleConfig(w http.ResponseWriter, _ *http.Request) {
	snap := a.cfg.Load()
	writeJSON(w, http.StatusOK, apiResponse{Data: snap.Payload()})
}

func (a *API) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if a.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload not wired", "NOT_IMPLEMENTED")
		return
	}
	ctx := shared.WithCorrelationID(r.Context(), shared.GetCorrelationID(r.Context()))
	version, err := a.reload()
	if err != nil {
		shared.LogErrorWithContext(ctx, a.logger, "config reload failed", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "RELOAD_FAILED")
		return
	}
	shared.LogWithContext(ctx, a.logger, "config reloaded", zap.String("config_version", version))
	writeJSON(w, http.StatusOK, map[string]string{"config_version": version})
}

func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
		return
	}
	a.feed.ServeWS(w, r)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
