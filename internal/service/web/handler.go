package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"rotaproxy/internal/shared/config"
	"rotaproxy/internal/shared/logger"
	manager "rotaproxy/proxypool"
	"rotaproxy/proxypool/discovery"
	"rotaproxy/proxypool/model"
	"rotaproxy/proxypool/selection"
)

// PoolController is the slice of the pool manager the web layer needs.
type PoolController interface {
	State() manager.State
	Stats() manager.Stats
	Snapshot() []*model.ProxyRecord
	AcquireProxy(c selection.Constraints, sessionID string) (*model.ProxyRecord, error)
	ReleaseProxy(key string)
	ReportOutcome(key string, success bool, latency time.Duration, errStr string)
	ImportProxies(entries []string, protocol string) error
	TriggerValidation(keys []string) error
}

// Handler carries the dependencies of all HTTP endpoints. sourcesPath
// is the sources.json file manual imports are persisted to; empty means
// imports stay in memory only.
type Handler struct {
	pool        PoolController
	sourcesPath string
}

func NewHandler(pool PoolController, sourcesPath string) *Handler {
	return &Handler{pool: pool, sourcesPath: sourcesPath}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.WithComponent("WebServer")
		l.Warn().Err(err).Msg("Failed to encode JSON response.")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleStats serves the aggregate pool snapshot.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// HandleProxies lists all records, most recently checked first.
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Snapshot())
}

type acquireResponse struct {
	Key       string `json:"key"`
	ProxyURL  string `json:"proxy_url"`
	SessionID string `json:"session_id,omitempty"`
	Country   string `json:"country,omitempty"`
	Anonymity string `json:"anonymity"`
}

// HandleAcquire hands a proxy to an external request executor.
// Query parameters: protocol, country, region, min_success_rate,
// session ("new" asks the server to mint a session ID).
func (h *Handler) HandleAcquire(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	constraints := selection.Constraints{
		Country: q.Get("country"),
		Region:  q.Get("region"),
	}
	if protoStr := q.Get("protocol"); protoStr != "" {
		protocol, err := model.ParseProtocol(protoStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		constraints.Protocol = protocol
	}
	if rateStr := q.Get("min_success_rate"); rateStr != "" {
		rate, err := strconv.ParseFloat(rateStr, 64)
		if err != nil || rate < 0 || rate > 1 {
			writeError(w, http.StatusBadRequest, "min_success_rate must be a number within [0, 1]")
			return
		}
		constraints.MinSuccessRate = rate
	}

	sessionID := q.Get("session")
	if sessionID == "new" {
		sessionID = uuid.NewString()
	}

	rec, err := h.pool.AcquireProxy(constraints, sessionID)
	if err == manager.ErrNoProxyAvailable {
		// Not a server error: the caller should back off and retry.
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no_proxy_available"})
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, acquireResponse{
		Key:       rec.Key(),
		ProxyURL:  rec.ProxyURL(),
		SessionID: sessionID,
		Country:   rec.Country,
		Anonymity: rec.Anonymity.String(),
	})
}

type reportRequest struct {
	Key       string `json:"key"`
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HandleReport receives the outcome of a request made through an
// acquired proxy.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	h.pool.ReportOutcome(req.Key, req.Success, time.Duration(req.LatencyMs)*time.Millisecond, req.Error)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type importRequest struct {
	Entries  []string `json:"entries"`
	Protocol string   `json:"protocol"`
}

// HandleImport adds hand-supplied proxies to the pool.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.pool.ImportProxies(req.Entries, req.Protocol); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.persistImport(req.Entries, req.Protocol)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// persistImport folds an accepted import into the sources file, so the
// endpoints are rediscovered after a restart. Persistence failures are
// logged, not surfaced: the pool already holds the proxies.
func (h *Handler) persistImport(entries []string, protocolStr string) {
	if h.sourcesPath == "" {
		return
	}

	wellFormed := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, _, err := discovery.ParseHostPort(entry); err == nil {
			wellFormed = append(wellFormed, entry)
		}
	}
	if len(wellFormed) == 0 {
		return
	}

	// The pool accepted the import, so the protocol parses.
	protocol, _ := model.ParseProtocol(protocolStr)
	if err := config.AppendManualEntries(h.sourcesPath, wellFormed, string(protocol)); err != nil {
		l := logger.WithComponent("WebServer")
		l.Warn().Err(err).Str("file", h.sourcesPath).Msg("Imported proxies were not persisted to the sources file.")
	}
}

type revalidateRequest struct {
	Keys []string `json:"keys"`
}

// HandleRevalidate triggers an immediate validation of specific records.
func (h *Handler) HandleRevalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req revalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.pool.TriggerValidation(req.Keys); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
