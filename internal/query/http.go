package query

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"PerpGuard/internal/observability"
)

var hashHexRe = regexp.MustCompile(`^[0-9a-f]{16}$`)

// HTTPHandler exposes the query service as JSON endpoints on the ops mux:
//
//	GET /query/intents?hash=<ih16>
//	GET /query/intents?label=<label>
//	GET /query/groups/{id}/events?limit=&after=
//	GET /query/groups/{id}/trades
//	GET /query/integrity
type HTTPHandler struct {
	qs      *QueryService
	metrics *observability.Metrics
}

func NewHTTPHandler(qs *QueryService, metrics *observability.Metrics) *HTTPHandler {
	return &HTTPHandler{qs: qs, metrics: metrics}
}

// Register mounts the query routes.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /query/intents", h.instrument("intents", h.getIntent))
	mux.HandleFunc("GET /query/groups/{id}/events", h.instrument("group_events", h.listGroupEvents))
	mux.HandleFunc("GET /query/groups/{id}/trades", h.instrument("group_trades", h.listGroupTrades))
	mux.HandleFunc("GET /query/integrity", h.instrument("integrity", h.verifyIntegrity))
}

func (h *HTTPHandler) instrument(endpoint string, next func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := next(w, r)
		if h.metrics != nil {
			h.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (h *HTTPHandler) getIntent(w http.ResponseWriter, r *http.Request) int {
	var (
		view *IntentView
		err  error
	)

	switch {
	case r.URL.Query().Get("hash") != "":
		hash := r.URL.Query().Get("hash")
		if !hashHexRe.MatchString(hash) {
			return writeError(w, http.StatusBadRequest, "hash must be 16 lowercase hex digits")
		}
		view, err = h.qs.GetIntent(r.Context(), hash)
	case r.URL.Query().Get("label") != "":
		view, err = h.qs.GetIntentByLabel(r.Context(), r.URL.Query().Get("label"))
	default:
		return writeError(w, http.StatusBadRequest, "hash or label parameter is required")
	}

	if err != nil {
		return writeError(w, http.StatusInternalServerError, err.Error())
	}
	if view == nil {
		return writeError(w, http.StatusNotFound, "no such intent")
	}
	return writeJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) listGroupEvents(w http.ResponseWriter, r *http.Request) int {
	groupID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return writeError(w, http.StatusBadRequest, "invalid group id")
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var after *int64
	if s := r.URL.Query().Get("after"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return writeError(w, http.StatusBadRequest, "invalid after cursor")
		}
		after = &n
	}

	events, err := h.qs.ListGroupEvents(r.Context(), groupID, limit, after)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err.Error())
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": groupID.String(),
		"events":   events,
	})
}

func (h *HTTPHandler) listGroupTrades(w http.ResponseWriter, r *http.Request) int {
	groupID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return writeError(w, http.StatusBadRequest, "invalid group id")
	}

	trades, err := h.qs.ListGroupTrades(r.Context(), groupID)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err.Error())
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": groupID.String(),
		"trades":   trades,
	})
}

func (h *HTTPHandler) verifyIntegrity(w http.ResponseWriter, r *http.Request) int {
	report, err := h.qs.VerifyIntegrity(r.Context())
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err.Error())
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	return writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
	return status
}

func writeError(w http.ResponseWriter, status int, msg string) int {
	return writeJSON(w, status, map[string]string{"error": msg})
}
