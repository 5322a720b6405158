// Package handlers provides the HTTP handlers for the elevation API.
//
// Every handler follows the same shape: decode, validate, call the query
// façade, respond. Per-point failures never become HTTP errors - a null
// elevation with a message is a successful response - so the error statuses
// here are 400 (malformed request), 429, and 503, plus 500 for any other
// error that reaches a handler. 401 (API key) comes from the middleware.
package handlers

import (
	"net/http"

	"github.com/summitline/terrain/internal/index"
	"github.com/summitline/terrain/internal/monitor"
	"github.com/summitline/terrain/internal/services"
)

// Handlers holds the HTTP handlers and their collaborators.
type Handlers struct {
	querier services.Querier
	index   *index.Index
	monitor *monitor.Monitor
}

// New creates the handler set.
func New(querier services.Querier, ix *index.Index, m *monitor.Monitor) *Handlers {
	return &Handlers{querier: querier, index: ix, monitor: m}
}

// HealthCheck reports liveness and index readiness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	campaigns := 0
	if h.index != nil {
		campaigns = len(h.index.Campaigns)
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"campaigns": campaigns,
	})
}

// GetSources lists the loaded campaigns grouped by country.
func (h *Handlers) GetSources(w http.ResponseWriter, r *http.Request) {
	byCountry := h.index.Summaries()
	total := 0
	counts := make(map[string]int, len(byCountry))
	for country, cs := range byCountry {
		counts[country] = len(cs)
		total += len(cs)
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"total_campaigns":      total,
		"campaigns_by_country": byCountry,
		"country_summary":      counts,
		"status":               "ok",
	})
}

// GetPerformance reports the monitor summary.
func (h *Handlers) GetPerformance(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.monitor.Summarize())
}
