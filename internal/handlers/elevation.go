package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/summitline/terrain/internal/models"
)

// GetElevation answers GET /api/v1/elevation?lat=&lon= - the convenience
// form of the point query.
func (h *Handlers) GetElevation(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		RespondBadRequest(w, "lat query parameter must be a number")
		return
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		RespondBadRequest(w, "lon query parameter must be a number")
		return
	}

	result, err := h.querier.PointAt(r.Context(), lat, lon)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// PostPoint answers POST /api/v1/elevation/point.
func (h *Handlers) PostPoint(w http.ResponseWriter, r *http.Request) {
	var req models.PointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	result, err := h.querier.PointAt(r.Context(), req.Latitude, req.Longitude)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// PostLine answers POST /api/v1/elevation/line.
func (h *Handlers) PostLine(w http.ResponseWriter, r *http.Request) {
	var req models.LineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	result, err := h.querier.AlongLine(r.Context(), req)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// PostPath answers POST /api/v1/elevation/path.
func (h *Handlers) PostPath(w http.ResponseWriter, r *http.Request) {
	var req models.PathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	result, err := h.querier.AtPath(r.Context(), req)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// PostPolygonPoints answers POST /api/v1/elevation/polygon/points with grid
// samples inside the polygon.
func (h *Handlers) PostPolygonPoints(w http.ResponseWriter, r *http.Request) {
	var req models.PolygonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	result, err := h.querier.InPolygon(r.Context(), req)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}
