package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/geodispatch/internal/dispatch/domain"
	etasvc "github.com/example/geodispatch/internal/eta/service"
)

// HTTP exposes the /v1/eta endpoint.
type HTTP struct {
	svc *etasvc.Service
}

// New creates the handler.
func New(svc *etasvc.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/eta", h.estimate)
	return r
}

func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	pickup, err := pointFromQuery(r, "pickup")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var tags []string
	if raw := r.URL.Query().Get("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	estimate, found, err := h.svc.EstimatePickup(r.Context(), pickup, domain.NewTagSet(tags...))
	if errors.Is(err, domain.ErrInvalidArgument) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"available": found}
	if found {
		resp["agent_id"] = estimate.AgentID
		resp["distance_m"] = estimate.DistanceMeters
		resp["pickup_eta_sec"] = estimate.ETA.Seconds()
	}
	if r.URL.Query().Has("dropoff_lat") {
		dropoff, err := pointFromQuery(r, "dropoff")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp["trip_eta_sec"] = h.svc.EstimateTravel(pickup, dropoff).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func pointFromQuery(r *http.Request, prefix string) (domain.GeoPoint, error) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get(prefix+"_lat"), 64)
	if err != nil {
		return domain.GeoPoint{}, errors.New("invalid " + prefix + "_lat")
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get(prefix+"_lng"), 64)
	if err != nil {
		return domain.GeoPoint{}, errors.New("invalid " + prefix + "_lng")
	}
	return domain.GeoPoint{Lat: lat, Lng: lng}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
