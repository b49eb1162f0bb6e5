package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"paxcount/internal/model"
	"paxcount/internal/monitor"
	"paxcount/internal/realtime"
	"paxcount/internal/registry"
	"paxcount/internal/service"
)

var jsonFast = jsoniter.ConfigFastest

// API bundles the handlers for the REST surface.
type API struct {
	registry *registry.Registry
	applier  service.Applier
	counts   realtime.CountReader
	stats    *service.EventStats
	hub      *realtime.Hub
	health   *Health
	logger   *zap.SugaredLogger
}

func NewAPI(reg *registry.Registry, applier service.Applier, counts realtime.CountReader,
	stats *service.EventStats, hub *realtime.Hub, health *Health, logger *zap.SugaredLogger) *API {
	return &API{
		registry: reg,
		applier:  applier,
		counts:   counts,
		stats:    stats,
		hub:      hub,
		health:   health,
		logger:   logger,
	}
}

// Register mounts every route on the router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/devices/event", a.handleDeviceEvent).Methods(http.MethodPost)

	r.HandleFunc("/vehicles", a.handleCreateVehicle).Methods(http.MethodPost)
	r.HandleFunc("/vehicles", a.handleListVehicles).Methods(http.MethodGet)
	r.HandleFunc("/vehicles/{vehicle_id}", a.handleGetVehicle).Methods(http.MethodGet)
	r.HandleFunc("/vehicles/{vehicle_id}", a.handleDeleteVehicle).Methods(http.MethodDelete)
	r.HandleFunc("/vehicles/{vehicle_id}/count", a.handleGetCount).Methods(http.MethodGet)

	r.HandleFunc("/ws/{vehicle_id}", func(w http.ResponseWriter, req *http.Request) {
		realtime.ServeWS(a.hub, w, req)
	})

	r.HandleFunc("/health", a.health.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.health.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

type eventResponse struct {
	Status  string        `json:"status"`
	Message model.Outcome `json:"message"`
	Count   int           `json:"count"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (a *API) handleDeviceEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ev, err := model.ParseDeviceEvent(body)
	if err != nil {
		monitor.EventsRejected.Inc()
		a.stats.IncrementRejected()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.applier.Apply(r.Context(), ev)
	if err != nil {
		if errors.Is(err, model.ErrVehicleNotFound) {
			a.stats.IncrementUnknown()
			writeError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		a.logger.Errorw("failed to apply device event", "error", err, "vehicle_id", ev.VehicleID)
		writeError(w, http.StatusInternalServerError, "event not applied")
		return
	}

	if res.Outcome.StateChanged() {
		a.stats.IncrementChanged()
	} else {
		a.stats.IncrementNoop()
	}
	writeJSON(w, http.StatusOK, eventResponse{Status: "ok", Message: res.Outcome, Count: res.Count})
}

type createVehicleRequest struct {
	VehicleID    string `json:"vehicle_id"`
	InitialCount int    `json:"initial_count"`
}

func (a *API) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var req createVehicleRequest
	if err := jsonFast.Unmarshal(body, &req); err != nil || req.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "vehicle_id required")
		return
	}

	v, err := a.registry.Create(r.Context(), req.VehicleID, req.InitialCount)
	if err != nil {
		if errors.Is(err, model.ErrVehicleExists) {
			writeError(w, http.StatusConflict, "vehicle already exists")
			return
		}
		a.logger.Errorw("failed to create vehicle", "error", err, "vehicle_id", req.VehicleID)
		writeError(w, http.StatusInternalServerError, "vehicle not created")
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Status  string        `json:"status"`
		Vehicle model.Vehicle `json:"vehicle"`
	}{Status: "ok", Vehicle: v})
}

func (a *API) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := a.registry.List(r.Context())
	if err != nil {
		a.logger.Errorw("failed to list vehicles", "error", err)
		writeError(w, http.StatusInternalServerError, "vehicles unavailable")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Status   string          `json:"status"`
		Vehicles []model.Vehicle `json:"vehicles"`
	}{Status: "ok", Vehicles: vehicles})
}

func (a *API) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicle_id"]

	v, err := a.registry.Get(r.Context(), vehicleID)
	if err != nil {
		if errors.Is(err, model.ErrVehicleNotFound) {
			writeError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		a.logger.Errorw("failed to get vehicle", "error", err, "vehicle_id", vehicleID)
		writeError(w, http.StatusInternalServerError, "vehicle unavailable")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Status  string        `json:"status"`
		Vehicle model.Vehicle `json:"vehicle"`
	}{Status: "ok", Vehicle: v})
}

func (a *API) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicle_id"]

	if err := a.registry.Delete(r.Context(), vehicleID); err != nil {
		if errors.Is(err, model.ErrVehicleNotFound) {
			writeError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		a.logger.Errorw("failed to delete vehicle", "error", err, "vehicle_id", vehicleID)
		writeError(w, http.StatusInternalServerError, "vehicle not deleted")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Message: "deleted"})
}

func (a *API) handleGetCount(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicle_id"]

	count, err := a.counts.Get(r.Context(), vehicleID)
	if err != nil {
		if errors.Is(err, model.ErrVehicleNotFound) {
			writeError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		a.logger.Errorw("failed to read count", "error", err, "vehicle_id", vehicleID)
		writeError(w, http.StatusInternalServerError, "count unavailable")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Status    string `json:"status"`
		VehicleID string `json:"vehicle_id"`
		Count     int    `json:"count"`
	}{Status: "ok", VehicleID: vehicleID, Count: count})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := jsonFast.Marshal(v)
	if err != nil {
		return
	}
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, statusResponse{Status: "error", Message: msg})
}
