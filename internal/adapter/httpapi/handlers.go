package httpapi

import (
	"net/http"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/engine"
	"github.com/touristguard/geofence/internal/geo"
)

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var loc domain.LocationUpdate
	if err := decode(r, &loc); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.UpdateLocation(r.Context(), &loc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "indexed", "user_id": loc.UserID})
}

func (s *Server) handleBulkLocations(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Locations []*domain.LocationUpdate `json:"locations"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.ProcessBulkLocations(r.Context(), body.Locations); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "count": len(body.Locations)})
}

func (s *Server) handleQueueLocation(w http.ResponseWriter, r *http.Request) {
	var loc domain.LocationUpdate
	if err := decode(r, &loc); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.QueueLocationUpdate(r.Context(), &loc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "user_id": loc.UserID})
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.engine.GetUserLocation(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleRemoveLocation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveUserLocation(r.Context(), r.PathValue("userId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	var q domain.NearbyQuery
	if err := decode(r, &q); err != nil {
		writeError(w, err)
		return
	}
	users, err := s.engine.FindNearbyUsers(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleWithin(w http.ResponseWriter, r *http.Request) {
	var q domain.WithinQuery
	if err := decode(r, &q); err != nil {
		writeError(w, err)
		return
	}
	users, err := s.engine.FindUsersInZone(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var z domain.Zone
	if err := decode(r, &z); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.engine.CreateZone(r.Context(), &z)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	z, err := s.engine.GetZone(r.Context(), r.PathValue("zoneId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteZone(r.Context(), r.PathValue("zoneId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	var req engine.DistanceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.engine.CalculateDistance(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	unit := req.Unit
	if unit == "" {
		unit = geo.Metres
	}
	writeJSON(w, http.StatusOK, map[string]any{"distance": d, "unit": unit})
}

func (s *Server) handleDistanceMatrix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origins      []domain.Coordinate `json:"origins"`
		Destinations []domain.Coordinate `json:"destinations"`
		Unit         geo.Unit            `json:"unit,omitempty"`
		Algorithm    geo.Algorithm       `json:"algorithm,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	matrix, err := s.engine.CalculateDistanceMatrix(r.Context(), req.Origins, req.Destinations, req.Algorithm, req.Unit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matrix": matrix})
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin     domain.Coordinate   `json:"origin"`
		Candidates []domain.Coordinate `json:"candidates"`
		Unit       geo.Unit            `json:"unit,omitempty"`
		Algorithm  geo.Algorithm       `json:"algorithm,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	idx, dist, err := s.engine.FindNearestPoint(r.Context(), req.Origin, req.Candidates, req.Algorithm, req.Unit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": idx, "distance": dist})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, err := s.engine.GetHealthStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if status.Level == engine.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("kind") {
	case "processing":
		stats, err := s.engine.ProcessingStats()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case "performance":
		govStats, hookStats, err := s.engine.PerformanceStats()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"governor": govStats, "webhooks": hookStats})
	case "cache":
		stats, err := s.engine.CacheStats()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case "distance":
		count, err := s.engine.DistanceStats()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"operations": count})
	default:
		writeError(w, domain.Errorf(domain.KindNotFound, "unknown stats kind %q", r.PathValue("kind")))
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.engine.GetHealthStatus(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
