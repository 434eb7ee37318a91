package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"divera/internal/coordinator"
	"divera/internal/divera"
	"divera/internal/entity"
	"divera/internal/plugins/history"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxAlarmLimit = 500

// ClusterResponse describes one membership.
type ClusterResponse struct {
	UCRID       int            `json:"ucr_id"`
	ClusterName string         `json:"cluster_name,omitempty"`
	Version     string         `json:"version,omitempty"`
	State       string         `json:"state"`
	Available   bool           `json:"available"`
	AuthFailed  bool           `json:"auth_failed"`
	LastError   string         `json:"last_error,omitempty"`
	Entities    []entity.State `json:"entities"`
}

// StatusRequest is the body of POST /api/clusters/{ucr}/status. Exactly
// one of Status and ID must be set.
type StatusRequest struct {
	Status string `json:"status,omitempty"`
	ID     *int   `json:"id,omitempty"`
}

func (s *Server) describe(c *coordinator.Coordinator) ClusterResponse {
	resp := ClusterResponse{
		UCRID:      c.UCRID(),
		State:      c.State().String(),
		Available:  c.Available(),
		AuthFailed: c.AuthFailed(),
		Entities:   entity.All(c),
	}
	if err := c.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	snap := c.Snapshot()
	if name, err := snap.ClusterNameFromUCR(c.UCRID()); err == nil {
		resp.ClusterName = name
	}
	if version, err := snap.ClusterVersion(); err == nil {
		resp.Version = string(version)
	}
	return resp
}

// lookup resolves the {ucr} URL parameter, writing the error response
// itself when it fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, bool) {
	ucr, err := strconv.Atoi(chi.URLParam(r, "ucr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid membership id")
		return nil, false
	}
	for _, c := range s.coordinators {
		if c.UCRID() == ucr {
			return c, true
		}
	}
	writeError(w, http.StatusNotFound, "unknown membership")
	return nil, false
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	out := make([]ClusterResponse, 0, len(s.coordinators))
	for _, c := range s.coordinators {
		out = append(out, s.describe(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.describe(c))
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if (req.Status == "") == (req.ID == nil) {
		writeError(w, http.StatusBadRequest, `exactly one of "status" and "id" is required`)
		return
	}

	if s.opts.ReadOnly {
		s.logger.Info("READ-ONLY: Would set status",
			zap.Int("ucr_id", c.UCRID()),
			zap.String("status", req.Status))
		writeError(w, http.StatusForbidden, "read-only mode")
		return
	}

	var err error
	if req.ID != nil {
		// Unknown ids are rejected locally; Divera would answer with a
		// generic error.
		if _, lookupErr := c.Snapshot().StatusNameByID(*req.ID); lookupErr != nil {
			err = lookupErr
		} else {
			err = c.SetStatusByID(r.Context(), *req.ID)
		}
	} else {
		err = c.SetStatusByName(r.Context(), req.Status)
	}
	if err != nil {
		s.logger.Warn("Status command failed", zap.Int("ucr_id", c.UCRID()), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.describe(c))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, divera.ErrLookup):
		return http.StatusBadRequest
	case errors.Is(err, divera.ErrNoData):
		return http.StatusServiceUnavailable
	case errors.Is(err, divera.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, divera.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAlarmLimit)
	}

	if s.opts.History != nil {
		alarms, err := s.opts.History.Alarms(r.Context(), c.UCRID(), limit)
		if err != nil {
			s.logger.Error("Failed to read alarm history", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to read alarm history")
			return
		}
		if alarms == nil {
			alarms = []history.AlarmRecord{}
		}
		writeJSON(w, http.StatusOK, alarms)
		return
	}

	alarms := []history.AlarmRecord{}
	if alarm, err := c.Snapshot().LastAlarmInfo(); err == nil && alarm != nil {
		alarms = append(alarms, history.AlarmRecord{
			UCRID:     c.UCRID(),
			AlarmID:   alarm.ID,
			ForeignID: alarm.ForeignID,
			Title:     alarm.Title,
			Text:      alarm.Text,
			Address:   alarm.Address,
			Latitude:  alarm.Latitude,
			Longitude: alarm.Longitude,
			Groups:    alarm.Groups,
			Priority:  alarm.Priority,
			Closed:    alarm.Closed,
			Answered:  alarm.Answered,
			Date:      alarm.Date,
		})
	}
	writeJSON(w, http.StatusOK, alarms)
}
