package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/evcharge/chargelink/internal/lifecycle"
	"github.com/evcharge/chargelink/internal/stream"
)

// ========== Event stream handlers ==========

// HandleStreamStatus returns the connection manager state
func (s *RESTServer) HandleStreamStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.stream.Status())
}

// HandleStreamStart opens the event stream, with the stored token when none is given
func (s *RESTServer) HandleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	if err := s.stream.Start(r.Context(), req.Token); err != nil {
		switch {
		case errors.Is(err, stream.ErrNoToken):
			s.respondError(w, http.StatusBadRequest, "no stream token available")
		case errors.Is(err, stream.ErrDestroyed):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			log.Error().Err(err).Msg("Failed to start event stream")
			s.respondError(w, http.StatusInternalServerError, "failed to start event stream")
		}
		return
	}

	s.respondJSON(w, http.StatusAccepted, s.stream.Status())
}

// HandleStreamStop closes the event stream
func (s *RESTServer) HandleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.stream.Stop()
	s.respondJSON(w, http.StatusOK, s.stream.Status())
}

// HandleUpdateToken swaps the stream token after a refresh
func (s *RESTServer) HandleUpdateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	log.Info().Str("client", clientFromContext(r.Context())).Msg("Stream token updated")
	s.stream.UpdateToken(req.Token)
	w.WriteHeader(http.StatusNoContent)
}

// ========== Lifecycle handlers ==========

// HandleSetLifecycle reports an app state or visibility change
func (s *RESTServer) HandleSetLifecycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State   string `json:"state" validate:"oneof=active inactive background"`
		Visible *bool  `json:"visible"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	switch {
	case req.State != "":
		state, err := lifecycle.ParseState(req.State)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.lifecycle.Set(state)
	case req.Visible != nil:
		s.lifecycle.SetVisible(*req.Visible)
	default:
		s.respondError(w, http.StatusBadRequest, "state or visible is required")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"appState": s.lifecycle.Current(),
	})
}
