package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// ========== Auth handlers ==========

// HandleToken exchanges the API key for an access token
func (s *RESTServer) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key" validate:"required"`
		Client string `json:"client" validate:"max=64"`
	}

	if !s.decode(w, r, &req) {
		return
	}
	if req.Client == "" {
		req.Client = "ui"
	}

	token, err := s.auth.Login(req.APIKey, req.Client)
	if err != nil {
		log.Warn().Str("client", req.Client).Msg("Rejected control API login")
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":   "Bearer",
	})
}

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	}
	if s.stream != nil {
		resp["streamConnected"] = s.stream.Status().Connected
	}
	if s.lifecycle != nil {
		resp["appState"] = s.lifecycle.Current()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// decode reads and validates a JSON body, answering 400 on failure
func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Validate(v); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// ========== Helper functions ==========

// pagination reads limit and offset query parameters
func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
