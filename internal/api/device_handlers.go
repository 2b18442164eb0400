package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/chargelink/internal/command"
	"github.com/evcharge/chargelink/internal/models"
	"github.com/evcharge/chargelink/internal/storage"
	"github.com/evcharge/chargelink/pkg/deviceid"
)

// ========== Device handlers ==========

// HandleListDevices lists registered devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	devices, total, err := s.store.ListDevices(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices")
		s.respondError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	resp := map[string]interface{}{
		"devices": devices,
		"total":   total,
	}
	if ch := s.selector.Current(); ch != nil {
		resp["selected"] = ch.DeviceID()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// HandleRegisterDevice creates or updates a device
func (s *RESTServer) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IMEI        string `json:"imei" validate:"required,max=32"`
		Name        string `json:"name" validate:"max=100"`
		Description string `json:"description" validate:"max=500"`
		PhoneNumber string `json:"phoneNumber" validate:"max=32"`
		IsDisabled  bool   `json:"isDisabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	imei := deviceid.Normalize(req.IMEI)
	if imei == "" {
		s.respondError(w, http.StatusBadRequest, command.ErrInvalidDevice.Error())
		return
	}

	device := &models.Device{
		IMEI:        imei,
		Name:        req.Name,
		Description: req.Description,
		PhoneNumber: req.PhoneNumber,
		IsDisabled:  req.IsDisabled,
	}
	if err := s.store.UpsertDevice(r.Context(), device); err != nil {
		log.Error().Err(err).Str("deviceID", imei).Msg("Failed to register device")
		s.respondError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	s.respondJSON(w, http.StatusCreated, device)
}

// HandleGetDevice gets a device by IMEI
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	imei := deviceid.Normalize(chi.URLParam(r, "imei"))

	device, err := s.store.GetDevice(r.Context(), imei)
	if err != nil {
		s.respondStoreError(w, err, "device")
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleDeleteDevice deletes a device, dropping its channel if selected
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	imei := deviceid.Normalize(chi.URLParam(r, "imei"))

	if err := s.store.DeleteDevice(r.Context(), imei); err != nil {
		s.respondStoreError(w, err, "device")
		return
	}

	if ch := s.selector.Current(); ch != nil && ch.DeviceID() == imei {
		s.selector.Close()
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSelectDevice binds the command channel to a device
func (s *RESTServer) HandleSelectDevice(w http.ResponseWriter, r *http.Request) {
	ch, err := s.selector.Select(r.Context(), chi.URLParam(r, "imei"))
	if err != nil && ch == nil {
		switch {
		case errors.Is(err, command.ErrInvalidDevice):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "device not found")
		default:
			log.Error().Err(err).Msg("Failed to select device")
			s.respondError(w, http.StatusInternalServerError, "failed to select device")
		}
		return
	}

	resp := channelView(ch)
	if err != nil {
		// The channel keeps retrying in the background
		resp["error"] = err.Error()
		s.respondJSON(w, http.StatusAccepted, resp)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// HandleClearSelection disconnects the selected device
func (s *RESTServer) HandleClearSelection(w http.ResponseWriter, r *http.Request) {
	s.selector.Close()
	w.WriteHeader(http.StatusNoContent)
}

// ========== Command handlers ==========

// HandleSendCommand sends a command to the selected device. With wait
// (the default) the response carries the device reply or the timeout.
func (s *RESTServer) HandleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string      `json:"key" validate:"required,max=64"`
		Value interface{} `json:"value"`
		Wait  *bool       `json:"wait"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	ch, ok := s.selectedChannel(w, chi.URLParam(r, "imei"))
	if !ok {
		return
	}

	cmd := command.Command{Key: req.Key, Value: req.Value}

	if req.Wait != nil && !*req.Wait {
		id, err := ch.SendCommand(cmd, nil)
		if err != nil {
			s.respondCommandError(w, err)
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"correlationId": id,
			"deviceId":      ch.DeviceID(),
		})
		return
	}

	res, err := ch.Do(r.Context(), cmd)
	if err != nil && res.CorrelationID == "" {
		s.respondCommandError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, resultView(res))
}

// HandleCancelCommand cancels the command awaiting a reply
func (s *RESTServer) HandleCancelCommand(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.selectedChannel(w, chi.URLParam(r, "imei"))
	if !ok {
		return
	}

	if !ch.Cancel() {
		s.respondError(w, http.StatusNotFound, "no pending command")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListCommands lists the command audit log
func (s *RESTServer) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()

	var filters storage.CommandLogFilters
	if imei := deviceid.Normalize(q.Get("imei")); imei != "" {
		filters.DeviceIMEI = &imei
	}
	if key := q.Get("key"); key != "" {
		filters.Key = &key
	}
	if outcome := q.Get("outcome"); outcome != "" {
		o := models.CommandOutcome(outcome)
		filters.Outcome = &o
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filters.StartTime = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		filters.EndTime = &t
	}

	logs, total, err := s.store.ListCommandLogs(r.Context(), filters, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list command logs")
		s.respondError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"commands": logs,
		"total":    total,
	})
}

// ========== Helper functions ==========

// selectedChannel returns the channel when imei is the selected device
func (s *RESTServer) selectedChannel(w http.ResponseWriter, imei string) (*command.Channel, bool) {
	id := deviceid.Normalize(imei)
	if id == "" {
		s.respondError(w, http.StatusBadRequest, command.ErrInvalidDevice.Error())
		return nil, false
	}

	ch := s.selector.Current()
	if ch == nil || ch.DeviceID() != id {
		s.respondError(w, http.StatusConflict, "device is not selected")
		return nil, false
	}
	return ch, true
}

func (s *RESTServer) respondCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrCommandPending):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, command.ErrNotConnected):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, command.ErrInvalidCommand):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Failed to send command")
		s.respondError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *RESTServer) respondStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, what+" not found")
		return
	}
	log.Error().Err(err).Str("resource", what).Msg("Storage error")
	s.respondError(w, http.StatusInternalServerError, "failed to load "+what)
}

func channelView(ch *command.Channel) map[string]interface{} {
	request, reply := ch.Topics()
	return map[string]interface{}{
		"deviceId":     ch.DeviceID(),
		"state":        ch.State(),
		"requestTopic": request,
		"replyTopic":   reply,
		"pending":      ch.Pending(),
	}
}

func resultView(res command.Result) map[string]interface{} {
	view := map[string]interface{}{
		"outcome":       res.Outcome,
		"deviceId":      res.DeviceID,
		"correlationId": res.CorrelationID,
		"command":       res.Command,
		"sentAt":        res.SentAt,
		"latencyMs":     res.Latency.Milliseconds(),
	}
	if res.Ack != nil {
		view["ack"] = res.Ack
	}
	if res.Err != nil {
		view["error"] = res.Err.Error()
	}
	return view
}
