package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/c360/xraysignals/query"
	"github.com/c360/xraysignals/store"
	"github.com/c360/xraysignals/telemetry"
)

// createRequest is the body of POST /signals.
type createRequest struct {
	DeviceID string                  `json:"deviceId"`
	Time     int64                   `json:"time"`
	Points   []telemetry.PointRecord `json:"points"`
}

type deleteDeviceResponse struct {
	Deleted int64 `json:"deleted"`
}

// decodeBody reads a size-limited JSON body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) *APIError {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return &APIError{Code: http.StatusRequestEntityTooLarge, Message: "request body too large"}
		}
		return badRequest("invalid JSON body")
	}
	return nil
}

func (s *Server) checkPoints(points []telemetry.PointRecord) *APIError {
	for i, p := range points {
		if err := s.cfg.Policy.Check(p.Coords); err != nil {
			return badRequest(fmt.Sprintf("point %d: %v", i, err))
		}
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if apiErr := s.decodeBody(w, r, &req); apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, r, badRequest("deviceId is required"))
		return
	}
	if apiErr := s.checkPoints(req.Points); apiErr != nil {
		writeError(w, r, apiErr)
		return
	}

	sig, err := s.store.Create(r.Context(), req.DeviceID, telemetry.DeviceBatch{Time: req.Time, Points: req.Points})
	if err != nil {
		s.fail(w, r, "create signal", err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	sig, err := s.store.GetByUUID(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get signal", err)
		return
	}
	if sig == nil {
		writeError(w, r, notFound("signal not found"))
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]

	var upd store.SignalUpdate
	if apiErr := s.decodeBody(w, r, &upd); apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	if upd.Empty() {
		writeError(w, r, badRequest("update must set deviceId, time or points"))
		return
	}
	if upd.DeviceID != nil && strings.TrimSpace(*upd.DeviceID) == "" {
		writeError(w, r, badRequest("deviceId must not be empty"))
		return
	}
	if upd.Points != nil {
		if apiErr := s.checkPoints(*upd.Points); apiErr != nil {
			writeError(w, r, apiErr)
			return
		}
	}

	sig, err := s.store.UpdateByUUID(r.Context(), id, upd)
	if err != nil {
		s.fail(w, r, "update signal", err)
		return
	}
	if sig == nil {
		writeError(w, r, notFound("signal not found"))
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	deleted, err := s.store.DeleteByUUID(r.Context(), id)
	if err != nil {
		s.fail(w, r, "delete signal", err)
		return
	}
	if !deleted {
		writeError(w, r, notFound("signal not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	n, err := s.store.DeleteByDeviceID(r.Context(), deviceID)
	if err != nil {
		s.fail(w, r, "delete device signals", err)
		return
	}
	writeJSON(w, http.StatusOK, deleteDeviceResponse{Deleted: n})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	params, apiErr := parseListParams(r)
	if apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	page, err := s.lister.List(r.Context(), params)
	if err != nil {
		s.fail(w, r, "list signals", err)
		return
	}
	if page.Data == nil {
		page.Data = []telemetry.Signal{}
	}
	writeJSON(w, http.StatusOK, page)
}

// parseListParams reads the filter and pagination query parameters.
// Absent parameters are left unset.
func parseListParams(r *http.Request) (query.Params, *APIError) {
	q := r.URL.Query()
	var params query.Params

	if v := q.Get("deviceId"); v != "" {
		params.Filter.DeviceID = &v
	}
	if v := q.Get("uuid"); v != "" {
		params.Filter.UUID = &v
	}
	if v := q.Get("time"); v != "" {
		t, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return params, badRequest("time must be an integer")
		}
		params.Filter.TimeFrom = &t
	}

	for name, dst := range map[string]**int{
		"pointCount": &params.Filter.PointCount,
		"byteVolume": &params.Filter.ByteVolume,
	} {
		n, apiErr := nonNegativeInt(q.Get(name), name)
		if apiErr != nil {
			return params, apiErr
		}
		*dst = n
	}

	page, apiErr := nonNegativeInt(q.Get("page"), "page")
	if apiErr != nil {
		return params, apiErr
	}
	limit, apiErr := nonNegativeInt(q.Get("limit"), "limit")
	if apiErr != nil {
		return params, apiErr
	}
	if page != nil {
		params.Page = *page
	}
	if limit != nil {
		params.Limit = *limit
	}
	return params, nil
}

// nonNegativeInt parses an optional query parameter. An empty value yields nil.
func nonNegativeInt(v, name string) (*int, *APIError) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil, badRequest(name + " must be a non-negative integer")
	}
	return &n, nil
}

// fail logs err with the request id and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	apiErr := fromError(err)
	s.logger.Error("Request failed",
		"action", action,
		"status", apiErr.Code,
		"error", err,
		"request_id", requestIDFrom(r.Context()))
	writeError(w, r, apiErr)
}
