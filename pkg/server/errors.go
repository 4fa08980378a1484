package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/security/auth"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failure.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps engine errors to HTTP status codes and stable codes.
//
//	quota exceeded          429 quota_exceeded
//	configuration missing   403 configuration_missing
//	handle not found        404 not_found
//	reservation closed      409 reservation_closed
//	invalid request         400 invalid_request
//	ledger unavailable      503 ledger_unavailable
//	unauthorized            401 unauthorized
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, quota.ErrConfigurationMissing):
		return http.StatusForbidden, "configuration_missing"
	case errors.Is(err, quota.ErrHandleNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, quota.ErrReservationClosed):
		return http.StatusConflict, "reservation_closed"
	case errors.Is(err, quota.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, quota.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, "body_too_large"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, r, status, code, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   msg,
		RequestID: w.Header().Get(RequestIDHeader),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return quota.Invalidf("malformed JSON body: %v", err)
	}
	return nil
}
