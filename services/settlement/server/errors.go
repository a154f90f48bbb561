package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"settlecore/native/cdp"
	nativecommon "settlecore/native/common"
	"settlecore/services/settlement/middleware"
)

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

type apiError struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// errorClass names the cdp error class of err for responses and metrics.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errBadRequest):
		return "request"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaAmountExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return "quota"
	case errors.Is(err, cdp.ErrCapacity):
		return "capacity"
	case errors.Is(err, cdp.ErrTiming):
		return "timing"
	case errors.Is(err, cdp.ErrIntegrity):
		return "integrity"
	case errors.Is(err, cdp.ErrAuthorization):
		return "authorization"
	case errors.Is(err, cdp.ErrState):
		return "state"
	default:
		return "internal"
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cdp.ErrUnknownOrder), errors.Is(err, cdp.ErrUnknownLoan), errors.Is(err, cdp.ErrNoDeposit):
		return http.StatusNotFound
	}
	switch errorClass(err) {
	case "request":
		return http.StatusBadRequest
	case "paused":
		return http.StatusServiceUnavailable
	case "quota":
		return http.StatusTooManyRequests
	case "capacity", "state":
		return http.StatusConflict
	case "timing":
		return http.StatusTooEarly
	case "integrity":
		return http.StatusUnprocessableEntity
	case "authorization":
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := apiError{Class: errorClass(err), Message: err.Error(), RequestID: middleware.RequestIDFrom(r.Context())}
	if status == http.StatusInternalServerError {
		s.logger.Error("settlement api failure",
			"request_id", body.RequestID,
			"route", r.URL.Path,
			"error", err.Error())
		body.Message = "internal error"
	}
	if cdp.Retryable(err) || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds(err)))
	}
	writeJSON(w, status, map[string]apiError{"error": body})
}

func (s *Server) retryAfterSeconds(err error) int {
	if errors.Is(err, cdp.ErrTooEarly) {
		if secs := int(s.params.SettlementDelay.Seconds()); secs > 0 {
			return secs
		}
	}
	return 1
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
