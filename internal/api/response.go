package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/atmx/trade-ledger/internal/instrument"
	"github.com/atmx/trade-ledger/internal/model"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string       `json:"error"`
	Reason model.Reason `json:"reason"`
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, reason model.Reason, message string) {
	writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}

// writeErr maps a ledger error to its HTTP status and reason code. It is the
// only place that decides status codes for domain errors.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"reason", reason,
			"err", err,
		)
	}
	writeError(w, status, reason, err.Error())
}

func classify(err error) (int, model.Reason) {
	if isBadInstrument(err) {
		return http.StatusBadRequest, model.ReasonInvalidRequest
	}

	reason := model.ReasonOf(err)
	switch reason {
	case model.ReasonInvalidRequest:
		return http.StatusBadRequest, reason
	case model.ReasonConflict, model.ReasonOrderNotPending, model.ReasonOrderExpired, model.ReasonAlreadyExists:
		return http.StatusConflict, reason
	case model.ReasonNotFound:
		return http.StatusNotFound, reason
	case model.ReasonStoreFailure:
		return http.StatusServiceUnavailable, reason
	case model.ReasonInternal:
		return http.StatusInternalServerError, reason
	}

	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return http.StatusUnprocessableEntity, reason
	}
	return http.StatusInternalServerError, model.ReasonInternal
}

func isBadInstrument(err error) bool {
	return errors.Is(err, instrument.ErrInvalidSymbol) ||
		errors.Is(err, instrument.ErrInvalidExchange) ||
		errors.Is(err, instrument.ErrInvalidPrice) ||
		errors.Is(err, instrument.ErrMissingName)
}

// badRequest builds the error for malformed or incomplete input.
func badRequest(format string, args ...any) error {
	return model.NewValidationError(model.ReasonInvalidRequest, format, args...)
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return badRequest("Content-Type must be application/json")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// storeFailure classifies an error from a direct store call made by a
// handler: lookups keep their sentinel, anything else is a store failure.
func storeFailure(op string, err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrAlreadyExists) {
		return err
	}
	var se *model.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &model.StoreError{Op: op, Err: err}
}
