package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"paygate"
)

type errorResponse struct {
	Error          paygate.ErrorCode `json:"error"`
	Message        string            `json:"message"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code paygate.ErrorCode, message, key string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message, IdempotencyKey: key})
}

// errorStatus maps an engine error to its HTTP status and error code.
func errorStatus(err error) (int, paygate.ErrorCode) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, paygate.ErrorCodePayloadTooLarge
	case errors.Is(err, paygate.ErrInvalidKeyFormat),
		errors.Is(err, paygate.ErrInvalidRequest),
		errors.Is(err, paygate.ErrUnsupportedProvider),
		errors.Is(err, paygate.ErrInvalidWebhook),
		errors.Is(err, paygate.ErrWebhookNotSupported):
		return http.StatusBadRequest, paygate.ErrorCodeBadRequest
	case errors.Is(err, paygate.ErrIdempotencyKeyConflict):
		return http.StatusConflict, paygate.ErrorCodeIdempotencyKeyConflict
	case errors.Is(err, paygate.ErrRequestInProgress):
		return http.StatusConflict, paygate.ErrorCodeRequestInProgress
	case errors.Is(err, paygate.ErrRecordNotFound),
		errors.Is(err, paygate.ErrUnknownProviderTransaction):
		return http.StatusNotFound, paygate.ErrorCodeNotFound
	default:
		return http.StatusInternalServerError, paygate.ErrorCodePaymentFailed
	}
}
