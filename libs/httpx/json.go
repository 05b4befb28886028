package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/inspectbook/libs/apperr"
)

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	WriteRawJSON(w, status, body)
}

// WriteRawJSON writes an already encoded body, e.g. a replayed idempotent response.
func WriteRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	WriteJSON(w, StatusFor(kind), errorBody{
		Error:     apperr.Message(err),
		Kind:      string(kind),
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// WriteErrorLogged logs internal and upstream failures before answering.
func WriteErrorLogged(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindInternal, apperr.KindUpstreamUnavailable:
		logger.Error(msg, "err", err, "request_id", RequestIDFromContext(r.Context()))
	}
	WriteError(w, r, err)
}

// DecodeJSON decodes a single JSON object and rejects unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.Validation("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid json body: %v", err)
	}
	return nil
}
