package http

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/idempotency"
	"github.com/robertarktes/day-dedications/internal/observability"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classify maps the error taxonomy onto a status and a stable code.
// Refinements are checked before their base.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, domain.ErrHoldExpired):
		return http.StatusConflict, "hold_expired"
	case errors.Is(err, domain.ErrSalesClosed):
		return http.StatusConflict, "sales_closed"
	case errors.Is(err, domain.ErrSerializationFailure):
		return http.StatusConflict, "retry"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, domain.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrUpstreamFailure):
		return http.StatusBadGateway, "upstream_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	log := observability.LoggerFrom(r.Context(), h.logger).WithError(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		log.WithField("code", code).Debug("request rejected")
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(domain.ErrBadRequest, "invalid body: %s", err)
	}
	if dec.More() {
		return errors.Wrap(domain.ErrBadRequest, "invalid body: trailing data")
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, errors.Wrap(domain.ErrBadRequest, "body too large or unreadable")
	}
	return body, nil
}

// clientIP expects middleware.RealIP to have normalized RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bufferedResponse captures a handler's response so it can be stored for
// idempotent replay before it is sent.
type bufferedResponse struct {
	header http.Header
	status int
	body   []byte
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: http.Header{}, status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.body = append(b.body, p...)
	return len(p), nil
}

func (b *bufferedResponse) response() idempotency.Response {
	return idempotency.Response{Status: b.status, ContentType: b.header.Get("Content-Type"), Body: b.body}
}

func replay(w http.ResponseWriter, resp idempotency.Response, replayed bool) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
