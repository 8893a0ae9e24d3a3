package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rotki/nftkit"
	"github.com/rotki/nftkit/sonic"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusOf is the single mapping from error classification to http
// status. It follows nftkit.KindOf, so an untagged error is a transient
// failure like it is for the retry policy.
func statusOf(err error) int {
	switch {
	case errors.Is(err, nftkit.ErrDisabled):
		return http.StatusNotFound
	case errors.Is(err, nftkit.ErrUnconfigured):
		return http.StatusServiceUnavailable
	}

	switch nftkit.KindOf(err) {
	case nftkit.KindInvalidInput:
		return http.StatusBadRequest
	case nftkit.KindNotFound:
		return http.StatusNotFound
	case nftkit.KindPermanent:
		return http.StatusBadGateway
	case nftkit.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(r.Context().Err(), context.Canceled) {
		// client went away, nobody to answer
		return
	}

	status := statusOf(err)
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("kind", nftkit.KindOf(err).String()),
		slog.Any("err", err),
	}
	msg := err.Error()
	if status >= 500 {
		s.log.ErrorContext(r.Context(), "request failed", attrs...)
		msg = http.StatusText(status)
	} else {
		s.log.WarnContext(r.Context(), "request rejected", attrs...)
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Del("ETag")
	h.Del("Last-Modified")
	w.WriteHeader(status)
	_ = sonic.Encode(w, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := sonic.Encode(w, v); err != nil {
		s.log.Warn("response encode failed", slog.Any("err", err))
	}
}
