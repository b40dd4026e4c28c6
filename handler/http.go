package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"portfolio-relay/internal/usecase"
)

// NewRouter exposes the relay over plain net/http for local runs and
// container deployments. POST /api/chat and POST / are equivalent.
func NewRouter(r Relayer, logger *slog.Logger) (http.Handler, error) {
	h, err := NewHandler(r, logger)
	if err != nil {
		return nil, err
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Allow", http.MethodPost)
		writeErrorResponse(w, methodNotAllowed(), correlationIDFromRequest(req))
	})
	mux.Post("/", h.ServeChat)
	mux.Post("/api/chat", h.ServeChat)
	return mux, nil
}

// ServeChat streams one answer. Headers are committed with the first
// fragment; a failure after that aborts the connection so the client sees a
// truncated transfer rather than a clean end of body.
func (h *Handler) ServeChat(w http.ResponseWriter, req *http.Request) {
	corrID := correlationIDFromRequest(req)

	in, err := decodeChatRequest(http.MaxBytesReader(w, req.Body, maxRequestBody))
	if err != nil {
		h.logger.Info("handler: invalid request body", "correlation_id", corrID, "err", err)
		writeErrorResponse(w, TranslateError(err), corrID)
		return
	}

	session, err := h.relay.Open(req.Context(), usecase.RelayInput{
		Message:       in.Message,
		History:       in.History,
		CorrelationID: corrID,
	})
	if err != nil {
		writeErrorResponse(w, TranslateError(err), corrID)
		return
	}

	sink := &responseSink{
		w:       w,
		rc:      http.NewResponseController(w),
		headers: streamHeaders(h.relay.Mode(), session.CorrelationID()),
	}
	err = session.Stream(sink)
	if err == nil {
		return
	}
	if !sink.committed {
		writeErrorResponse(w, TranslateError(err), corrID)
		return
	}
	panic(http.ErrAbortHandler)
}

func correlationIDFromRequest(req *http.Request) string {
	return correlationIDFromHeaders(map[string]string{"X-Correlation-Id": req.Header.Get("X-Correlation-Id")})
}

func writeErrorResponse(w http.ResponseWriter, er ErrorResponse, correlationID string) {
	w.Header().Set("Content-Type", er.ContentType)
	w.Header().Set("X-Correlation-Id", correlationID)
	w.WriteHeader(er.Status)
	_, _ = w.Write(er.Body)
}

// responseSink writes fragments straight to the client, flushing each one.
type responseSink struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	headers   map[string]string
	committed bool
}

func (s *responseSink) commit() {
	if s.committed {
		return
	}
	for k, v := range s.headers {
		s.w.Header().Set(k, v)
	}
	s.w.WriteHeader(http.StatusOK)
	s.committed = true
}

func (s *responseSink) WriteFragment(fragment string) error {
	s.commit()
	if _, err := s.w.Write([]byte(fragment)); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Close commits an empty 200 for a stream that finished without fragments.
// Errors are left to ServeChat, which still owns the response.
func (s *responseSink) Close(err error) error {
	if err == nil {
		s.commit()
	}
	return nil
}
