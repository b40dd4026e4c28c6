package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"portfolio-relay/internal/stream"
	"portfolio-relay/internal/usecase"
)

// Relayer opens relay sessions. *usecase.RelayService implements it.
type Relayer interface {
	Open(ctx context.Context, in usecase.RelayInput) (*usecase.Session, error)
	Mode() stream.Mode
}

// Handler serves Lambda Function URL invocations in RESPONSE_STREAM mode.
type Handler struct {
	relay  Relayer
	logger *slog.Logger
}

func NewHandler(r Relayer, logger *slog.Logger) (*Handler, error) {
	if r == nil {
		return nil, errors.New("handler: relay service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relay: r, logger: logger}, nil
}

// Handle opens the upstream before returning so that any failure up to that
// point is still a proper status code. The returned body is fed by a
// goroutine; a failed stream closes it with an error, which the runtime
// reports as a failed invocation instead of a complete answer.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	corrID := correlationIDFromHeaders(req.Headers)

	if !strings.EqualFold(req.RequestContext.HTTP.Method, http.MethodPost) {
		h.logger.Info("handler: method not allowed", "correlation_id", corrID, "method", req.RequestContext.HTTP.Method)
		resp := errorStreamingResponse(methodNotAllowed(), corrID)
		resp.Headers["Allow"] = http.MethodPost
		return resp, nil
	}

	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return errorStreamingResponse(TranslateError(&usecase.Error{
				Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err,
			}), corrID), nil
		}
		body = string(raw)
	}

	in, err := decodeChatRequest(strings.NewReader(body))
	if err != nil {
		h.logger.Info("handler: invalid request body", "correlation_id", corrID, "err", err)
		return errorStreamingResponse(TranslateError(err), corrID), nil
	}

	session, err := h.relay.Open(ctx, usecase.RelayInput{
		Message:       in.Message,
		History:       in.History,
		CorrelationID: corrID,
	})
	if err != nil {
		return errorStreamingResponse(TranslateError(err), corrID), nil
	}

	pr, pw := io.Pipe()
	go func() {
		_ = session.Stream(&pipeSink{w: pw})
	}()

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers:    streamHeaders(h.relay.Mode(), session.CorrelationID()),
		Body:       pr,
	}, nil
}

func errorStreamingResponse(er ErrorResponse, correlationID string) *events.LambdaFunctionURLStreamingResponse {
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: er.Status,
		Headers: map[string]string{
			"Content-Type":     er.ContentType,
			"X-Correlation-Id": correlationID,
		},
		Body: bytes.NewReader(er.Body),
	}
}

// pipeSink writes fragments into the response pipe.
type pipeSink struct {
	w *io.PipeWriter
}

func (s *pipeSink) WriteFragment(fragment string) error {
	_, err := io.WriteString(s.w, fragment)
	return err
}

func (s *pipeSink) Close(err error) error {
	if err != nil {
		return s.w.CloseWithError(err)
	}
	return s.w.Close()
}
