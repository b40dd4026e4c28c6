package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"portfolio-relay/internal/integrations/gemini"
	"portfolio-relay/internal/usecase"
)

const (
	contentTypeJSON        = "application/json; charset=utf-8"
	contentTypeText        = "text/plain; charset=utf-8"
	contentTypeEventStream = "text/event-stream; charset=utf-8"

	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// ErrorResponse is a fully rendered failure, independent of transport.
type ErrorResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var reasonMessages = map[string]string{
	"empty_message":       "message is required",
	"message_too_long":    "message is too long",
	"history_too_long":    "history has too many turns",
	"invalid_body":        "request body must be a JSON object with a message field",
	"missing_credentials": "API key not configured",
}

var codeMessages = map[usecase.ErrorCode]string{
	usecase.ErrorInvalidInput:    "invalid request",
	usecase.ErrorConfig:          "server is not configured",
	usecase.ErrorUpstream:        "upstream request failed",
	usecase.ErrorTransport:       "upstream connection failed",
	usecase.ErrorDecodeOverflow:  "upstream stream could not be decoded",
	usecase.ErrorStreamTruncated: "upstream stream ended mid-record",
	usecase.ErrorInternal:        "internal error",
}

// TranslateError maps a failure to the response a client sees. Upstream
// rejections keep the upstream's own status, content type and body.
func TranslateError(err error) ErrorResponse {
	var statusErr *gemini.HTTPStatusError
	if errors.As(err, &statusErr) {
		ct := statusErr.ContentType
		if ct == "" {
			ct = "application/json"
		}
		return ErrorResponse{Status: statusErr.StatusCode, ContentType: ct, Body: statusErr.Body}
	}

	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return jsonError(http.StatusInternalServerError, string(usecase.ErrorInternal), codeMessages[usecase.ErrorInternal])
	}

	msg, ok := reasonMessages[ucErr.Reason]
	if !ok {
		msg = codeMessages[ucErr.Code]
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return jsonError(http.StatusBadRequest, string(ucErr.Code), msg)
	case usecase.ErrorConfig, usecase.ErrorUpstream, usecase.ErrorTransport,
		usecase.ErrorDecodeOverflow, usecase.ErrorStreamTruncated, usecase.ErrorInternal:
		return jsonError(http.StatusInternalServerError, string(ucErr.Code), msg)
	default:
		return jsonError(http.StatusInternalServerError, string(usecase.ErrorInternal), codeMessages[usecase.ErrorInternal])
	}
}

func jsonError(status int, code, message string) ErrorResponse {
	body, _ := json.Marshal(errorResponse{Error: code, Message: message})
	return ErrorResponse{Status: status, ContentType: contentTypeJSON, Body: body}
}

func methodNotAllowed() ErrorResponse {
	return jsonError(http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}
