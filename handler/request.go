package handler

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"

	"portfolio-relay/internal/domain"
	"portfolio-relay/internal/stream"
	"portfolio-relay/internal/usecase"
)

const maxRequestBody = 1 << 20

type chatRequest struct {
	Message string        `json:"message"`
	History []domain.Turn `json:"history"`
}

func decodeChatRequest(r io.Reader) (chatRequest, error) {
	var req chatRequest
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		return chatRequest{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return chatRequest{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: errors.New("trailing data after JSON body")}
	}
	return req, nil
}

func correlationIDFromHeaders(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "X-Correlation-Id") && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func streamHeaders(mode stream.Mode, correlationID string) map[string]string {
	ct := contentTypeText
	if mode == stream.ModePassthrough {
		ct = contentTypeEventStream
	}
	return map[string]string{
		"Content-Type":           ct,
		"Cache-Control":          "no-cache",
		"X-Content-Type-Options": "nosniff",
		"X-Correlation-Id":       correlationID,
	}
}
