package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"portfolio-relay/internal/domain"
	"portfolio-relay/internal/integrations/gemini"
	"portfolio-relay/internal/stream"
)

// UpstreamOpener starts a streaming generation. The returned body belongs to
// the caller.
type UpstreamOpener interface {
	Open(ctx context.Context, payload domain.RequestPayload) (io.ReadCloser, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type RelayOptions struct {
	Mode      stream.Mode
	MaxBuffer int
	Trailing  stream.TrailingPolicy
	// Deadline bounds a whole session when positive.
	Deadline time.Duration
	Logger   *slog.Logger
}

// RelayService wires the assembler, the upstream client and the pump. It holds
// only immutable configuration and is safe for concurrent use.
type RelayService struct {
	assembler *Assembler
	upstream  UpstreamOpener
	pump      *stream.Pump
	opts      RelayOptions
	logger    *slog.Logger
}

type RelayInput struct {
	Message       string
	History       []domain.Turn
	CorrelationID string
}

func NewRelayService(a *Assembler, upstream UpstreamOpener, opts RelayOptions) (*RelayService, error) {
	if a == nil {
		return nil, errors.New("usecase: assembler must not be nil")
	}
	if upstream == nil {
		return nil, errors.New("usecase: upstream client must not be nil")
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = stream.DefaultMaxBuffer
	}
	if opts.Deadline < 0 {
		return nil, errors.New("usecase: deadline must not be negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayService{
		assembler: a,
		upstream:  upstream,
		pump:      stream.NewPump(stream.WithLogger(logger)),
		opts:      opts,
		logger:    logger,
	}, nil
}

// Mode reports whether sessions emit decoded text or raw upstream bytes.
func (s *RelayService) Mode() stream.Mode { return s.opts.Mode }

// Open validates the request, builds the payload and opens the upstream
// stream. Nothing has been sent downstream when Open fails, so every error is
// still reportable as a status code.
func (s *RelayService) Open(ctx context.Context, in RelayInput) (*Session, error) {
	corrID := strings.TrimSpace(in.CorrelationID)
	if corrID == "" {
		corrID = newUUID()
	}
	logger := s.logger.With("correlation_id", corrID)

	payload, err := s.assembler.Assemble(in.Message, in.History)
	if err != nil {
		logger.Info("relay: rejected request", "err", err)
		return nil, err
	}

	var (
		sctx   context.Context
		cancel context.CancelFunc
	)
	if s.opts.Deadline > 0 {
		sctx, cancel = context.WithTimeout(ctx, s.opts.Deadline)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}

	body, err := s.upstream.Open(sctx, payload)
	if err != nil {
		cancel()
		ucErr := classifyOpenError(err)
		if status, ok := upstreamStatusCode(err); ok {
			logger.Warn("relay: upstream rejected request", "status", status)
		} else {
			logger.Error("relay: open upstream failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", err)
		}
		return nil, ucErr
	}

	logger.Debug("relay: upstream opened",
		"policy", string(s.assembler.Policy()),
		"mode", s.opts.Mode.String(),
		"turns", len(payload.Turns),
	)
	return &Session{
		ctx:    sctx,
		cancel: cancel,
		body:   body,
		pump:   s.pump,
		decoder: stream.NewDecoder(
			stream.WithMode(s.opts.Mode),
			stream.WithMaxBuffer(s.opts.MaxBuffer),
			stream.WithTrailingPolicy(s.opts.Trailing),
		),
		correlationID: corrID,
		logger:        logger,
		started:       time.Now(),
	}, nil
}

// Session is one open upstream stream waiting to be relayed. Stream must be
// called exactly once.
type Session struct {
	ctx           context.Context
	cancel        context.CancelFunc
	body          io.ReadCloser
	pump          *stream.Pump
	decoder       *stream.Decoder
	correlationID string
	logger        *slog.Logger
	started       time.Time
}

func (s *Session) CorrelationID() string { return s.correlationID }

// Stream relays the upstream body into sink until it ends. The sink is always
// closed, with a non-nil error when the answer is incomplete.
func (s *Session) Stream(sink stream.Sink) error {
	defer s.cancel()

	stats, err := s.pump.Run(s.ctx, s.body, s.decoder, sink)
	attrs := []any{
		"fragments", stats.Fragments,
		"bytes", stats.BytesRead,
		"records", stats.Decoder.Records,
		"malformed", stats.Decoder.Malformed,
		"duration_ms", time.Since(s.started).Milliseconds(),
	}
	if err == nil {
		s.logger.Info("relay: stream complete", attrs...)
		return nil
	}

	ucErr := classifyStreamError(err)
	attrs = append(attrs, "code", ucErr.Code, "reason", ucErr.Reason, "err", err)
	if ucErr.Reason == "downstream_closed" || ucErr.Reason == "cancelled" {
		s.logger.Info("relay: client went away", attrs...)
	} else {
		s.logger.Error("relay: stream aborted", attrs...)
	}
	return ucErr
}

func classifyOpenError(err error) *Error {
	if _, ok := upstreamStatusCode(err); ok {
		return newError(ErrorUpstream, "upstream_status", err)
	}
	// A key fetch cut short by the caller is not a configuration problem.
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorTransport, "relay_deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(ErrorTransport, "cancelled", err)
	}
	if errors.Is(err, gemini.ErrCredentials) {
		return newError(ErrorConfig, "missing_credentials", err)
	}
	return newError(ErrorTransport, "upstream_unreachable", err)
}

func classifyStreamError(err error) *Error {
	var overflow *stream.OverflowError
	var trailing *stream.TrailingDataError
	switch {
	case errors.As(err, &overflow):
		return newError(ErrorDecodeOverflow, "decoder_overflow", err)
	case errors.As(err, &trailing):
		return newError(ErrorStreamTruncated, "trailing_data", err)
	case errors.Is(err, stream.ErrSinkClosed):
		return newError(ErrorTransport, "downstream_closed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTransport, "relay_deadline", err)
	case errors.Is(err, context.Canceled):
		return newError(ErrorTransport, "cancelled", err)
	default:
		return newError(ErrorTransport, "upstream_read_error", err)
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
