package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const defaultReadSize = 8 << 10

// ErrSinkClosed reports that the downstream consumer stopped accepting writes.
var ErrSinkClosed = errors.New("stream: downstream sink closed")

// Sink receives fragments in upstream order. Close is called exactly once;
// a non-nil err means the stream ended early and the sink should signal
// truncation wherever its transport allows.
type Sink interface {
	WriteFragment(fragment string) error
	Close(err error) error
}

// Stats summarises one pump run.
type Stats struct {
	BytesRead int64
	Fragments int
	Decoder   DecoderStats
}

type PumpOption func(*Pump)

func WithReadSize(n int) PumpOption {
	return func(p *Pump) {
		if n > 0 {
			p.readSize = n
		}
	}
}

func WithLogger(l *slog.Logger) PumpOption {
	return func(p *Pump) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pump moves bytes from an upstream body through a Decoder into a Sink.
// A Pump holds no per-session state and may be shared.
type Pump struct {
	readSize int
	logger   *slog.Logger
}

func NewPump(opts ...PumpOption) *Pump {
	p := &Pump{readSize: defaultReadSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run reads body until EOF, an error on either side, or ctx cancellation.
// The body is always closed before Run returns; cancelling ctx closes it early
// so a blocked read is released.
func (p *Pump) Run(ctx context.Context, body io.ReadCloser, dec *Decoder, sink Sink) (Stats, error) {
	var closeOnce sync.Once
	closeBody := func() { closeOnce.Do(func() { _ = body.Close() }) }
	defer closeBody()

	stop := context.AfterFunc(ctx, closeBody)
	defer stop()

	var stats Stats
	err := p.loop(ctx, body, dec, sink, &stats)
	if pending := dec.Pending(); pending > 0 {
		p.logger.Debug("stream: pending bytes at close", "bytes", pending, "mode", dec.Mode().String())
	}
	if cerr := dec.Close(); err == nil {
		err = cerr
	}
	stats.Decoder = dec.Stats()

	if errors.Is(err, ErrSinkClosed) {
		// The consumer is gone, so release upstream before anything else.
		closeBody()
		_ = sink.Close(err)
		return stats, err
	}
	if cerr := sink.Close(err); cerr != nil && err == nil {
		err = fmt.Errorf("%w: %v", ErrSinkClosed, cerr)
	}
	return stats, err
}

func (p *Pump) loop(ctx context.Context, body io.Reader, dec *Decoder, sink Sink, stats *Stats) error {
	buf := make([]byte, p.readSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			stats.BytesRead += int64(n)
			for fragment, err := range dec.Feed(buf[:n]) {
				if err != nil {
					return err
				}
				if werr := sink.WriteFragment(fragment); werr != nil {
					return fmt.Errorf("%w: %v", ErrSinkClosed, werr)
				}
				stats.Fragments++
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if cerr := context.Cause(ctx); cerr != nil {
				return cerr
			}
			return fmt.Errorf("stream: read upstream: %w", rerr)
		}
	}
}
