package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
)

// DefaultMaxBuffer is the pending-byte cap applied when none is configured.
const DefaultMaxBuffer = 1 << 20

// Mode selects how raw upstream bytes become fragments.
type Mode int

const (
	// ModeDecode extracts candidates[0].content.parts[0].text from each record.
	ModeDecode Mode = iota
	// ModePassthrough forwards every raw chunk unchanged.
	ModePassthrough
)

func (m Mode) String() string {
	if m == ModePassthrough {
		return "passthrough"
	}
	return "decode"
}

// TrailingPolicy controls what Close does with an unfinished record.
type TrailingPolicy int

const (
	TrailingDiscard TrailingPolicy = iota
	TrailingReport
)

// ErrClosed is yielded by Feed once the decoder has been closed or has overflowed.
var ErrClosed = errors.New("stream: decoder closed")

// OverflowError reports that undecodable bytes grew past the configured cap.
type OverflowError struct {
	Size  int
	Limit int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("stream: pending buffer of %d bytes exceeds limit %d", e.Size, e.Limit)
}

// TrailingDataError reports an unfinished record left in the buffer at Close.
type TrailingDataError struct {
	Bytes int
}

func (e *TrailingDataError) Error() string {
	return fmt.Sprintf("stream: %d bytes of unfinished record at close", e.Bytes)
}

// DecoderStats counts what the decoder has seen so far.
type DecoderStats struct {
	Records   int
	Fragments int
	Malformed int
}

type DecoderOption func(*Decoder)

func WithMode(m Mode) DecoderOption {
	return func(d *Decoder) { d.mode = m }
}

func WithMaxBuffer(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxBuffer = n
		}
	}
}

func WithTrailingPolicy(p TrailingPolicy) DecoderOption {
	return func(d *Decoder) { d.trailing = p }
}

// Decoder turns arbitrarily split upstream chunks into text fragments.
//
// pending only ever holds the suffix of the input that has not yet formed a
// complete record. Bytes that fail to parse because they are incomplete stay
// there until a later Feed completes them.
//
// A Decoder belongs to a single relay session and is not safe for concurrent use.
type Decoder struct {
	mode      Mode
	maxBuffer int
	trailing  TrailingPolicy

	pending   []byte
	lineStart bool
	closed    bool
	stats     DecoderStats
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		mode:      ModeDecode,
		maxBuffer: DefaultMaxBuffer,
		lineStart: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the pending buffer and returns the fragments that are
// now complete, in upstream order. The sequence is lazy: records left
// unvisited when iteration stops early are returned by the next Feed.
func (d *Decoder) Feed(chunk []byte) iter.Seq2[string, error] {
	if d.closed {
		return func(yield func(string, error) bool) {
			yield("", ErrClosed)
		}
	}
	if d.mode == ModePassthrough {
		raw := string(chunk)
		return func(yield func(string, error) bool) {
			if raw == "" {
				return
			}
			d.stats.Records++
			d.stats.Fragments++
			yield(raw, nil)
		}
	}
	d.pending = append(d.pending, chunk...)
	return func(yield func(string, error) bool) {
		for {
			text, ok, err := d.next()
			if err != nil {
				yield("", err)
				return
			}
			if !ok || !yield(text, nil) {
				return
			}
		}
	}
}

// Close moves the decoder to its terminal state and drops any pending bytes.
// Under TrailingReport an unfinished record is returned as *TrailingDataError.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	rest := bytes.TrimSpace(d.pending)
	d.pending = nil
	if d.trailing == TrailingReport && bytes.IndexByte(rest, '{') >= 0 {
		return &TrailingDataError{Bytes: len(rest)}
	}
	return nil
}

// Pending returns the number of undecoded bytes currently held.
func (d *Decoder) Pending() int { return len(d.pending) }

func (d *Decoder) Mode() Mode { return d.mode }

func (d *Decoder) Stats() DecoderStats { return d.stats }

// next consumes records from the front of pending until one yields text or
// nothing complete remains.
func (d *Decoder) next() (string, bool, error) {
	for {
		res := scan(d.pending, d.lineStart)
		d.consume(res.consumed, res.lineStart)
		switch res.status {
		case scanMalformed:
			d.stats.Malformed++
			continue
		case scanRecord:
			d.stats.Records++
			text, err := extractText(res.record)
			if err != nil {
				d.stats.Malformed++
				continue
			}
			if text == "" {
				continue
			}
			d.stats.Fragments++
			return text, true, nil
		}
		break
	}
	if len(d.pending) > d.maxBuffer {
		size := len(d.pending)
		d.pending = nil
		d.closed = true
		return "", false, &OverflowError{Size: size, Limit: d.maxBuffer}
	}
	return "", false, nil
}

func (d *Decoder) consume(n int, lineStart bool) {
	if n == 0 {
		return
	}
	if n >= len(d.pending) {
		d.pending = nil
	} else {
		d.pending = d.pending[n:]
	}
	d.lineStart = lineStart
}

type generateContentChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// extractText returns candidates[0].content.parts[0].text, or "" when the path
// is absent or has an unexpected shape.
func extractText(record []byte) (string, error) {
	var chunk generateContentChunk
	if err := json.Unmarshal(record, &chunk); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return "", err
		}
	}
	if len(chunk.Candidates) == 0 || len(chunk.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return chunk.Candidates[0].Content.Parts[0].Text, nil
}
