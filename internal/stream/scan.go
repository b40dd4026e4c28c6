package stream

import (
	"bytes"
	"encoding/json"
)

type scanStatus int

const (
	scanNeedMore scanStatus = iota
	scanRecord
	scanMalformed
)

type scanResult struct {
	status    scanStatus
	record    []byte
	consumed  int
	lineStart bool
}

var (
	dataMarker   = []byte("data:")
	fieldMarkers = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:"), []byte(":")}
)

// scan looks for the first complete record in buf. Bytes before it that can
// never belong to a record (whitespace, array punctuation, event-stream field
// lines) are reported as consumed along with the record itself.
//
// lineStart tells whether buf[0] begins a line.
func scan(buf []byte, lineStart bool) scanResult {
	i := 0
	for i < len(buf) {
		if lineStart {
			rest := buf[i:]
			if bytes.HasPrefix(rest, dataMarker) {
				i += markerLen(rest)
				lineStart = false
				continue
			}
			if partialMarker(rest) {
				return scanResult{status: scanNeedMore, consumed: i, lineStart: true}
			}
			if fieldLine(rest) {
				nl := bytes.IndexByte(rest, '\n')
				if nl < 0 {
					return scanResult{status: scanNeedMore, consumed: i, lineStart: true}
				}
				i += nl + 1
				continue
			}
		}
		switch buf[i] {
		case '{':
			return scanRecordAt(buf, i, lineStart)
		case '\n':
			lineStart = true
		default:
			lineStart = false
		}
		i++
	}
	return scanResult{status: scanNeedMore, consumed: i, lineStart: lineStart}
}

// scanRecordAt walks a candidate starting at buf[start] == '{' until its braces
// balance. data: markers at the start of continuation lines are stripped.
//
// An open candidate is abandoned as malformed at a blank line, or when a
// continuation line is a complete record by itself. Scanning then resumes at
// that line, so one unbalanced record cannot swallow the ones after it.
func scanRecordAt(buf []byte, start int, startsLine bool) scanResult {
	var (
		depth     int
		inString  bool
		escaped   bool
		lineStart bool
		joined    []byte
		seg       = start
	)
	for j := start; j < len(buf); {
		if lineStart && !inString {
			if blankLine(buf[j:]) {
				return scanResult{status: scanMalformed, consumed: j, lineStart: true}
			}
			body := j
			if bytes.HasPrefix(buf[j:], dataMarker) {
				body += markerLen(buf[j:])
			}
			switch classifyLine(buf[body:]) {
			case lineRecord:
				return scanResult{status: scanMalformed, consumed: j, lineStart: true}
			case lineUndecided:
				return scanResult{status: scanNeedMore, consumed: start, lineStart: startsLine}
			}
			if body != j {
				joined = append(joined, buf[seg:j]...)
				j = body
				seg = j
				lineStart = false
				continue
			}
		}
		lineStart = false
		c := buf[j]
		switch {
		case escaped:
			escaped = false
		case inString:
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			case '\n':
				// A raw newline can never appear inside a JSON string, so this
				// candidate will not complete. Resume scanning at the newline.
				return scanResult{status: scanMalformed, consumed: j, lineStart: false}
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				record := buf[start : j+1]
				if joined != nil {
					record = append(joined, buf[seg:j+1]...)
				}
				return scanResult{status: scanRecord, record: record, consumed: j + 1}
			}
		case c == '\n':
			lineStart = true
		}
		j++
	}
	return scanResult{status: scanNeedMore, consumed: start, lineStart: startsLine}
}

type lineKind int

const (
	lineContinues lineKind = iota
	lineRecord
	lineUndecided
)

// classifyLine reports whether b starts with a line that is a whole JSON
// object on its own. Pretty-printed records indent their inner objects, so a
// line opening with '{' in the first column is the start of a new record.
// Until its newline arrives such a line is undecided.
func classifyLine(b []byte) lineKind {
	if len(b) == 0 || b[0] != '{' {
		return lineContinues
	}
	nl := bytes.IndexByte(b, '\n')
	if nl < 0 {
		return lineUndecided
	}
	if json.Valid(bytes.TrimRight(b[:nl], " \t\r")) {
		return lineRecord
	}
	return lineContinues
}

func blankLine(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return b[0] == '\n' || (b[0] == '\r' && len(b) > 1 && b[1] == '\n')
}

// markerLen returns the length of a data: marker plus its optional single space.
func markerLen(b []byte) int {
	n := len(dataMarker)
	if len(b) > n && b[n] == ' ' {
		n++
	}
	return n
}

// partialMarker reports whether b is a strict prefix of a framing marker, in
// which case the next chunk decides what the line is.
func partialMarker(b []byte) bool {
	if len(b) < len(dataMarker) && bytes.HasPrefix(dataMarker, b) {
		return true
	}
	for _, m := range fieldMarkers {
		if len(b) < len(m) && bytes.HasPrefix(m, b) {
			return true
		}
	}
	return false
}

func fieldLine(b []byte) bool {
	for _, m := range fieldMarkers {
		if bytes.HasPrefix(b, m) {
			return true
		}
	}
	return false
}
