package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Record is one raw input row keyed by column name.
type Record struct {
	// Line is the 1-based data row (CSV) or line number (JSON lines).
	Line   int
	Ref    string
	Fields map[string]string

	// Err is set when the row could not be decoded. The stream continues.
	Err error
}

// RecordStream yields records until io.EOF.
type RecordStream interface {
	Next() (*Record, error)
}

// CSVStream reads a header-mapped CSV file. Header names are trimmed and
// lower-cased; data rows are numbered from 1.
type CSVStream struct {
	r      *csv.Reader
	header []string
	line   int
	err    error
}

// NewCSVStream creates a stream over r. The header row is read on the first
// call to Next.
func NewCSVStream(r io.Reader) *CSVStream {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return &CSVStream{r: cr}
}

// Next returns the next data row.
func (s *CSVStream) Next() (*Record, error) {
	if s.err != nil {
		return nil, s.err
	}

	if s.header == nil {
		header, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			s.err = io.EOF
			return nil, s.err
		}
		if err != nil {
			s.err = fmt.Errorf("read csv header: %w", err)
			return nil, s.err
		}
		s.header = make([]string, len(header))
		for i, h := range header {
			s.header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		}
	}

	row, err := s.r.Read()
	if errors.Is(err, io.EOF) {
		s.err = io.EOF
		return nil, s.err
	}

	s.line++
	rec := &Record{Line: s.line, Ref: fmt.Sprintf("row %d", s.line)}

	var perr *csv.ParseError
	if errors.As(err, &perr) {
		rec.Err = fmt.Errorf("malformed csv: %w", perr.Err)
		return rec, nil
	}
	if err != nil {
		s.err = err
		return nil, err
	}

	rec.Fields = make(map[string]string, len(s.header))
	for i, name := range s.header {
		if i < len(row) && name != "" {
			rec.Fields[name] = strings.TrimSpace(row[i])
		}
	}
	return rec, nil
}

// JSONLinesStream reads one JSON object per line. Blank lines are ignored.
// A line longer than maxLineSize becomes a failed record and reading
// resumes at the next line.
type JSONLinesStream struct {
	r    *bufio.Reader
	line int
	done bool
}

const maxLineSize = 1 << 20

// NewJSONLinesStream creates a stream over r.
func NewJSONLinesStream(r io.Reader) *JSONLinesStream {
	return &JSONLinesStream{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-blank line.
func (s *JSONLinesStream) Next() (*Record, error) {
	for !s.done {
		raw, tooLong, err := s.readLine()
		if err != nil {
			return nil, fmt.Errorf("read json lines: %w", err)
		}
		if s.done && len(raw) == 0 && !tooLong {
			break
		}
		s.line++

		rec := &Record{Line: s.line, Ref: fmt.Sprintf("line %d", s.line)}
		if tooLong {
			rec.Err = fmt.Errorf("line exceeds %d bytes", maxLineSize)
			return rec, nil
		}

		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			rec.Err = fmt.Errorf("malformed json: %w", err)
			return rec, nil
		}

		rec.Fields = make(map[string]string, len(obj))
		for k, v := range obj {
			rec.Fields[strings.ToLower(k)] = stringify(v)
		}
		return rec, nil
	}
	return nil, io.EOF
}

// readLine returns the next line without its terminator. Bytes past
// maxLineSize are discarded and tooLong is set. done is recorded once the
// reader is exhausted.
func (s *JSONLinesStream) readLine() (line []byte, tooLong bool, err error) {
	for {
		chunk, err := s.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLineSize+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			s.done = true
			return bytes.TrimRight(line, "\r\n"), tooLong, nil
		default:
			return nil, false, err
		}
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
