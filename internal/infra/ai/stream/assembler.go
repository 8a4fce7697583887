// Package stream reconstructs one logical model response from a raw byte
// stream that may carry zero or more concatenated JSON objects with no
// enclosing array and no delimiters. A well-formed single JSON body passes
// through as exactly one fragment.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyStream is returned when the stream ends without a single
// recognized fragment.
var ErrEmptyStream = errors.New("stream ended with no recognized fragments")

// Usage carries the token counters reported by the endpoint.
type Usage struct {
	PromptTokens    int `json:"promptTokenCount"`
	CandidateTokens int `json:"candidatesTokenCount"`
	TotalTokens     int `json:"totalTokenCount"`
}

// APIError is the structured error body the endpoint embeds in a fragment.
type APIError struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Code, e.Status, e.Message)
}

// Fragment is one syntactically complete JSON object recovered from the
// buffer. A candidate object is kept only if it carries at least one of the
// expected top-level markers.
type Fragment struct {
	Candidates    []Candidate `json:"candidates"`
	UsageMetadata *Usage      `json:"usageMetadata"`
	Error         *APIError   `json:"error"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text"`
}

// Response is the logical merge of all fragments for one call: every text
// part concatenated in arrival order, metadata taken from the last fragment
// that defines it.
type Response struct {
	Text         string
	Role         string
	FinishReason string
	Usage        Usage
	Err          *APIError
}

// Assembler scans fed bytes character by character, tracking brace depth
// and string/escape state, and slices out candidate objects as their depth
// returns to zero. State carries across Feed calls, so a read may end
// mid-object and the tail is retained for the next read.
type Assembler struct {
	buf      []byte
	pos      int
	start    int
	depth    int
	inString bool
	escaped  bool
	frags    []Fragment
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Feed appends chunk to the working buffer and advances the scan.
func (a *Assembler) Feed(chunk []byte) {
	a.buf = append(a.buf, chunk...)
	for ; a.pos < len(a.buf); a.pos++ {
		c := a.buf[a.pos]
		if a.inString {
			switch {
			case a.escaped:
				a.escaped = false
			case c == '\\':
				a.escaped = true
			case c == '"':
				a.inString = false
			}
			continue
		}
		switch c {
		case '"':
			a.inString = true
		case '{':
			if a.depth == 0 {
				a.start = a.pos
			}
			a.depth++
		case '}':
			if a.depth == 0 {
				continue // stray close brace between objects
			}
			a.depth--
			if a.depth == 0 {
				a.collect(a.buf[a.start : a.pos+1])
			}
		}
	}
	a.compact()
}

// collect parses a candidate object and keeps it only when it carries one
// of the expected top-level shape markers. Parse failures and unrecognized
// shapes are dropped silently.
func (a *Assembler) collect(raw []byte) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}
	_, hasCandidates := probe["candidates"]
	_, hasUsage := probe["usageMetadata"]
	_, hasError := probe["error"]
	if !hasCandidates && !hasUsage && !hasError {
		return
	}
	var f Fragment
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	a.frags = append(a.frags, f)
}

// compact drops consumed bytes. Mid-object the unconsumed tail from the
// candidate's start offset is retained.
func (a *Assembler) compact() {
	cut := a.pos
	if a.depth > 0 && a.start < cut {
		cut = a.start
	}
	if cut == 0 {
		return
	}
	a.buf = append(a.buf[:0], a.buf[cut:]...)
	a.pos -= cut
	a.start -= cut
	if a.start < 0 {
		a.start = 0
	}
}

// FragmentCount returns how many fragments have been recognized so far.
func (a *Assembler) FragmentCount() int {
	return len(a.frags)
}

// Finish merges all collected fragments into one Response. It fails with
// ErrEmptyStream when nothing was recognized.
func (a *Assembler) Finish() (*Response, error) {
	if len(a.frags) == 0 {
		return nil, ErrEmptyStream
	}

	resp := &Response{}
	var text strings.Builder
	for _, f := range a.frags {
		for _, c := range f.Candidates {
			for _, p := range c.Content.Parts {
				text.WriteString(p.Text)
			}
			if c.Content.Role != "" {
				resp.Role = c.Content.Role
			}
			if c.FinishReason != "" {
				resp.FinishReason = c.FinishReason
			}
		}
		if f.UsageMetadata != nil {
			resp.Usage = *f.UsageMetadata
		}
		if f.Error != nil {
			resp.Err = f.Error
		}
	}
	resp.Text = text.String()
	return resp, nil
}

// ReadAll drains r through an Assembler. Cancellation is checked before
// every read; once signaled, partial state is discarded and the context
// error surfaces immediately.
func ReadAll(ctx context.Context, r io.Reader) (*Response, error) {
	a := NewAssembler()
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			a.Feed(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}
	}
	return a.Finish()
}
