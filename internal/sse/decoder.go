// Package sse decodes text/event-stream bodies into a normalized token sequence.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/raphaelgruber/polychat/internal/models"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
	readBufSize  = 64 * 1024
)

// Token is one unit of decoded text. Terminal is set when the vendor
// signalled completion in the same frame.
type Token struct {
	Text     string
	Terminal bool
}

// Dialect extracts at most one token from a JSON payload. ok is false
// when the frame carries no token (keep-alives, role-only deltas).
type Dialect func(payload []byte) (tok Token, ok bool, err error)

// Option configures a Decoder.
type Option func(*Decoder)

// WithDecodeErrorHook registers a callback for frames that could not be decoded.
func WithDecodeErrorHook(fn func(*DecodeError)) Option {
	return func(d *Decoder) {
		d.onDecodeError = fn
	}
}

// Decoder reads SSE lines from r and yields tokens in arrival order.
// It is not safe for concurrent use and cannot be restarted.
type Decoder struct {
	r       *bufio.Reader
	dialect Dialect

	line      int
	malformed int
	done      bool

	onDecodeError func(*DecodeError)
}

// NewDecoder returns a Decoder over r using dialect to extract tokens.
func NewDecoder(r io.Reader, dialect Dialect, opts ...Option) *Decoder {
	d := &Decoder{
		r:       bufio.NewReaderSize(r, readBufSize),
		dialect: dialect,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next token. It returns io.EOF once the stream has ended,
// either because the reader is exhausted, a [DONE] sentinel was read, or a
// terminal token was already returned.
func (d *Decoder) Next() (Token, error) {
	for {
		if d.done {
			return Token{}, io.EOF
		}

		raw, err := d.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			d.done = true
			return Token{}, fmt.Errorf("read stream: %w", err)
		}
		if errors.Is(err, io.EOF) {
			d.done = true
			if len(raw) == 0 {
				return Token{}, io.EOF
			}
		}

		tok, ok := d.decodeLine(raw)
		if !ok {
			continue
		}
		if tok.Terminal {
			d.done = true
		}
		return tok, nil
	}
}

// Malformed returns the number of frames skipped because they could not be decoded.
func (d *Decoder) Malformed() int {
	return d.malformed
}

func (d *Decoder) decodeLine(raw []byte) (Token, bool) {
	d.line++
	line := bytes.TrimRight(raw, "\r\n")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Token{}, false
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return Token{}, false
	}
	if string(payload) == doneSentinel {
		d.done = true
		return Token{}, false
	}

	if !json.Valid(payload) {
		d.recordDecodeError(payload, ErrMalformedFrame)
		return Token{}, false
	}

	tok, ok, err := d.dialect(payload)
	if err != nil {
		d.recordDecodeError(payload, err)
		return Token{}, false
	}
	return tok, ok
}

func (d *Decoder) recordDecodeError(payload []byte, err error) {
	d.malformed++
	if d.onDecodeError == nil {
		return
	}
	d.onDecodeError(&DecodeError{
		Line:    d.line,
		Payload: models.Truncate(string(payload), 120),
		Err:     err,
	})
}
