package sse

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame indicates a data line whose payload is not valid JSON.
var ErrMalformedFrame = errors.New("malformed frame")

// DecodeError describes a single frame that was skipped. It is reported
// through the decoder hook and never ends the stream.
type DecodeError struct {
	Line    int
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame at line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
