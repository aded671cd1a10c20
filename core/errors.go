package core

import (
	"errors"
	"fmt"
)

// ErrParse is matched (errors.Is) by every *ParseError.
var ErrParse = errors.New("core: parse error")

// ErrPrecisionUnderflow reports that a magnitude the engine needs rounded to a
// zero mantissa at the current precision.
var ErrPrecisionUnderflow = errors.New("core: precision underflow")

// ParseError describes malformed decimal or serialized input.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	in := e.Input
	if len(in) > 64 {
		in = in[:61] + "..."
	}
	return fmt.Sprintf("core: cannot parse %q: %s", in, e.Reason)
}

// Is makes errors.Is(err, ErrParse) hold for any *ParseError.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}
