package log

import (
	"errors"
	"fmt"
)

// ErrLogOutputRequired is used when no log output is specified.
var ErrLogOutputRequired = errors.New("you must specify a log output")

type invalidLogFormatError struct {
	format string
}

func (e invalidLogFormatError) Error() string {
	return fmt.Sprintf("logger format %s is invalid", e.format)
}

type invalidVerbosityError struct {
	verbosity int
}

func (e invalidVerbosityError) Error() string {
	return fmt.Sprintf("log verbosity %d is invalid, it must be between 0 and 10", e.verbosity)
}
