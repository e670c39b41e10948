package parser

import "fmt"

// ParseError reports a single URI or config fragment that could not be
// decoded. Prefix carries the offending scheme (or a short excerpt when no
// scheme is recognizable) so per-URI failures stay diagnosable in logs.
type ParseError struct {
	Prefix string
	Input  string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parser: %s: %v", e.Prefix, e.Err)
	}
	return fmt.Sprintf("parser: %s: undecodable input", e.Prefix)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(input string, err error) *ParseError {
	prefix := input
	if idx := len(prefix); idx > 24 {
		prefix = prefix[:24]
	}
	if scheme, _, ok := cutScheme(input); ok {
		prefix = scheme + "://"
	}
	return &ParseError{Prefix: prefix, Input: input, Err: err}
}
