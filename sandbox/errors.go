package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies a sandbox failure. Callers branch on it: the loader
// rejects programs on compile-time kinds, the executor records run-time
// kinds on the execution row.
type Kind int

const (
	// ErrSyntax: the source does not parse.
	ErrSyntax Kind = iota + 1
	// ErrForbiddenImport: the source declares imports or calls require.
	ErrForbiddenImport
	// ErrForbiddenCall: the source reaches for eval, Function, reflection
	// escapes, or other denied names.
	ErrForbiddenCall
	// ErrTimeout: the wall-clock ceiling interrupted execution.
	ErrTimeout
	// ErrBadReturn: the program returned a value outside the declared shape.
	ErrBadReturn
	// ErrRuntime: the program threw, or a host fault occurred.
	ErrRuntime
)

func (k Kind) String() string {
	switch k {
	case ErrSyntax:
		return "syntax"
	case ErrForbiddenImport:
		return "forbidden_import"
	case ErrForbiddenCall:
		return "forbidden_call"
	case ErrTimeout:
		return "timeout"
	case ErrBadReturn:
		return "bad_return"
	case ErrRuntime:
		return "runtime"
	}
	return "unknown"
}

// Error is any sandbox failure. Name is the program the failure belongs
// to; Line is 1-based when known, 0 otherwise.
type Error struct {
	Kind   Kind
	Name   string
	Line   int
	Detail string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("sandbox: %s: %s error at line %d: %s", e.Name, e.Kind, e.Line, e.Detail)
	}
	return fmt.Sprintf("sandbox: %s: %s error: %s", e.Name, e.Kind, e.Detail)
}

// IsKind reports whether err is a sandbox Error of the given kind.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}
