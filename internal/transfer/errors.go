package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/Fuabioo/recmerge/internal/record"
)

// Kind classifies why a transfer was aborted.
type Kind int

const (
	// KindUnexpected covers every failure that is not one of the others,
	// including write errors on the output file.
	KindUnexpected Kind = iota
	// KindFileNotFound means an input path does not exist.
	KindFileNotFound
	// KindMalformedInput means an input is not a JSON object of objects.
	KindMalformedInput
)

func (k Kind) String() string {
	switch k {
	case KindFileNotFound:
		return "file_not_found"
	case KindMalformedInput:
		return "malformed_input"
	default:
		return "unexpected"
	}
}

// Error is returned by Transfer and BatchTransfer when the operation is
// aborted. No output is written when an Error is returned during loading.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("transfer: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transfer: %s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindUnexpected when err is not an *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnexpected
}

// classify wraps a load error with the matching Kind.
func classify(path string, err error) *Error {
	var syntaxErr *json.SyntaxError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: KindFileNotFound, Path: path, Err: err}
	case errors.Is(err, record.ErrMalformed), errors.As(err, &syntaxErr):
		return &Error{Kind: KindMalformedInput, Path: path, Err: err}
	default:
		return &Error{Kind: KindUnexpected, Path: path, Err: err}
	}
}
