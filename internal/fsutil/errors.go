package fsutil

import (
	"errors"
	"io/fs"
	"syscall"
)

// Error kinds. Every failure that leaves the gateway matches exactly one of
// these with errors.Is.
var (
	ErrInvalidPath   = errors.New("invalid path")
	ErrNotFound      = errors.New("not found")
	ErrNotADirectory = errors.New("not a directory")
	ErrIsADirectory  = errors.New("is a directory")
	ErrAlreadyExists = errors.New("already exists")
	ErrMissingName   = errors.New("missing name")
	ErrTooLarge      = errors.New("file too large")
	ErrWriteFailure  = errors.New("write failure")
	ErrIO            = errors.New("i/o failure")
	ErrUnavailable   = errors.New("unavailable")
	ErrConflict      = errors.New("conflict")
)

// Error carries the operation and client-facing path of a failure together
// with its kind. Err holds the low-level cause for logging only.
type Error struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Path != "" {
		s += " " + e.Path
	} else {
		s += " /"
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *Error of the given kind.
func NewError(op, rel string, kind, cause error) *Error {
	return &Error{Op: op, Path: rel, Kind: kind, Err: cause}
}

// Classify translates a filesystem error into the taxonomy. fallback is the
// kind used for anything that is not a recognizable condition (ErrIO for
// reads, ErrWriteFailure for mutations). Errors already classified pass
// through untouched.
func Classify(op, rel string, err error, fallback error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NewError(op, rel, ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return NewError(op, rel, ErrAlreadyExists, err)
	case errors.Is(err, syscall.ENOTDIR):
		return NewError(op, rel, ErrNotADirectory, err)
	case errors.Is(err, syscall.EISDIR):
		return NewError(op, rel, ErrIsADirectory, err)
	}
	return NewError(op, rel, fallback, err)
}

// KindOf returns the taxonomy kind of err, or nil when err is not one of
// ours.
func KindOf(err error) error {
	for _, k := range []error{
		ErrInvalidPath, ErrNotFound, ErrNotADirectory, ErrIsADirectory,
		ErrAlreadyExists, ErrMissingName, ErrTooLarge, ErrWriteFailure,
		ErrIO, ErrUnavailable, ErrConflict,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
