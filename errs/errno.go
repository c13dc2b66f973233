// Package errs defines the flat error taxonomy shared by every layer of the
// file system: the block device, the bitmaps, the inode table, directory
// entries, and the file system core all return one of these codes, wrapped
// with a caller-supplied message where it helps.
package errs

import "fmt"

// Code is one of the small, fixed set of outcomes an operation can have.
// There is deliberately no richer hierarchy: every component in this module
// maps its failures onto one of these.
type Code int

const (
	// Generic is the catch-all code, also used for "directory not empty".
	Generic Code = iota
	// NotFound means a path component or directory entry doesn't exist.
	NotFound
	// Exists means the name is already taken at the intended location.
	Exists
	// NoSpace means a bitmap is exhausted, the device is too small, or an
	// output buffer can't hold a reconstructed path.
	NoSpace
	// Invalid means a malformed path/name, wrong inode type, or bad argument.
	Invalid
	// IO means the underlying block device failed, or on-disk data is
	// corrupt (bad magic, a indirect block that doesn't parse).
	IO
	// Permission means the open flags don't permit the requested operation.
	Permission
)

func (c Code) String() string {
	switch c {
	case Generic:
		return "generic failure"
	case NotFound:
		return "no such file or directory"
	case Exists:
		return "file exists"
	case NoSpace:
		return "no space left on device"
	case Invalid:
		return "invalid argument"
	case IO:
		return "input/output error"
	case Permission:
		return "permission denied"
	default:
		return fmt.Sprintf("unknown error code %d", int(c))
	}
}

// FSError is the error type returned from every exported function in this
// module. It always carries one of the codes above, plus a human-readable
// message and, optionally, an underlying cause.
type FSError struct {
	code    Code
	message string
	cause   error
}

// New creates an FSError carrying a default message derived from the code.
func New(code Code) *FSError {
	return &FSError{code: code, message: code.String()}
}

// Newf creates an FSError with a custom, formatted message.
func Newf(code Code, format string, args ...any) *FSError {
	return &FSError{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a code, keeping the cause's text
// alongside the code's own description.
func Wrap(code Code, cause error) *FSError {
	return &FSError{
		code:    code,
		message: fmt.Sprintf("%s: %s", code.String(), cause.Error()),
		cause:   cause,
	}
}

func (e *FSError) Error() string {
	return e.message
}

func (e *FSError) Unwrap() error {
	return e.cause
}

// CodeOf returns the code carried by an FSError anywhere in err's unwrap
// chain, or Generic if there is none.
func CodeOf(err error) Code {
	var fsErr *FSError
	if ok := asFSError(err, &fsErr); ok {
		return fsErr.code
	}
	return Generic
}

// Is reports whether err is an FSError carrying the given code.
func Is(err error, code Code) bool {
	var fsErr *FSError
	if ok := asFSError(err, &fsErr); ok {
		return fsErr.code == code
	}
	return false
}

func asFSError(err error, target **FSError) bool {
	for err != nil {
		if fsErr, ok := err.(*FSError); ok {
			*target = fsErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
