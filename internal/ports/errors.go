package ports

import "errors"

// Error kinds shared by every backend. Callers test for them with errors.Is.
var (
	// ErrOpen means the archive could not be opened: missing, unreadable or unsupported.
	ErrOpen = errors.New("cannot open archive")
	// ErrRead means reading the archive failed part way through.
	ErrRead = errors.New("cannot read archive")
	// ErrWrite means writing to the destination failed.
	ErrWrite = errors.New("cannot write destination")
	// ErrPathSafety means an entry would be written outside the destination.
	ErrPathSafety = errors.New("entry escapes destination")
	// ErrBackendUnavailable is returned by backend constructors whose requirements are missing.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBusy is returned when an operation is started while another is still running.
	ErrBusy = errors.New("an operation is already running")
)

// ErrorKind returns a short stable name for the kind of err, or "" if it has none.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPathSafety):
		return "path"
	case errors.Is(err, ErrOpen):
		return "open"
	case errors.Is(err, ErrWrite):
		return "write"
	case errors.Is(err, ErrRead):
		return "read"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, ErrBusy):
		return "busy"
	}
	return ""
}

// KindError returns the sentinel for a name produced by ErrorKind.
func KindError(kind string) error {
	switch kind {
	case "path":
		return ErrPathSafety
	case "open":
		return ErrOpen
	case "write":
		return ErrWrite
	case "read":
		return ErrRead
	case "unavailable":
		return ErrBackendUnavailable
	case "busy":
		return ErrBusy
	}
	return nil
}
