package fdtables

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errno is a POSIX-style error number.  Values match Linux where Linux has
// one, so callers can mirror them straight back to userspace.
type Errno uint64

// Error numbers surfaced by this library.
const (
	ENOENT Errno = 2
	EBADF  Errno = 9
	EEXIST Errno = 17
	EINVAL Errno = 22
	EMFILE Errno = 24
	ELOOP  Errno = 40
	// ELIND is local to this library: a caller asked for a specific virtual
	// fd that is already occupied.
	ELIND Errno = 254
)

var errnoNames = map[Errno]string{
	ENOENT: "ENOENT",
	EBADF:  "EBADF",
	EEXIST: "EEXIST",
	EINVAL: "EINVAL",
	EMFILE: "EMFILE",
	ELOOP:  "ELOOP",
	ELIND:  "ELIND",
}

var errnoDescriptions = map[Errno]string{
	ENOENT: "No such file or directory",
	EBADF:  "Bad file descriptor",
	EEXIST: "File exists",
	EINVAL: "Invalid argument",
	EMFILE: "Too many open files",
	ELOOP:  "Too many levels of symbolic links",
	ELIND:  "Virtual file descriptor in use",
}

func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("errno %d", uint64(e))
}

// Description returns a short description of the error number.
func (e Errno) Description() string {
	if desc, ok := errnoDescriptions[e]; ok {
		return desc
	}
	return fmt.Sprintf("errno %d", uint64(e))
}

// ErrnoOf unwraps err to the Errno at its root, or 0 if there isn't one.
func ErrnoOf(err error) Errno {
	if e, ok := errors.Cause(err).(Errno); ok {
		return e
	}
	return 0
}
