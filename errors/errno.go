// This is a compatibility shim for POSIX-defined errno codes across platforms.
// The syscall package doesn't define all the values we need on all systems,
// particularly things like EUCLEAN.

package errors

import (
	"fmt"
)

type Errno int

const (
	EOK Errno = iota
	EPERM
	ENOENT
	EIO
	EBADF
	EACCES
	EBUSY
	EEXIST
	EISDIR
	EINVAL
	EFBIG
	ENOSPC
	EROFS
	EDOM
	ERANGE
	ENOSYS
	ENOTSUP
	EALREADY
	EUCLEAN
)

var ErrNotPermitted = New(EPERM)
var ErrNotFound = New(ENOENT)
var ErrIOFailed = New(EIO)
var ErrInvalidFileDescriptor = New(EBADF)
var ErrPermissionDenied = New(EACCES)
var ErrBusy = New(EBUSY)
var ErrExists = New(EEXIST)
var ErrIsADirectory = New(EISDIR)
var ErrInvalidArgument = New(EINVAL)
var ErrFileTooLarge = New(EFBIG)
var ErrNoSpaceOnDevice = New(ENOSPC)
var ErrReadOnlyFileSystem = New(EROFS)
var ErrArgumentOutOfRange = New(EDOM)
var ErrResultOutOfRange = New(ERANGE)
var ErrNotImplemented = New(ENOSYS)
var ErrNotSupported = New(ENOTSUP)
var ErrAlreadyInProgress = New(EALREADY)
var ErrFileSystemCorrupted = New(EUCLEAN)

var errorMessagesByCode = map[Errno]string{
	EPERM:    "Operation not permitted",
	ENOENT:   "No such file or directory",
	EIO:      "Input/output error",
	EBADF:    "Bad file descriptor",
	EACCES:   "Permission denied",
	EBUSY:    "Device or resource busy",
	EEXIST:   "File exists",
	EISDIR:   "Is a directory",
	EINVAL:   "Invalid argument",
	EFBIG:    "File too large",
	ENOSPC:   "No space left on device",
	EROFS:    "Read-only file system",
	EDOM:     "Numerical argument out of domain",
	ERANGE:   "Numerical result out of range",
	ENOSYS:   "Function not implemented",
	ENOTSUP:  "Operation not supported",
	EALREADY: "Operation already in progress",
	EUCLEAN:  "Structure needs cleaning",
}

func StrError(code Errno) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}
