package store

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"syscall"
)

// Sentinel errors returned by store operations. Callers match with errors.Is.
var (
	ErrNotFound  = errors.New("discussion not found")
	ErrForbidden = errors.New("ownership mismatch")
	ErrInvalid   = errors.New("validation failed")
	ErrConflict  = errors.New("active discussion exists")

	// ErrNonAtomicFS signals that a two-file journal write could not be
	// verified after rename; the filesystem does not behave atomically.
	ErrNonAtomicFS = errors.New("non-atomic filesystem: journal verification failed")
)

// Permanent reports whether err must not be retried: not-found, permission,
// ownership, and validation failures are surfaced immediately.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalid) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNonAtomicFS) {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	return false
}

// Transient reports whether err is worth retrying: busy files, interrupted
// syscalls, i/o and timeout classes. Unknown errors are treated as transient
// so a flaky disk does not permanently fail an append; the retry wrapper
// logs them.
func Transient(err error) bool {
	if err == nil || Permanent(err) {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.EBUSY, syscall.EINTR, syscall.EIO, syscall.ETIMEDOUT:
			return true
		}
	}
	if os.IsTimeout(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"busy", "locked", "i/o", "timeout", "network", "temporar"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	// Unknown class: retry but let the caller log it.
	return true
}
