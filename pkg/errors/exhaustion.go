package errors

import (
	stderr "errors"
	"strings"
	"syscall"
)

// exhaustionSignatures are lowercase fragments of messages produced by
// out-of-memory and out-of-space failures.
var exhaustionSignatures = []string{
	"out of memory",
	"cannot allocate memory",
	"heap out of memory",
	"allocation failed",
	"enomem",
	"no space left on device",
	"enospc",
	"resource exhausted",
}

// IsResourceExhaustion reports whether err signals memory or disk exhaustion.
func IsResourceExhaustion(err error) bool {
	if err == nil {
		return false
	}

	var sessionErr *SessionError
	if stderr.As(err, &sessionErr) {
		if sessionErr.Code == ErrCodeOutOfMemory || sessionErr.Code == ErrCodeResourceExhausted {
			return true
		}
	}

	if stderr.Is(err, syscall.ENOMEM) || stderr.Is(err, syscall.ENOSPC) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range exhaustionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var sessionErr *SessionError
	for err != nil {
		if stderr.As(err, &sessionErr) {
			if sessionErr.Code == code {
				return true
			}
			err = sessionErr.Cause
			continue
		}
		return false
	}
	return false
}
