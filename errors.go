package donard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/sbates130272/nvme-donard/internal/bridge"
	"github.com/sbates130272/nvme-donard/internal/mapping"
	"github.com/sbates130272/nvme-donard/internal/pagetable"
	"github.com/sbates130272/nvme-donard/internal/registry"
	"github.com/sbates130272/nvme-donard/internal/sgl"
)

// Error is a structured donard error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "PIN", "SUBMIT_IO")
	Handle uint64        // Pinned region handle (0 if not applicable)
	NSID   uint32        // Namespace ID (0 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Errno reported to callers
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Handle != 0 {
		parts = append(parts, fmt.Sprintf("handle=%#x", e.Handle))
	}

	if e.NSID != 0 {
		parts = append(parts, fmt.Sprintf("nsid=%d", e.NSID))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("donard: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("donard: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors carrying the same code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if de, ok := target.(DonardError); ok {
		return e.Code == ErrorCode(de)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeFault               ErrorCode = "bad address"
	ErrCodeInvalidHandle       ErrorCode = "invalid handle"
	ErrCodeNoSelection         ErrorCode = "no region selected"
	ErrCodeAccelerator         ErrorCode = "accelerator failure"
	ErrCodeReleasePending      ErrorCode = "release pending"
	ErrCodeRevoked             ErrorCode = "region revoked"
	ErrCodeUnsupportedPageSize ErrorCode = "unsupported page size"
	ErrCodeInsufficientPages   ErrorCode = "insufficient pages"
	ErrCodeMappingFailed       ErrorCode = "mapping failed"
	ErrCodeSubmitFailed        ErrorCode = "submission failed"
	ErrCodeLengthMismatch      ErrorCode = "length mismatch"
	ErrCodeResourceExhausted   ErrorCode = "resource exhausted"
	ErrCodeInvalidParameters   ErrorCode = "invalid parameters"
	ErrCodeCanceled            ErrorCode = "canceled"
	ErrCodeIOError             ErrorCode = "I/O error"
)

// DonardError is a plain sentinel matching every *Error of the same code
type DonardError string

func (e DonardError) Error() string {
	return string(e)
}

const (
	ErrFault               DonardError = "bad address"
	ErrInvalidHandle       DonardError = "invalid handle"
	ErrNoSelection         DonardError = "no region selected"
	ErrAccelerator         DonardError = "accelerator failure"
	ErrReleasePending      DonardError = "release pending"
	ErrRevoked             DonardError = "region revoked"
	ErrUnsupportedPageSize DonardError = "unsupported page size"
	ErrInsufficientPages   DonardError = "insufficient pages"
	ErrMappingFailed       DonardError = "mapping failed"
	ErrSubmitFailed        DonardError = "submission failed"
	ErrLengthMismatch      DonardError = "length mismatch"
	ErrResourceExhausted   DonardError = "resource exhausted"
	ErrInvalidParameters   DonardError = "invalid parameters"
)

// codeErrno is the errno reported for each code. Accelerator failures
// report the accelerator's own errno when it has one.
var codeErrno = map[ErrorCode]syscall.Errno{
	ErrCodeFault:               syscall.EFAULT,
	ErrCodeInvalidHandle:       syscall.EFAULT,
	ErrCodeNoSelection:         syscall.EINVAL,
	ErrCodeAccelerator:         syscall.EIO,
	ErrCodeReleasePending:      syscall.EBUSY,
	ErrCodeRevoked:             syscall.ENODEV,
	ErrCodeUnsupportedPageSize: syscall.EIO,
	ErrCodeInsufficientPages:   syscall.EINVAL,
	ErrCodeMappingFailed:       syscall.EAGAIN,
	ErrCodeSubmitFailed:        syscall.EIO,
	ErrCodeLengthMismatch:      syscall.ENOMEM,
	ErrCodeResourceExhausted:   syscall.ENOMEM,
	ErrCodeInvalidParameters:   syscall.EINVAL,
	ErrCodeCanceled:            syscall.EINTR,
	ErrCodeIOError:             syscall.EIO,
}

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: codeErrno[code],
		Msg:   msg,
	}
}

// NewHandleError creates a new error about a specific handle
func NewHandleError(op string, handle Handle, code ErrorCode, msg string) *Error {
	e := NewError(op, code, msg)
	e.Handle = uint64(handle)
	return e
}

// sentinels maps internal errors to codes. Order matters: a
// release-pending error also wraps the accelerator sentinel.
var sentinels = []struct {
	err  error
	code ErrorCode
}{
	{registry.ErrReleasePending, ErrCodeReleasePending},
	{registry.ErrAccelerator, ErrCodeAccelerator},
	{registry.ErrInvalidHandle, ErrCodeInvalidHandle},
	{registry.ErrRevoked, ErrCodeRevoked},
	{registry.ErrExhausted, ErrCodeResourceExhausted},
	{registry.ErrInvalidParameters, ErrCodeInvalidParameters},
	{mapping.ErrNoSelection, ErrCodeNoSelection},
	{mapping.ErrMappingFailed, ErrCodeMappingFailed},
	{mapping.ErrInvalidRange, ErrCodeInvalidParameters},
	{pagetable.ErrUnsupportedPageSize, ErrCodeUnsupportedPageSize},
	{sgl.ErrInsufficientPages, ErrCodeInsufficientPages},
	{sgl.ErrInvalidLength, ErrCodeInvalidParameters},
	{bridge.ErrLengthMismatch, ErrCodeLengthMismatch},
	{bridge.ErrUnsupportedOpcode, ErrCodeInvalidParameters},
	{bridge.ErrSubmitFailed, ErrCodeSubmitFailed},
	{bridge.ErrCommandFailed, ErrCodeSubmitFailed},
	{context.Canceled, ErrCodeCanceled},
	{context.DeadlineExceeded, ErrCodeCanceled},
}

// WrapError wraps an existing error with donard context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Handle: de.Handle,
			NSID:   de.NSID,
			Code:   de.Code,
			Errno:  de.Errno,
			Msg:    de.Msg,
			Inner:  de.Inner,
		}
	}

	for _, s := range sentinels {
		if !errors.Is(inner, s.err) {
			continue
		}
		// Accelerator errnos pass through, including on a pending release
		errno := codeErrno[s.code]
		var en syscall.Errno
		if errors.Is(inner, registry.ErrAccelerator) && errors.As(inner, &en) {
			errno = en
		}
		return &Error{
			Op:    op,
			Code:  s.code,
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	// Map bare syscall errors
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIOError,
		Errno: syscall.EIO,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to donard error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EFAULT:
		return ErrCodeFault
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.EBUSY:
		return ErrCodeReleasePending
	case syscall.ENODEV:
		return ErrCodeRevoked
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeResourceExhausted
	case syscall.EAGAIN:
		return ErrCodeMappingFailed
	case syscall.EINTR:
		return ErrCodeCanceled
	default:
		return ErrCodeIOError
	}
}

// Status converts err to the negative errno an ioctl-style caller sees.
// A nil error is 0.
func Status(err error) int32 {
	if err == nil {
		return 0
	}
	e := WrapError("", err)
	if e.Errno == 0 {
		return -int32(syscall.EIO)
	}
	return -int32(e.Errno)
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Errno == errno
	}
	return false
}
