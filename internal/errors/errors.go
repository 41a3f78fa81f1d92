// Package errors defines the coded errors reported by the bridge.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode identifies an error kind.
type ErrorCode int

// Codes are grouped by area.
const (
	// General (1000-1999)
	ErrUnknown      ErrorCode = 1000
	ErrInvalidParam ErrorCode = 1001
	ErrTimeout      ErrorCode = 1005

	// Serial port (3000-3999)
	ErrPortNotFound  ErrorCode = 3000
	ErrPortOpen      ErrorCode = 3001
	ErrPortRead      ErrorCode = 3002
	ErrPortWrite     ErrorCode = 3003
	ErrPortNotOpen   ErrorCode = 3004
	ErrPortEnumerate ErrorCode = 3005

	// Console (4000-4999)
	ErrInputParse ErrorCode = 4000

	// Configuration (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigValidate ErrorCode = 6002
)

var errorMessages = map[ErrorCode]string{
	ErrUnknown:      "unknown error",
	ErrInvalidParam: "invalid parameter",
	ErrTimeout:      "operation timed out",

	ErrPortNotFound:  "could not find serial port",
	ErrPortOpen:      "failed to open serial port",
	ErrPortRead:      "serial read failed",
	ErrPortWrite:     "serial write failed",
	ErrPortNotOpen:   "serial port not open",
	ErrPortEnumerate: "failed to list serial ports",

	ErrInputParse: "invalid console input",

	ErrConfigLoad:     "failed to load configuration",
	ErrConfigValidate: "invalid configuration",
}

// AppError is an error with a code, a fixed message and optional details.
type AppError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details string       `json:"details"`
	Cause   error        `json:"-"`
	Stack   []StackFrame `json:"stack,omitempty"`
}

// StackFrame is one captured caller frame.
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another *AppError by code, so errors.Is(err, New(ErrPortNotFound)) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithCause sets the cause; details default to the cause's message.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New creates an AppError for code. Multiple details are joined with "; ".
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}
	err.captureStack(2)
	return err
}

func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches code to err. An *AppError keeps its own code.
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if len(details) == 0 {
			return appErr
		}
		wrapped := *appErr
		wrapped.Details = strings.Join(details, "; ")
		if appErr.Details != "" {
			wrapped.Details += "; " + appErr.Details
		}
		return &wrapped
	}

	return New(code, details...).WithCause(err)
}

func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is reports whether err carries code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// GetCode returns the code of err, ErrUnknown for foreign errors and 0 for nil.
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrUnknown
}

func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") &&
			!strings.Contains(frame.Function, "/internal/errors.") {
			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}
		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// GetStack formats the captured frames, one per entry.
func (e *AppError) GetStack() string {
	var builder strings.Builder
	for i, frame := range e.Stack {
		fmt.Fprintf(&builder, "%d. %s\n   %s:%d\n", i+1, frame.Function, frame.File, frame.Line)
	}
	return builder.String()
}
