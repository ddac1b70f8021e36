// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	ErrorOK                 ErrorCode = 0
	ErrorHardwareTimeout    ErrorCode = -1
	ErrorBusy               ErrorCode = -2
	ErrorOutOfMemory        ErrorCode = -3
	ErrorInvalidCombination ErrorCode = -4
	ErrorChannelBusy        ErrorCode = -5
	ErrorStreamUnavailable  ErrorCode = -6
	ErrorNoData             ErrorCode = -7
	ErrorInvalidArgument    ErrorCode = -8
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorOK:
		return "ok"
	case ErrorHardwareTimeout:
		return "hardware timeout"
	case ErrorBusy:
		return "busy"
	case ErrorOutOfMemory:
		return "out of memory"
	case ErrorInvalidCombination:
		return "invalid combination"
	case ErrorChannelBusy:
		return "channel busy"
	case ErrorStreamUnavailable:
		return "stream unavailable"
	case ErrorNoData:
		return "no data"
	case ErrorInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

type EtrError struct {
	errorString string
	ErrorCode   ErrorCode
}

func (e *EtrError) Error() string {
	return e.errorString
}

// Is lets errors.Is match any EtrError carrying the same code.
func (e *EtrError) Is(target error) bool {
	t, ok := target.(*EtrError)
	if !ok {
		return false
	}
	return t.ErrorCode == e.ErrorCode
}

func NewEtrError(msg string, code ErrorCode) error {
	return &EtrError{msg, code}
}

func newEtrError(code ErrorCode, format string, args ...interface{}) error {
	return &EtrError{fmt.Sprintf(format, args...), code}
}

// sentinels for errors.Is
var (
	ErrHardwareTimeout    = NewEtrError("hardware timeout", ErrorHardwareTimeout)
	ErrBusy               = NewEtrError("busy", ErrorBusy)
	ErrOutOfMemory        = NewEtrError("out of memory", ErrorOutOfMemory)
	ErrInvalidCombination = NewEtrError("invalid combination", ErrorInvalidCombination)
	ErrChannelBusy        = NewEtrError("channel busy", ErrorChannelBusy)
	ErrStreamUnavailable  = NewEtrError("stream unavailable", ErrorStreamUnavailable)
	ErrNoData             = NewEtrError("no data", ErrorNoData)
	ErrInvalidArgument    = NewEtrError("invalid argument", ErrorInvalidArgument)
)

// ErrorCodeOf returns the code of the first EtrError in the chain of err.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ErrorOK
	}

	var etrErr *EtrError

	if errors.As(err, &etrErr) {
		return etrErr.ErrorCode
	}

	return ErrorCode(-100)
}

// IsCode reports whether err (or anything it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	return ErrorCodeOf(err) == code
}
