package errors

import (
	"errors"
	"fmt"
)

// Kind classifies errors by how a caller should react to them.
type Kind string

const (
	KindUnknown     Kind = ""
	KindInternal    Kind = "internal"
	KindInvalid     Kind = "invalid"
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindClosed      Kind = "closed"
	KindTimeout     Kind = "timeout"
)

// Op is a convenience conversion used with E.
func Op(s string) Operation { return Operation(s) }

// Component names the package or subsystem producing an error, used with E.
type Component string

// E builds a *SyncError from a loosely typed argument list.
//
// Recognised arguments: Operation, Component, Kind, ErrorCode, error, string
// (appended to the message of the wrapped error) and bool (Retryable).
// Unavailable and timeout kinds are retryable unless a bool overrides it.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}

	e := &SyncError{}
	var msg string
	retrySet := false
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case bool:
			e.Retryable = a
			retrySet = true
		case string:
			msg = a
		case *SyncError:
			e.Err = a
			if e.Kind == KindUnknown {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case nil:
		default:
			e.Err = fmt.Errorf("unknown error argument %T: %v", arg, arg)
		}
	}

	switch {
	case e.Err == nil && msg != "":
		e.Err = errors.New(msg)
	case e.Err != nil && msg != "":
		e.Err = fmt.Errorf("%s: %w", msg, e.Err)
	case e.Err == nil:
		return nil
	}

	if !retrySet {
		e.Retryable = e.Kind == KindUnavailable || e.Kind == KindTimeout || IsRetryable(e.Err)
	}
	return e
}

// KindOf returns the Kind of the outermost SyncError in err's chain that has one.
func KindOf(err error) Kind {
	for err != nil {
		var se *SyncError
		if !errors.As(err, &se) {
			return KindUnknown
		}
		if se.Kind != KindUnknown {
			return se.Kind
		}
		err = se.Err
	}
	return KindUnknown
}
