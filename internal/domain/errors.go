package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for handling purposes.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindConfiguration
	KindCatalog
	KindDriverFatal
	KindRequest
	KindShutdown
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	case KindCatalog:
		return "catalog"
	case KindDriverFatal:
		return "driver_fatal"
	case KindRequest:
		return "request"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Request-level error codes returned in response envelopes.
const (
	CodeNotFound    = "not_found"
	CodeUnsupported = "unsupported"
	CodeMissingNode = "missing_node"
	CodeInvalid     = "invalid"
	CodeThrottled   = "throttled"
)

var (
	ErrUnknownDriverKind  = errors.New("unknown driver kind")
	ErrTagNotFound        = errors.New("tag not found")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrNotConnected       = errors.New("device session not connected")
	ErrUnknownSchema      = errors.New("unknown schema")
	ErrUnsupported        = errors.New("operation not supported by driver")
	ErrConnectionNotFound = errors.New("connection not found")
)

// Error is a classified gateway error.
type Error struct {
	Kind ErrorKind
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps read timeouts, socket resets and busy devices.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Configuration wraps unknown kinds, malformed config and unknown schemas.
func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// CatalogErr wraps catalog failures.
func CatalogErr(op string, err error) error {
	return &Error{Kind: KindCatalog, Op: op, Err: err}
}

// DriverFatal wraps failures that put a connection into error state.
func DriverFatal(op string, err error) error {
	return &Error{Kind: KindDriverFatal, Op: op, Err: err}
}

// RequestErr builds a request-level error with a response code.
func RequestErr(code, format string, args ...any) error {
	return &Error{Kind: KindRequest, Code: code, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RequestCode extracts the request code of err, if any.
func RequestCode(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRequest {
		return e.Code
	}
	return ""
}
