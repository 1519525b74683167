// Package errs provides structured error types and helpers for spreadfeed.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a feed-client error category.
type Code string

const (
	// CodeDecode indicates a payload that could not be parsed as JSON.
	CodeDecode Code = "decode"
	// CodeInvalidRow indicates a structurally valid frame that failed row validation.
	CodeInvalidRow Code = "invalid_row"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeTimeout indicates a connect or read deadline was exceeded.
	CodeTimeout Code = "timeout"
	// CodeExhausted indicates the reconnect attempt budget was spent.
	CodeExhausted Code = "exhausted"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the feed is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the spreadfeed stack.
type E struct {
	Op        string
	Code      Code
	Endpoint  string
	CloseCode int
	Attempt   int
	Preview   string
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the failed operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:        strings.TrimSpace(op),
		Code:      code,
		Endpoint:  "",
		CloseCode: 0,
		Attempt:   0,
		Preview:   "",
		Message:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithEndpoint records the feed endpoint the operation targeted.
func WithEndpoint(endpoint string) Option {
	trimmed := strings.TrimSpace(endpoint)
	return func(e *E) {
		e.Endpoint = trimmed
	}
}

// WithCloseCode records the WebSocket close code associated with the failure.
func WithCloseCode(code int) Option {
	return func(e *E) {
		e.CloseCode = code
	}
}

// WithAttempt records the reconnect attempt on which the failure occurred.
func WithAttempt(attempt int) Option {
	return func(e *E) {
		e.Attempt = attempt
	}
}

// WithPreview captures a bounded excerpt of the offending payload.
func WithPreview(preview string) Option {
	return func(e *E) {
		e.Preview = preview
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Endpoint != "" {
		parts = append(parts, "endpoint="+e.Endpoint)
	}
	if e.CloseCode != 0 {
		parts = append(parts, "close_code="+strconv.Itoa(e.CloseCode))
	}
	if e.Attempt > 0 {
		parts = append(parts, "attempt="+strconv.Itoa(e.Attempt))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Preview != "" {
		parts = append(parts, "preview="+strconv.Quote(e.Preview))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the feed error code from err, or empty when err is not an *E.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// IsCode reports whether err carries the given feed error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
