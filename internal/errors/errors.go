// Package errors provides the daemon's structured error type.
// Each AppError carries a Code that maps onto a gRPC status so the same error can
// be logged locally and surfaced to gRPC health/status callers.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Domain is reported in ErrorInfo details.
const Domain = "eva-daemon"

// Code identifies an error class.
type Code string

const (
	Unknown         Code = "UNKNOWN"
	Internal        Code = "INTERNAL"
	InvalidArgument Code = "INVALID_ARGUMENT"
	Unavailable     Code = "UNAVAILABLE"
	Cancelled       Code = "CANCELLED"
	ConfigInvalid   Code = "CONFIG_INVALID"

	AudioDeviceNotFound    Code = "AUDIO_DEVICE_NOT_FOUND"
	AudioStreamOpenFailed  Code = "AUDIO_STREAM_OPEN_FAILED"
	AudioStreamStartFailed Code = "AUDIO_STREAM_START_FAILED"

	VADAlreadyRunning Code = "VAD_ALREADY_RUNNING"

	NotifyFailed Code = "NOTIFY_FAILED"
)

func (c Code) String() string { return string(c) }

// grpcCodeMap maps Code to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	Unknown:                codes.Unknown,
	Internal:               codes.Internal,
	InvalidArgument:        codes.InvalidArgument,
	Unavailable:            codes.Unavailable,
	Cancelled:              codes.Canceled,
	ConfigInvalid:          codes.InvalidArgument,
	AudioDeviceNotFound:    codes.NotFound,
	AudioStreamOpenFailed:  codes.Unavailable,
	AudioStreamStartFailed: codes.Unavailable,
	VADAlreadyRunning:      codes.FailedPrecondition,
	NotifyFailed:           codes.Unavailable,
}

// retryHint is the delay suggested to gRPC callers for retryable codes.
const retryHint = time.Second

// AppError is the base error type with structured code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus implements the interface status.FromError looks for. The status
// carries an ErrorInfo detail, plus RetryInfo when the code is retryable.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Error())
	info := &errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   Domain,
		Metadata: e.Metadata,
	}
	var withDetails *status.Status
	var err error
	if IsRetryable(e) {
		withDetails, err = st.WithDetails(info, &errdetails.RetryInfo{RetryDelay: durationpb.New(retryHint)})
	} else {
		withDetails, err = st.WithDetails(info)
	}
	if err != nil {
		return st
	}
	return withDetails
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf returns the code of the first AppError in err's chain, or Unknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error chain contains an AppError with the given code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// IsRetryable returns true if the error is potentially retryable. Audio device
// failures are terminal and never retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case Unavailable, NotifyFailed:
		return true
	default:
		return false
	}
}
