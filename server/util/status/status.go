package status

import (
	"context"
	"fmt"
	"runtime"

	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var LogErrorStackTraces = flag.Bool("app.log_error_stack_traces", false, "If true, stack traces will be printed for errors that have them.")

const stackDepth = 10

type wrappedError struct {
	error
	*stack
}

func (w *wrappedError) GRPCStatus() *status.Status {
	if se, ok := w.error.(interface {
		GRPCStatus() *status.Status
	}); ok {
		return se.GRPCStatus()
	}
	return status.New(codes.Unknown, "")
}

func (w *wrappedError) Unwrap() error {
	return w.error
}

type StackTrace = errors.StackTrace
type stack []uintptr

func (s *stack) StackTrace() StackTrace {
	f := make([]errors.Frame, len(*s))
	for i := 0; i < len(f); i++ {
		f[i] = errors.Frame((*s)[i])
	}
	return f
}

func callers() *stack {
	var pcs [stackDepth]uintptr
	n := runtime.Callers(4, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// statusError attaches a gRPC code to an error while keeping the underlying
// error reachable for errors.Is / errors.As.
type statusError struct {
	code codes.Code
	err  error
}

func (e *statusError) Error() string {
	return e.GRPCStatus().String()
}

func (e *statusError) Unwrap() error {
	return e.err
}

func (e *statusError) GRPCStatus() *status.Status {
	return status.New(e.code, e.err.Error())
}

// contextError prefixes the message of cause without flattening it, so that
// the cause stays matchable with errors.Is.
type contextError struct {
	msg   string
	cause error
}

func (e *contextError) Error() string {
	return e.msg + ": " + Message(e.cause)
}

func (e *contextError) Unwrap() error {
	return e.cause
}

func makeStatusError(code codes.Code, err error) error {
	statusErr := &statusError{
		code: code,
		err:  err,
	}
	if !*LogErrorStackTraces {
		return statusErr
	}
	return &wrappedError{
		statusErr,
		callers(),
	}
}

// WrapWithCode attaches code to err. err itself is preserved for errors.Is
// checks, and its message becomes the status message.
func WrapWithCode(err error, code codes.Code) error {
	if err == nil {
		return nil
	}
	return makeStatusError(code, err)
}

func OK() error {
	return status.Error(codes.OK, "")
}
func CanceledError(msg string) error {
	return makeStatusError(codes.Canceled, errors.New(msg))
}
func IsCanceledError(err error) bool {
	return status.Code(err) == codes.Canceled
}
func CanceledErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.Canceled, fmt.Errorf(format, a...))
}
func UnknownError(msg string) error {
	return makeStatusError(codes.Unknown, errors.New(msg))
}
func IsUnknownError(err error) bool {
	return status.Code(err) == codes.Unknown
}
func UnknownErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.Unknown, fmt.Errorf(format, a...))
}
func InvalidArgumentError(msg string) error {
	return makeStatusError(codes.InvalidArgument, errors.New(msg))
}
func IsInvalidArgumentError(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}
func InvalidArgumentErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.InvalidArgument, fmt.Errorf(format, a...))
}
func DeadlineExceededError(msg string) error {
	return makeStatusError(codes.DeadlineExceeded, errors.New(msg))
}
func IsDeadlineExceededError(err error) bool {
	return status.Code(err) == codes.DeadlineExceeded
}
func DeadlineExceededErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.DeadlineExceeded, fmt.Errorf(format, a...))
}
func NotFoundError(msg string) error {
	return makeStatusError(codes.NotFound, errors.New(msg))
}
func IsNotFoundError(err error) bool {
	return status.Code(err) == codes.NotFound
}
func NotFoundErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.NotFound, fmt.Errorf(format, a...))
}
func AlreadyExistsError(msg string) error {
	return makeStatusError(codes.AlreadyExists, errors.New(msg))
}
func IsAlreadyExistsError(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
func AlreadyExistsErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.AlreadyExists, fmt.Errorf(format, a...))
}
func PermissionDeniedError(msg string) error {
	return makeStatusError(codes.PermissionDenied, errors.New(msg))
}
func IsPermissionDeniedError(err error) bool {
	return status.Code(err) == codes.PermissionDenied
}
func PermissionDeniedErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.PermissionDenied, fmt.Errorf(format, a...))
}
func ResourceExhaustedError(msg string) error {
	return makeStatusError(codes.ResourceExhausted, errors.New(msg))
}
func IsResourceExhaustedError(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}
func ResourceExhaustedErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.ResourceExhausted, fmt.Errorf(format, a...))
}
func FailedPreconditionError(msg string) error {
	return makeStatusError(codes.FailedPrecondition, errors.New(msg))
}
func IsFailedPreconditionError(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}
func FailedPreconditionErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.FailedPrecondition, fmt.Errorf(format, a...))
}
func AbortedError(msg string) error {
	return makeStatusError(codes.Aborted, errors.New(msg))
}
func IsAbortedError(err error) bool {
	return status.Code(err) == codes.Aborted
}
func AbortedErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.Aborted, fmt.Errorf(format, a...))
}
func OutOfRangeError(msg string) error {
	return makeStatusError(codes.OutOfRange, errors.New(msg))
}
func IsOutOfRangeError(err error) bool {
	return status.Code(err) == codes.OutOfRange
}
func OutOfRangeErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.OutOfRange, fmt.Errorf(format, a...))
}
func UnimplementedError(msg string) error {
	return makeStatusError(codes.Unimplemented, errors.New(msg))
}
func IsUnimplementedError(err error) bool {
	return status.Code(err) == codes.Unimplemented
}
func UnimplementedErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.Unimplemented, fmt.Errorf(format, a...))
}
func InternalError(msg string) error {
	return makeStatusError(codes.Internal, errors.New(msg))
}
func IsInternalError(err error) bool {
	return status.Code(err) == codes.Internal
}
func InternalErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.Internal, fmt.Errorf(format, a...))
}
func UnavailableError(msg string) error {
	return makeStatusError(codes.Unavailable, errors.New(msg))
}
func IsUnavailableError(err error) bool {
	return status.Code(err) == codes.Unavailable
}
func UnavailableErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.Unavailable, fmt.Errorf(format, a...))
}
func DataLossError(msg string) error {
	return makeStatusError(codes.DataLoss, errors.New(msg))
}
func IsDataLossError(err error) bool {
	return status.Code(err) == codes.DataLoss
}
func DataLossErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.DataLoss, fmt.Errorf(format, a...))
}
func UnauthenticatedError(msg string) error {
	return makeStatusError(codes.Unauthenticated, errors.New(msg))
}
func IsUnauthenticatedError(err error) bool {
	return status.Code(err) == codes.Unauthenticated
}
func UnauthenticatedErrorf(format string, a ...interface{}) error {
	return makeStatusError(codes.Unauthenticated, fmt.Errorf(format, a...))
}

// WrapError prepends additional context to an error description, preserving
// the underlying status code. The original error remains matchable with
// errors.Is.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return makeStatusError(status.Code(err), &contextError{msg: msg, cause: err})
}

// WrapErrorf is the "Printf" version of `WrapError`.
func WrapErrorf(err error, format string, a ...interface{}) error {
	return WrapError(err, fmt.Sprintf(format, a...))
}

// Message extracts the error message from a given error, which for gRPC errors
// is just the "desc" part of the error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.err.Error()
	}
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}

// FromContextError converts ctx.Err() to the equivalent gRPC status error.
func FromContextError(ctx context.Context) error {
	s := status.FromContextError(ctx.Err())
	return makeStatusError(s.Code(), ctx.Err())
}

// MetricsLabel returns a short label value for an error (which may be nil),
// suitable for use as a prometheus label.
func MetricsLabel(err error) string {
	s := status.FromContextError(err)
	if s.Code() != codes.Unknown {
		return s.Code().String()
	}
	return status.Code(err).String()
}
