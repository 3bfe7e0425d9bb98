//	Package rpcerr holds the failure taxonomy of the dispatch layer. Every
//	error a caller sees is either *Retryable (nothing reached the peer, or the
//	operation is idempotent) or *NonRetryable.
package rpcerr

import (
	"context"
	"errors"
	"fmt"

	"krypt.co/dispatch/common/transport"
)

var ErrNotYetConnected = errors.New("not yet connected")
var ErrConnectionLost = errors.New("connection lost")
var ErrTimeout = errors.New("timed out")
var ErrBatchAborted = errors.New("batch aborted")
var ErrFatal = errors.New("fatal")
var ErrCancelled = errors.New("cancelled")
var ErrClosed = errors.New("handler closed")

//	Safe to resend, possibly on another connection
type Retryable struct {
	error
}

func (err *Retryable) Error() string {
	return "Retryable: " + err.error.Error()
}

func (err *Retryable) Unwrap() error {
	return err.error
}

//	Resending could duplicate a non-idempotent call, or it will always fail
type NonRetryable struct {
	error
}

func (err *NonRetryable) Error() string {
	return "NonRetryable: " + err.error.Error()
}

func (err *NonRetryable) Unwrap() error {
	return err.error
}

//	The peer ran the operation and reported a failure
type RemoteError struct {
	Operation string
	Status    string
	Message   string
}

func (err *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", err.Operation, err.Status, err.Message)
}

func Fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

func Lost(cause error) error {
	if cause == nil {
		return ErrConnectionLost
	}
	if errors.Is(cause, ErrConnectionLost) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
}

//	FromContext maps an expired or cancelled context onto the taxonomy.
func FromContext(ctx context.Context) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case context.Canceled:
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return nil
}

func IsRetryable(err error) bool {
	var r *Retryable
	return errors.As(err, &r)
}

func IsClassified(err error) bool {
	var r *Retryable
	var n *NonRetryable
	return errors.As(err, &r) || errors.As(err, &n)
}

//	Classify tags err for the retry policy above this layer. written reports
//	whether any byte of the request may have reached the peer.
func Classify(err error, written bool, idempotent bool) error {
	if err == nil || IsClassified(err) {
		return err
	}
	var remote *RemoteError
	switch {
	case errors.As(err, &remote),
		errors.Is(err, ErrFatal),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrBatchAborted),
		errors.Is(err, ErrClosed):
		return &NonRetryable{err}
	}
	if errors.Is(err, transport.ErrNothingWritten) {
		written = false
	}
	if !written || idempotent {
		return &Retryable{err}
	}
	return &NonRetryable{err}
}
