package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// NetworkError means the server could not be reached or answered with a
// transient failure. Callers fall back to the queue or cache.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BusinessError is a rejection by the server's own logic. It is never
// retried or queued.
type BusinessError struct {
	Op      string
	Status  int
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: rejected with status %d: %s", e.Op, e.Status, e.Message)
}

// IsNetworkError reports whether err should be treated as "offline".
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsBusinessError reports whether err is a server-side rejection.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// classify wraps low-level request failures. Caller cancellation passes
// through untouched; it says nothing about connectivity.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var (
		netErr net.Error
		dnsErr *net.DNSError
		opErr  *net.OpError
	)
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, context.DeadlineExceeded):
		return &NetworkError{Op: op, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		// *url.Error satisfies net.Error; only its timeouts say anything
		// about reachability.
		return &NetworkError{Op: op, Err: err}
	}
	return err
}
