package echoapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindValidation is a malformed request rejected with a 4xx.
	KindValidation Kind = "validation"
	// KindService is a backend-side failure (5xx or an unreadable body).
	KindService Kind = "service"
	// KindPayment is a failed payment confirmation.
	KindPayment Kind = "payment"
	// KindNotFound is a missing user or record.
	KindNotFound Kind = "not_found"
	// KindTimeout means the request exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindNetwork is a transport failure with no response.
	KindNetwork Kind = "network"
)

// Error is returned by every write operation of the gateway.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("echoapi: %s: %s (HTTP %d): %s", e.Op, e.Kind, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("echoapi: %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("echoapi: %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient: server errors, timeouts
// and transport failures. Client errors and payment failures are final.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindService, KindTimeout, KindNetwork:
		return true
	default:
		return false
	}
}

// IsKind reports whether err carries a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// statusMapper turns a non-2xx status into an error kind.
type statusMapper func(status int) Kind

func defaultStatusKind(status int) Kind {
	if status >= http.StatusInternalServerError {
		return KindService
	}
	return KindValidation
}

func constantKind(k Kind) statusMapper {
	return func(int) Kind { return k }
}

// transportError classifies a failure that produced no response.
func transportError(ctx context.Context, op string, err error) *Error {
	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
