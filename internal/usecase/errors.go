package usecase

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"clinic-registration/internal/domain"
	"clinic-registration/internal/infra/metrics"
)

// ErrorKind is the coarse failure category surfaced to callers and used to
// decide retryability.
type ErrorKind string

const (
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindServer     ErrorKind = "server"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// Classify maps an error to its kind. Transport failures (no response,
// reset, timeout) are network; bad caller input is validation; a structured
// payload from the backend is server; everything else is unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrUnauthenticated) {
		return ErrorKindValidation
	}
	var remote *domain.RemoteError
	if errors.As(err, &remote) {
		return ErrorKindServer
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorKindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrorKindNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorKindNetwork
	}
	return ErrorKindUnknown
}

// FriendlyMessage renders err as a message fit for end users. Remote
// messages are passed through; transport and unknown failures get generic
// wording so internals never leak.
func FriendlyMessage(err error) string {
	if errors.Is(err, domain.ErrPollingTimeout) {
		return "Registration is taking longer than expected. Your account is safe; please check back shortly or retry processing."
	}
	switch Classify(err) {
	case ErrorKindNetwork:
		return "We could not reach the server. Please check your connection and try again."
	case ErrorKindValidation:
		return "Some of the submitted information is invalid. Please review and try again."
	case ErrorKindServer:
		var remote *domain.RemoteError
		if errors.As(err, &remote) && remote.Message != "" {
			return remote.Message
		}
		return "The server reported a problem. Please try again in a moment."
	default:
		return "Something went wrong. Please try again."
	}
}

// retryable reports whether the failure is worth another attempt: network
// errors always, server errors only when transient. Validation and unknown
// failures fail fast.
func retryable(err error) bool {
	switch Classify(err) {
	case ErrorKindNetwork:
		return true
	case ErrorKindServer:
		var remote *domain.RemoteError
		return errors.As(err, &remote) && remote.Transient()
	}
	return false
}

// RetryPolicy bounds a retried operation. Delay before attempt n (zero
// based) is BaseDelay << n.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// ErrorRecord describes the final failure of a retried operation.
type ErrorRecord struct {
	Kind             ErrorKind
	Message          string
	RetriesAttempted int
	Err              error
}

func (r *ErrorRecord) Error() string { return r.Message }

func (r *ErrorRecord) Unwrap() error { return r.Err }

// RetryExecutor runs operations with bounded exponential backoff. It is
// stateless beyond logging; error-count bookkeeping belongs to the caller.
type RetryExecutor struct {
	log *zerolog.Logger

	// sleep is swapped out by tests for a fake clock.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetryExecutor(logger *zerolog.Logger) *RetryExecutor {
	return &RetryExecutor{
		log: logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Execute runs op, retrying transient failures up to policy.MaxRetries. On
// exhaustion (or immediately for non-retryable failures) it returns an
// *ErrorRecord carrying the classified kind and a user-facing message.
func (e *RetryExecutor) Execute(ctx context.Context, label string, policy RetryPolicy, op func(ctx context.Context) error) error {
	var lastErr error
	retries := 0
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 0 {
				e.log.Info().Str("op", label).Int("attempt", attempt+1).Msg("succeeded after retry")
			}
			return nil
		}
		retries = attempt
		kind := Classify(lastErr)
		if attempt >= policy.MaxRetries || !retryable(lastErr) {
			break
		}
		delay := policy.BaseDelay << attempt
		metrics.IncRetry(label, string(kind))
		e.log.Warn().Str("op", label).Str("kind", string(kind)).
			Int("attempt", attempt+1).Dur("delay", delay).Err(lastErr).
			Msg("transient failure, backing off")
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	kind := Classify(lastErr)
	metrics.IncClassifiedError(label, string(kind))
	e.log.Error().Str("op", label).Str("kind", string(kind)).Err(lastErr).Msg("operation failed")
	return &ErrorRecord{
		Kind:             kind,
		Message:          FriendlyMessage(lastErr),
		RetriesAttempted: retries,
		Err:              lastErr,
	}
}
