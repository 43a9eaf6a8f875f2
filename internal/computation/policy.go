package computation

import (
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
)

// Policy controls how a computation handles failures and batches.
// The zero value does not retry, aborts on failure and processes records one by one.
type Policy struct {
	// MaxRetries is the number of retries after the first failure of a callback
	MaxRetries int `json:"max_retries"`
	// Delay is the first backoff, doubled on each retry up to MaxDelay
	Delay    time.Duration `json:"delay"`
	MaxDelay time.Duration `json:"max_delay"`
	// Retryable restricts retries to some errors, every error is retried when nil
	Retryable func(error) bool `json:"-"`
	// ContinueOnFailure skips the failing records and checkpoints instead of aborting
	ContinueOnFailure bool `json:"continue_on_failure"`
	// DeadLetterStream receives the records that are skipped or abort the computation
	DeadLetterStream string `json:"dead_letter_stream,omitempty"`

	BatchCapacity  int           `json:"batch_capacity"`
	BatchThreshold time.Duration `json:"batch_threshold"`
}

// NoRetry aborts the computation on the first failure
var NoRetry = Policy{}

// DefaultBatchThreshold bounds the time a partial batch waits
const DefaultBatchThreshold = time.Second

// Batched reports whether records are grouped before processing
func (p Policy) Batched() bool {
	return p.BatchCapacity > 1
}

// Threshold returns the batch threshold or its default
func (p Policy) Threshold() time.Duration {
	if p.BatchThreshold <= 0 {
		return DefaultBatchThreshold
	}
	return p.BatchThreshold
}

// ShouldRetry reports whether a callback that failed attempt times with err is retried
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if attempt > p.MaxRetries {
		return false
	}
	return p.Retryable == nil || p.Retryable(err)
}

// Backoff returns the wait before retry attempt, from 1
func (p Policy) Backoff(attempt int) time.Duration {
	if p.Delay <= 0 || attempt < 1 {
		return 0
	}
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Resolve turns DecisionDefault into the decision the policy takes for a failure.
// An explicit retry is still bounded by MaxRetries.
func (p Policy) Resolve(decision Decision, failure Failure) Decision {
	switch decision {
	case DecisionSkip, DecisionAbort:
		return decision
	case DecisionRetry:
		if failure.Attempt <= p.MaxRetries {
			return DecisionRetry
		}
	default:
		if p.ShouldRetry(failure.Err, failure.Attempt) {
			return DecisionRetry
		}
	}
	if p.ContinueOnFailure {
		return DecisionSkip
	}
	return DecisionAbort
}

// RetryOn returns a Retryable predicate matching errors with one of the codes
func RetryOn(codes ...errors.ErrorCode) func(error) bool {
	return func(err error) bool {
		code := errors.GetCode(err)
		for _, c := range codes {
			if c == code {
				return true
			}
		}
		return false
	}
}

// Validate checks the policy values
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.InvalidArgument("max retries must not be negative", nil)
	}
	if p.Delay < 0 || p.MaxDelay < 0 {
		return errors.InvalidArgument("retry delays must not be negative", nil)
	}
	if p.BatchCapacity < 0 {
		return errors.InvalidArgument("batch capacity must not be negative", nil)
	}
	return nil
}
