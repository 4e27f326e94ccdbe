package policy

import (
	"math"
	"time"

	"github.com/roach88/outboxd/internal/ops"
)

// Default retry parameters.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 5 * time.Minute
)

// Retry bounds delivery attempts and spaces them with exponential backoff.
type Retry struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetry returns the default retry parameters.
func DefaultRetry() Retry {
	return Retry{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Backoff returns min(MaxDelay, BaseDelay * 2^attempt).
// Negative attempts are treated as zero.
func (r Retry) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if r.BaseDelay <= 0 {
		return 0
	}
	delay := r.BaseDelay
	for i := 0; i < attempt; i++ {
		if (r.MaxDelay > 0 && delay >= r.MaxDelay) || delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt has reached the retry ceiling.
func (r Retry) Exhausted(attempt int) bool {
	return attempt >= r.MaxRetries
}

// IsRetryable classifies a delivery error.
//
// Only permanent rejections (PERMANENT_DELIVERY) are excluded from retry.
// Transient errors, timeouts, network errors and unclassified failures all
// keep the record on the retry path, bounded by MaxRetries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !ops.IsPermanent(err)
}
