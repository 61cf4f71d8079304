package ledger

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRetryAttempts counts retries after the first try.
	DefaultRetryAttempts = 2
	DefaultRetryDelay    = 1500 * time.Millisecond
)

// WithRetry runs fn up to 1+attempts times with a linearly increasing
// delay between tries. It returns the zero value and false once every
// attempt has failed, so callers handle absence explicitly instead of
// propagating a half-useful error.
func WithRetry[T any](ctx context.Context, clk clock.Clock, label string, fn func() (T, error)) (T, bool) {
	var zero T
	for attempt := 0; attempt <= DefaultRetryAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, true
		}
		if attempt < DefaultRetryAttempts {
			log.Ctx(ctx).Warn().Err(err).
				Str("Operation", label).
				Int("Attempt", attempt+1).
				Msg("ledger call failed, retrying")
			select {
			case <-ctx.Done():
				return zero, false
			case <-clk.After(DefaultRetryDelay * time.Duration(attempt+1)):
			}
		} else {
			log.Ctx(ctx).Error().Err(err).
				Str("Operation", label).
				Int("Attempts", DefaultRetryAttempts+1).
				Msg("ledger call failed, giving up")
		}
	}
	return zero, false
}
