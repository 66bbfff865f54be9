package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phenrril/ecomcore/internal/domain"
)

const maxAttempts = 3

var retryBackoff = 20 * time.Millisecond

// withRetry runs fn again when it fails with a concurrency error, up to
// maxAttempts in total.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if !domain.IsKind(err, domain.KindConcurrency) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying after conflict")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return err
}
