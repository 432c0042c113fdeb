package pipeline

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/dgallion1/deckgen/internal/domain"
	"github.com/dgallion1/deckgen/internal/extract"
)

// RetryPolicy bounds how often and how fast a failed generation call is
// retried. Attempts are counted from 1.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Classify maps an error from the generation collaborator onto the failure
// taxonomy. Unknown errors are permanent so they are never retried blindly.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}
	var (
		transient *extract.TransientError
		permanent *extract.PermanentError
		parseErr  *extract.ParseError
		netErr    net.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return domain.ErrCancelled
	case errors.As(err, &transient):
		return domain.ErrTransientGeneration
	case errors.As(err, &permanent):
		return domain.ErrPermanentGeneration
	case errors.As(err, &parseErr):
		return domain.ErrParseFailure
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return domain.ErrTransientGeneration
	}
	return domain.ErrPermanentGeneration
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	return Classify(err) == domain.ErrTransientGeneration
}

// Backoff returns the wait before retrying after failed attempt n (1-based):
// the base delay doubled per attempt, capped, plus up to 50% jitter.
func (p RetryPolicy) Backoff(attempt int, rng *lockedRand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	for i := 1; i < attempt && base < p.MaxDelay; i++ {
		base *= 2
	}
	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	if rng == nil {
		return base
	}
	return base + time.Duration(rng.Int64N(int64(base)/2))
}

// lockedRand is a seeded source shared by the tasks of one run.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed uint64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed))}
}

func (l *lockedRand) Int64N(n int64) int64 {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int64N(n)
}

func (l *lockedRand) Shuffle(n int, swap func(i, j int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.r.Shuffle(n, swap)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
