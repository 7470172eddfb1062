package objectstore

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	zerrors "github.com/zzenonn/zmigrate/internal/errors"
)

// RetryingRepository retries operations on the wrapped repository in case of
// transient errors with exponential backoff. Rate-limit responses get their
// own longer, capped schedule and do not consume transient attempts. A
// wall-clock ceiling bounds total retry time per operation.
type RetryingRepository struct {
	ObjectRepository
	MaxAttempts int
	MaxElapsed  time.Duration
}

// statically ensure the decorator still satisfies the interface.
var _ ObjectRepository = &RetryingRepository{}

const (
	rateLimitBaseDelay = 4 * time.Second
	rateLimitMaxDelay  = 60 * time.Second
)

// NewRetryingRepository wraps repo with retry behavior.
func NewRetryingRepository(repo ObjectRepository, maxAttempts int, maxElapsed time.Duration) *RetryingRepository {
	return &RetryingRepository{
		ObjectRepository: repo,
		MaxAttempts:      maxAttempts,
		MaxElapsed:       maxElapsed,
	}
}

// IsRateLimited reports whether err is a throttling response from the store.
func IsRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestLimitExceeded", "Throttling", "ThrottlingException", "TooManyRequests", "503":
			return true
		}
	}
	return false
}

// isPermanent reports errors that retrying can never fix.
func isPermanent(err error) bool {
	if IsNotFound(err) {
		return true
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
			return true
		}
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !isPermanent(err)
}

// rateLimitDelay returns the wait before the nth consecutive rate-limited
// attempt: doubling from the base, capped. The shift exponent is clamped so
// sustained throttling can never overflow the Duration into a negative,
// zero-sleep value.
func rateLimitDelay(hits int) time.Duration {
	shift := hits - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 4 {
		return rateLimitMaxDelay
	}
	wait := rateLimitBaseDelay << shift
	if wait > rateLimitMaxDelay {
		wait = rateLimitMaxDelay
	}
	return wait
}

// retry runs f until it succeeds, a permanent error occurs, or the budget
// runs out. The transient-attempt counter and the rate-limit schedule are
// tracked separately; only the MaxElapsed ceiling bounds rate-limit retries.
func (r *RetryingRepository) retry(ctx context.Context, op string, f func() error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // the deadline below owns the ceiling
	bo.Reset()

	deadline := time.Now().Add(r.MaxElapsed)
	attempts := 0
	rateLimitHits := 0

	for {
		err := f()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanent(err) {
			return err
		}

		var wait time.Duration
		if IsRateLimited(err) {
			rateLimitHits++
			wait = rateLimitDelay(rateLimitHits)
			log.WithFields(log.Fields{"op": op, "wait": wait}).Warn("Rate limited by object store, backing off")
		} else if isTransient(err) {
			attempts++
			if attempts >= r.MaxAttempts {
				return err
			}
			wait = bo.NextBackOff()
			log.WithFields(log.Fields{"op": op, "error": err, "wait": wait, "attempt": attempts}).Warn("Transient object store error, retrying")
		} else {
			return err
		}

		if time.Now().Add(wait).After(deadline) {
			return zerrors.ErrRetryBudgetExceeded
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *RetryingRepository) Upload(ctx context.Context, key string, reader io.Reader, quiet bool) (string, error) {
	var location string
	err := r.retry(ctx, "upload "+key, func() error {
		// Rewind between attempts; a consumed body cannot be re-sent.
		if seeker, ok := reader.(io.Seeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(err)
			}
		}
		var err error
		location, err = r.ObjectRepository.Upload(ctx, key, reader, quiet)
		return err
	})
	return location, err
}

func (r *RetryingRepository) Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.retry(ctx, "download "+key, func() error {
		var err error
		rc, err = r.ObjectRepository.Download(ctx, key, quiet)
		return err
	})
	return rc, err
}

func (r *RetryingRepository) Head(ctx context.Context, key string) (int64, error) {
	var size int64
	err := r.retry(ctx, "head "+key, func() error {
		var err error
		size, err = r.ObjectRepository.Head(ctx, key)
		return err
	})
	return size, err
}

func (r *RetryingRepository) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.retry(ctx, "list "+prefix, func() error {
		var err error
		keys, err = r.ObjectRepository.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (r *RetryingRepository) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete "+key, func() error {
		return r.ObjectRepository.Delete(ctx, key)
	})
}
