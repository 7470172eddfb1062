package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	zerrors "github.com/zzenonn/zmigrate/internal/errors"
)

// mockRepository is a scriptable ObjectRepository for retry tests.
type mockRepository struct {
	uploadFunc func(ctx context.Context, key string, r io.Reader, quiet bool) (string, error)
	headFunc   func(ctx context.Context, key string) (int64, error)
}

func (m *mockRepository) Upload(ctx context.Context, key string, r io.Reader, quiet bool) (string, error) {
	return m.uploadFunc(ctx, key, r, quiet)
}

func (m *mockRepository) Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error) {
	return nil, nil
}

func (m *mockRepository) Head(ctx context.Context, key string) (int64, error) {
	return m.headFunc(ctx, key)
}

func (m *mockRepository) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (m *mockRepository) Delete(ctx context.Context, key string) error { return nil }

func (m *mockRepository) AbortPendingUploads(ctx context.Context, prefix string) (int, error) {
	return 0, nil
}

func (m *mockRepository) GetBucketName() string  { return "test-bucket" }
func (m *mockRepository) GetStorageType() string { return "s3" }

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// TestIsRateLimited tests throttling response classification.
func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"slow down", apiError("SlowDown"), true},
		{"throttling", apiError("Throttling"), true},
		{"request limit", apiError("RequestLimitExceeded"), true},
		{"access denied", apiError("AccessDenied"), false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimited(tt.err); got != tt.want {
				t.Errorf("IsRateLimited(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestErrorClassification tests the permanent/transient split.
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{"no such key", apiError("NoSuchKey"), true},
		{"access denied", apiError("AccessDenied"), true},
		{"no such bucket", apiError("NoSuchBucket"), true},
		{"bad signature", apiError("SignatureDoesNotMatch"), true},
		{"internal error", apiError("InternalError"), false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPermanent(tt.err); got != tt.wantPermanent {
				t.Errorf("isPermanent(%v) = %v, want %v", tt.err, got, tt.wantPermanent)
			}
			if tt.err != nil && isTransient(tt.err) == tt.wantPermanent {
				t.Errorf("isTransient(%v) = %v, inconsistent with permanent", tt.err, !tt.wantPermanent)
			}
		})
	}
}

// TestRateLimitDelay tests the throttling schedule: doubling from the base,
// capped, and still positive after arbitrarily many consecutive hits.
func TestRateLimitDelay(t *testing.T) {
	tests := []struct {
		name string
		hits int
		want time.Duration
	}{
		{"first hit", 1, 4 * time.Second},
		{"second hit", 2, 8 * time.Second},
		{"fourth hit", 4, 32 * time.Second},
		{"cap reached", 5, 60 * time.Second},
		{"past the cap", 10, 60 * time.Second},
		{"would overflow a shifted duration", 40, 60 * time.Second},
		{"deep sustained throttling", 1000, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rateLimitDelay(tt.hits)
			if got != tt.want {
				t.Errorf("rateLimitDelay(%d) = %v, want %v", tt.hits, got, tt.want)
			}
			if got <= 0 {
				t.Errorf("rateLimitDelay(%d) = %v, must stay positive", tt.hits, got)
			}
		})
	}
}

// TestRetryingRepository_PermanentNoRetry tests that permanent errors return
// immediately without consuming the budget.
func TestRetryingRepository_PermanentNoRetry(t *testing.T) {
	calls := 0
	mock := &mockRepository{
		headFunc: func(ctx context.Context, key string) (int64, error) {
			calls++
			return 0, apiError("AccessDenied")
		},
	}
	repo := NewRetryingRepository(mock, 5, time.Minute)

	_, err := repo.Head(context.Background(), "k")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
}

// TestRetryingRepository_TransientRetry tests recovery after a transient
// failure and that the upload body is rewound between attempts.
func TestRetryingRepository_TransientRetry(t *testing.T) {
	var bodies []string
	calls := 0
	mock := &mockRepository{
		uploadFunc: func(ctx context.Context, key string, r io.Reader, quiet bool) (string, error) {
			calls++
			data, _ := io.ReadAll(r)
			bodies = append(bodies, string(data))
			if calls == 1 {
				return "", fmt.Errorf("connection reset by peer")
			}
			return key, nil
		},
	}
	repo := NewRetryingRepository(mock, 3, time.Minute)

	_, err := repo.Upload(context.Background(), "k", bytes.NewReader([]byte("payload")), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("got %d calls, want 2", calls)
	}
	// Second attempt must see the full body again.
	if len(bodies) != 2 || bodies[1] != "payload" {
		t.Errorf("body not rewound between attempts: %q", bodies)
	}
}

// TestRetryingRepository_AttemptsExhausted tests that the transient budget is
// honored and the last error surfaces.
func TestRetryingRepository_AttemptsExhausted(t *testing.T) {
	calls := 0
	mock := &mockRepository{
		headFunc: func(ctx context.Context, key string) (int64, error) {
			calls++
			return 0, errors.New("still broken")
		},
	}
	repo := NewRetryingRepository(mock, 1, time.Minute)

	_, err := repo.Head(context.Background(), "k")
	if err == nil || err.Error() != "still broken" {
		t.Errorf("got %v, want last transient error", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

// TestRetryingRepository_RateLimitBudget tests that rate-limit waits are
// bounded by the elapsed ceiling, not the attempt counter.
func TestRetryingRepository_RateLimitBudget(t *testing.T) {
	calls := 0
	mock := &mockRepository{
		headFunc: func(ctx context.Context, key string) (int64, error) {
			calls++
			return 0, apiError("SlowDown")
		},
	}
	// Ceiling shorter than the first rate-limit wait: the budget error
	// surfaces before any attempt-based give-up could.
	repo := NewRetryingRepository(mock, 1, time.Second)

	_, err := repo.Head(context.Background(), "k")
	if !errors.Is(err, zerrors.ErrRetryBudgetExceeded) {
		t.Errorf("got %v, want retry budget error", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

// TestRetryingRepository_ContextCancelled tests that cancellation wins over
// further retries.
func TestRetryingRepository_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mock := &mockRepository{
		headFunc: func(ctx context.Context, key string) (int64, error) {
			cancel()
			return 0, errors.New("transient")
		},
	}
	repo := NewRetryingRepository(mock, 5, time.Minute)

	_, err := repo.Head(ctx, "k")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
