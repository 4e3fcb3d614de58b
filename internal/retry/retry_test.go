package retry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/drsoft-oss/webber/internal/werrors"
)

func TestRetriesUpToBudgetThenReraises(t *testing.T) {
	e := New(map[Class]Budget{Status(503): 2})

	calls := 0
	op := func(ctx context.Context) (*http.Response, error) {
		calls++
		return nil, &werrors.StatusError{Status: 503}
	}

	_, err := e.Do(context.Background(), op)
	if err == nil {
		t.Fatal("expected error once budget is exhausted")
	}
	// one initial attempt + 2 retries = 3 calls
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestSucceedsWithinBudget(t *testing.T) {
	e := New(map[Class]Budget{Status(503): 2})

	calls := 0
	op := func(ctx context.Context) (*http.Response, error) {
		calls++
		if calls < 2 {
			return nil, &werrors.StatusError{Status: 503}
		}
		return &http.Response{StatusCode: http.StatusOK}, nil
	}

	resp, err := e.Do(context.Background(), op)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestUnclassifiedErrorReraisesImmediately(t *testing.T) {
	e := New(DefaultBudgets())

	calls := 0
	op := func(ctx context.Context) (*http.Response, error) {
		calls++
		return nil, werrors.ErrAdjustmentImpossible
	}

	_, err := e.Do(context.Background(), op)
	if err != werrors.ErrAdjustmentImpossible {
		t.Fatalf("expected ErrAdjustmentImpossible, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call (no retry), got %d", calls)
	}
}

func TestUntrackedStatusReraisesImmediately(t *testing.T) {
	e := New(map[Class]Budget{Status(503): 2})

	calls := 0
	op := func(ctx context.Context) (*http.Response, error) {
		calls++
		return nil, &werrors.StatusError{Status: 418}
	}

	_, err := e.Do(context.Background(), op)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestAllLeasedWaitsThenRetriesWithoutConsumingBudget(t *testing.T) {
	e := New(map[Class]Budget{Status(503): 0})

	ready := make(chan struct{})
	calls := 0
	op := func(ctx context.Context) (*http.Response, error) {
		calls++
		if calls == 1 {
			go func() { close(ready) }()
			return nil, &werrors.AllLeasedError{Ready: ready}
		}
		return &http.Response{StatusCode: http.StatusOK}, nil
	}

	resp, err := e.Do(context.Background(), op)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestContextCancellationDuringAllLeasedWait(t *testing.T) {
	e := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	op := func(ctx context.Context) (*http.Response, error) {
		return nil, &werrors.AllLeasedError{Ready: make(chan struct{})}
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Do(ctx, op)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}
