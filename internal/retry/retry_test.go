package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Class{
		200:                           ClassSuccess,
		204:                           ClassSuccess,
		http.StatusRequestTimeout:     ClassTransient,
		http.StatusTooManyRequests:    ClassTransient,
		500:                           ClassTransient,
		502:                           ClassTransient,
		503:                           ClassTransient,
		400:                           ClassPermanent,
		403:                           ClassPermanent,
		404:                           ClassPermanent,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestClassifyErrorCancellationIsPermanent(t *testing.T) {
	if ClassifyError(context.Canceled) != ClassPermanent {
		t.Fatal("context.Canceled must not be retried")
	}
}

func TestScheduleDelayBounds(t *testing.T) {
	sched := Schedule{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	for n := 0; n < 10; n++ {
		d := sched.Delay(n)
		if d > sched.MaxDelay {
			t.Fatalf("Delay(%d) = %v exceeds MaxDelay %v", n, d, sched.MaxDelay)
		}
		if d < 0 {
			t.Fatalf("Delay(%d) negative: %v", n, d)
		}
	}
	if sched.Delay(0) != sched.BaseDelay {
		t.Fatalf("Delay(0) = %v, want base delay %v", sched.Delay(0), sched.BaseDelay)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	sched := Schedule{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	attempts := 0
	retries := 0
	err := Do(context.Background(), sched, ClassifyError, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, func(attempt int, err error) { retries++ })

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if retries != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", retries)
	}
}

func TestDoStopsOnPermanentFailure(t *testing.T) {
	sched := Schedule{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	attempts := 0
	err := Do(context.Background(), sched, ClassifyError, func() error {
		attempts++
		return errors.New("invalid request")
	}, nil)

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("permanent failure must not retry, got %d attempts", attempts)
	}
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	sched := Schedule{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	attempts := 0
	err := Do(context.Background(), sched, ClassifyError, func() error {
		attempts++
		return errors.New("timeout")
	}, nil)

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != sched.MaxAttempts+1 {
		t.Fatalf("expected %d total attempts, got %d", sched.MaxAttempts+1, attempts)
	}
}

func TestDoRespectsCancellation(t *testing.T) {
	sched := Schedule{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, sched, ClassifyError, func() error {
		return errors.New("connection reset")
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
