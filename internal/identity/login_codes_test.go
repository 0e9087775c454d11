package identity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type loginCodeHarness struct {
	store   LoginCodeStore
	current time.Time
}

func (harness *loginCodeHarness) now() time.Time { return harness.current }

func TestLoginCodeStoresShareBehavior(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		build func(t *testing.T, ttl time.Duration) *loginCodeHarness
	}{
		{
			name: "memory",
			build: func(t *testing.T, ttl time.Duration) *loginCodeHarness {
				t.Helper()
				harness := &loginCodeHarness{current: time.Unix(1000, 0).UTC()}
				store := NewMemoryLoginCodeStore(ttl).(*memoryLoginCodeStore)
				store.now = harness.now
				harness.store = store
				return harness
			},
		},
		{
			name: "sqlite",
			build: func(t *testing.T, ttl time.Duration) *loginCodeHarness {
				t.Helper()
				harness := &loginCodeHarness{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
				databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "codes.db") + "?_pragma=busy_timeout(5000)"
				store, err := NewDatabaseLoginCodeStore(context.Background(), databaseURL, ttl)
				if err != nil {
					t.Fatalf("open sqlite login codes: %v", err)
				}
				if store.Driver() != "sqlite" {
					t.Fatalf("expected sqlite driver, got %s", store.Driver())
				}
				store.now = harness.now
				harness.store = store
				return harness
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name+"/issue and consume", func(t *testing.T) {
			t.Parallel()
			harness := testCase.build(t, 2*time.Minute)
			ctx := context.Background()

			code, err := harness.store.Issue(ctx, " Reader@Example.com ")
			if err != nil {
				t.Fatalf("issue code: %v", err)
			}
			if code == "" {
				t.Fatalf("expected code")
			}
			email, err := harness.store.Consume(ctx, code)
			if err != nil {
				t.Fatalf("consume code: %v", err)
			}
			if email != "reader@example.com" {
				t.Fatalf("expected normalized email, got %q", email)
			}
			if _, err := harness.store.Consume(ctx, code); !errors.Is(err, ErrLoginCodeNotFound) {
				t.Fatalf("expected ErrLoginCodeNotFound, got %v", err)
			}
			if _, err := harness.store.Consume(ctx, "never-issued"); !errors.Is(err, ErrLoginCodeNotFound) {
				t.Fatalf("expected ErrLoginCodeNotFound for unknown code, got %v", err)
			}
		})

		t.Run(testCase.name+"/expiry", func(t *testing.T) {
			t.Parallel()
			harness := testCase.build(t, time.Minute)
			ctx := context.Background()

			code, err := harness.store.Issue(ctx, "reader@example.com")
			if err != nil {
				t.Fatalf("issue code: %v", err)
			}
			harness.current = harness.current.Add(2 * time.Minute)
			if _, err := harness.store.Consume(ctx, code); !errors.Is(err, ErrLoginCodeExpired) {
				t.Fatalf("expected ErrLoginCodeExpired, got %v", err)
			}
			if _, err := harness.store.Consume(ctx, code); !errors.Is(err, ErrLoginCodeNotFound) {
				t.Fatalf("expected expired code to be gone, got %v", err)
			}
		})

		t.Run(testCase.name+"/distinct codes", func(t *testing.T) {
			t.Parallel()
			harness := testCase.build(t, time.Minute)
			first, _ := harness.store.Issue(context.Background(), "a@x.com")
			second, _ := harness.store.Issue(context.Background(), "a@x.com")
			if first == second {
				t.Fatalf("expected distinct codes")
			}
		})

		t.Run(testCase.name+"/single consumer", func(t *testing.T) {
			t.Parallel()
			harness := testCase.build(t, time.Minute)
			code, err := harness.store.Issue(context.Background(), "a@x.com")
			if err != nil {
				t.Fatalf("issue code: %v", err)
			}

			const consumers = 4
			start := make(chan struct{})
			errs := make(chan error, consumers)
			var waitGroup sync.WaitGroup
			for range consumers {
				waitGroup.Add(1)
				go func() {
					defer waitGroup.Done()
					<-start
					_, consumeErr := harness.store.Consume(context.Background(), code)
					errs <- consumeErr
				}()
			}
			close(start)
			waitGroup.Wait()
			close(errs)

			var winners int
			for consumeErr := range errs {
				switch {
				case consumeErr == nil:
					winners++
				case !errors.Is(consumeErr, ErrLoginCodeNotFound):
					t.Fatalf("unexpected consume error: %v", consumeErr)
				}
			}
			if winners != 1 {
				t.Fatalf("expected exactly one consumer to win, got %d", winners)
			}
		})
	}
}
