package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/discovery-harvester/internal/clock"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/Sternrassler/discovery-harvester/pkg/throttle"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:        3,
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		PoolExhaustedDelay: time.Millisecond,
		BlockWindow:        5 * time.Minute,
		BlockThreshold:     2,
		MalformedRetries:   1,
	}
}

func newTestStore(t *testing.T, cooldown time.Duration, ids ...string) *credentials.Store {
	t.Helper()
	sets := make([]*credentials.CredentialSet, 0, len(ids))
	for _, id := range ids {
		sets = append(sets, credentials.NewCredentialSet(id, map[string]string{"sessionid": id}, ""))
	}
	cfg := credentials.DefaultConfig()
	cfg.Cooldown = cooldown
	store, err := credentials.NewStore(cfg, sets, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func newTestOrchestrator(store *credentials.Store, opts ...OrchestratorOption) *Orchestrator {
	pacer := throttle.NewController(throttle.Config{}, zerolog.Nop())
	return NewOrchestrator(store, pacer, testRetryConfig(), zerolog.Nop(), opts...)
}

type fakeTokens struct {
	mu       sync.Mutex
	ensured  int
	forced   int
	counters []int
}

func (f *fakeTokens) Ensure(ctx context.Context, sess *credentials.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
}

func (f *fakeTokens) RefreshIfDue(ctx context.Context, sess *credentials.Session, callCounter int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, callCounter)
	return false
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, sess *credentials.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
}

func statusError(class ErrorClass, code int) error {
	return &RequestError{StatusCode: code, ErrorClass: class, Message: "test"}
}

func TestBackoff_CeilingAndMonotonic(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 15 * time.Second}

	for _, jitter := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		o := NewOrchestrator(nil, nil, cfg, zerolog.Nop(), WithJitter(func() float64 { return jitter }))

		prev := time.Duration(0)
		for attempt := 1; attempt <= 12; attempt++ {
			d := o.Backoff(attempt)
			if d > cfg.MaxDelay {
				t.Errorf("jitter %.3f: Backoff(%d) = %v, exceeds ceiling %v", jitter, attempt, d, cfg.MaxDelay)
			}
			if d < prev {
				t.Errorf("jitter %.3f: Backoff(%d) = %v, less than Backoff(%d) = %v", jitter, attempt, d, attempt-1, prev)
			}
			prev = d
		}
	}
}

func TestBackoff_Values(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 15 * time.Second}
	o := NewOrchestrator(nil, nil, cfg, zerolog.Nop(), WithJitter(func() float64 { return 0.5 }))

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 15 * time.Second},
		{40, 15 * time.Second},
	}

	for _, tt := range tests {
		if got := o.Backoff(tt.attempt); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}

	low := NewOrchestrator(nil, nil, cfg, zerolog.Nop(), WithJitter(func() float64 { return 0 }))
	if got := low.Backoff(1); got != 500*time.Millisecond {
		t.Errorf("Backoff(1) with minimum jitter = %v, want 500ms", got)
	}
}

func TestExecute_Success(t *testing.T) {
	tokens := &fakeTokens{}
	o := newTestOrchestrator(newTestStore(t, time.Minute, "a"), WithTokens(tokens))

	calls := 0
	report, err := o.Execute(context.Background(), 3, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		calls++
		if attempt != 1 {
			t.Errorf("attempt = %d, want 1", attempt)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 1 || report.Attempts != 1 {
		t.Errorf("calls = %d, Attempts = %d, want 1, 1", calls, report.Attempts)
	}
	if tokens.ensured != 1 {
		t.Errorf("Ensure calls = %d, want 1", tokens.ensured)
	}
	if len(tokens.counters) != 1 || tokens.counters[0] != 1 {
		t.Errorf("RefreshIfDue counters = %v, want [1]", tokens.counters)
	}
}

func TestExecute_RetriesServerErrors(t *testing.T) {
	o := newTestOrchestrator(newTestStore(t, time.Minute, "a"))

	report, err := o.Execute(context.Background(), 3, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		if attempt < 3 {
			return statusError(ErrorClassServerOrNetwork, 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if report.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", report.Attempts)
	}
	if report.Errors[ErrorClassServerOrNetwork] != 2 {
		t.Errorf("Errors[server_or_network] = %d, want 2", report.Errors[ErrorClassServerOrNetwork])
	}
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	o := newTestOrchestrator(newTestStore(t, time.Minute, "a"))

	calls := 0
	report, err := o.Execute(context.Background(), 5, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		calls++
		return statusError(ErrorClassNonRetryable, 404)
	})
	if calls != 1 || report.Attempts != 1 {
		t.Errorf("calls = %d, Attempts = %d, want 1, 1", calls, report.Attempts)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("non-retryable error reported as retry exhaustion")
	}
	if got := Classify(err); got != ErrorClassNonRetryable {
		t.Errorf("Classify(err) = %q, want %q", got, ErrorClassNonRetryable)
	}
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	o := newTestOrchestrator(newTestStore(t, time.Minute, "a"))

	report, err := o.Execute(context.Background(), 3, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		return statusError(ErrorClassServerOrNetwork, 500)
	})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Execute() error = %v, want ErrRetryExhausted", err)
	}
	if got := Classify(err); got != ErrorClassServerOrNetwork {
		t.Errorf("Classify(err) = %q, want last classified error %q", got, ErrorClassServerOrNetwork)
	}
	if report.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", report.Attempts)
	}
}

func TestExecute_BlockedBenchesCredentials(t *testing.T) {
	store := newTestStore(t, 15*time.Minute, "a", "b")
	o := newTestOrchestrator(store)

	var sessions []*credentials.Session
	_, err := o.Execute(context.Background(), 3, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		sessions = append(sessions, sess)
		if attempt == 1 {
			return statusError(ErrorClassBlocked, 403)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("attempts = %d, want 2", len(sessions))
	}

	first, second := sessions[0], sessions[1]
	if first.CredentialID == second.CredentialID {
		t.Errorf("retry reused blocked credential set %q", first.CredentialID)
	}
	if status, _ := store.StatusOf(first.CredentialID); status != credentials.StatusBlocked {
		t.Errorf("StatusOf(%q) = %q, want blocked", first.CredentialID, status)
	}
	if !store.IsRetired(first) {
		t.Error("blocked session was not retired")
	}
	if store.IsRetired(second) {
		t.Error("healthy session was retired")
	}
}

func TestExecute_ProactiveRefreshAfterRepeatedBlocks(t *testing.T) {
	tokens := &fakeTokens{}
	// Default cooldown: each blocked set stays benched, so every attempt
	// runs on a different set.
	o := newTestOrchestrator(newTestStore(t, time.Hour, "a", "b", "c"), WithTokens(tokens))

	forcedBefore := make([]int, 0, 3)
	sets := make([]string, 0, 3)
	report, err := o.Execute(context.Background(), 4, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		tokens.mu.Lock()
		forcedBefore = append(forcedBefore, tokens.forced)
		tokens.mu.Unlock()
		sets = append(sets, sess.CredentialID)
		if attempt <= 2 {
			return statusError(ErrorClassBlocked, 403)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if report.Errors[ErrorClassBlocked] != 2 {
		t.Errorf("Errors[blocked] = %d, want 2", report.Errors[ErrorClassBlocked])
	}
	if diff := cmp.Diff([]int{0, 0, 1}, forcedBefore); diff != "" {
		t.Errorf("ForceRefresh count before each attempt mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, sets); diff != "" {
		t.Errorf("credential sets per attempt mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_BlocksOutsideWindowDoNotRefresh(t *testing.T) {
	tokens := &fakeTokens{}
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	o := newTestOrchestrator(newTestStore(t, time.Hour, "a", "b", "c"), WithTokens(tokens), WithClock(clk))

	_, err := o.Execute(context.Background(), 4, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		if attempt <= 2 {
			// Each block lands six minutes after the previous one.
			clk.Advance(6 * time.Minute)
			return statusError(ErrorClassBlocked, 403)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if tokens.forced != 0 {
		t.Errorf("ForceRefresh calls = %d, want 0 when blocks are %v apart", tokens.forced, 6*time.Minute)
	}
}

func TestExecute_BlockWindowSpansOperations(t *testing.T) {
	tokens := &fakeTokens{}
	o := newTestOrchestrator(newTestStore(t, time.Hour, "a", "b", "c"), WithTokens(tokens))

	blocked := func(ctx context.Context, sess *credentials.Session, attempt int) error {
		return statusError(ErrorClassBlocked, 403)
	}
	if _, err := o.Execute(context.Background(), 1, blocked); err == nil {
		t.Fatal("first Execute() error = nil")
	}

	var forced []int
	_, err := o.Execute(context.Background(), 2, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		tokens.mu.Lock()
		forced = append(forced, tokens.forced)
		tokens.mu.Unlock()
		if attempt == 1 {
			return statusError(ErrorClassBlocked, 403)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if diff := cmp.Diff([]int{0, 1}, forced); diff != "" {
		t.Errorf("ForceRefresh count before each attempt mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_RateLimitedNoProactiveRefresh(t *testing.T) {
	tokens := &fakeTokens{}
	o := newTestOrchestrator(newTestStore(t, time.Hour, "a", "b", "c"), WithTokens(tokens))

	_, _ = o.Execute(context.Background(), 3, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		return statusError(ErrorClassRateLimited, 429)
	})
	if tokens.forced != 0 {
		t.Errorf("ForceRefresh calls = %d, want 0 for rate limiting", tokens.forced)
	}
}

func TestExecute_PoolExhausted(t *testing.T) {
	store := newTestStore(t, time.Hour, "a", "b")
	store.MarkBlocked("a")
	store.MarkBlocked("b")
	o := newTestOrchestrator(store)

	called := false
	report, err := o.Execute(context.Background(), 2, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		called = true
		return nil
	})
	if called {
		t.Error("operation ran without credentials")
	}
	if err == nil {
		t.Fatal("Execute() error = nil, want pool exhaustion")
	}
	if got := Classify(err); got != ErrorClassPoolExhausted {
		t.Errorf("Classify(err) = %q, want %q", got, ErrorClassPoolExhausted)
	}
	if !shouldRetry(Classify(err)) {
		t.Error("pool exhaustion classified as non-retryable")
	}
	if !errors.Is(err, credentials.ErrPoolExhausted) {
		t.Errorf("errors.Is(err, ErrPoolExhausted) = false (err = %v)", err)
	}
	if report.Errors[ErrorClassPoolExhausted] != 2 {
		t.Errorf("Errors[pool_exhausted] = %d, want 2", report.Errors[ErrorClassPoolExhausted])
	}
}

func TestExecute_MalformedRetriedOnce(t *testing.T) {
	o := newTestOrchestrator(newTestStore(t, time.Minute, "a"))

	report, err := o.Execute(context.Background(), 5, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		return Malformed("no edges")
	})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("Execute() error = %v, want ErrMalformedResponse", err)
	}
	if report.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", report.Attempts)
	}
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	cfg := testRetryConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	o := NewOrchestrator(newTestStore(t, time.Minute, "a"), nil, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	failed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := o.Execute(ctx, 3, func(ctx context.Context, sess *credentials.Session, attempt int) error {
			close(failed)
			return statusError(ErrorClassServerOrNetwork, 500)
		})
		done <- err
	}()

	<-failed
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrContextCancelled) {
			t.Errorf("Execute() error = %v, want ErrContextCancelled", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Execute() error = %v, want context.Canceled in chain", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute() did not return after cancellation")
	}
}

func TestExecute_SlotsBoundConcurrency(t *testing.T) {
	store := newTestStore(t, time.Minute, "a", "b", "c", "d")
	o := newTestOrchestrator(store, WithSlots(semaphoreOf(2)))

	var mu sync.Mutex
	inFlight, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Execute(context.Background(), 10, func(ctx context.Context, sess *credentials.Session, attempt int) error {
				mu.Lock()
				inFlight++
				peak = max(peak, inFlight)
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrent operations = %d, want <= 2", peak)
	}
}

func semaphoreOf(n int64) *semaphore.Weighted {
	return semaphore.NewWeighted(n)
}

func TestExecute_WaitsForLeasedSet(t *testing.T) {
	store := newTestStore(t, time.Hour, "a")
	o := newTestOrchestrator(store)

	var wg sync.WaitGroup
	reports := make([]Report, 4)
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = o.Execute(context.Background(), 3, func(ctx context.Context, sess *credentials.Session, attempt int) error {
				time.Sleep(30 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	for i := range 4 {
		if errs[i] != nil {
			t.Errorf("Execute() #%d error = %v", i, errs[i])
		}
		if reports[i].Attempts != 1 {
			t.Errorf("Execute() #%d Attempts = %d, want 1", i, reports[i].Attempts)
		}
	}
	if st := store.Stats(); st.Blocked != 0 || st.Leased != 0 {
		t.Errorf("Stats() = %+v, want nothing blocked or leased", st)
	}
}

func TestExecute_CancelledWhileWaitingForLease(t *testing.T) {
	store := newTestStore(t, time.Hour, "a")
	held, err := store.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer store.Release(held)

	o := newTestOrchestrator(store)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	called := false
	_, err = o.Execute(ctx, 3, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Execute() error = %v, want ErrContextCancelled", err)
	}
	if called {
		t.Error("operation ran while the only set was leased")
	}
}

type slotCheckingTokens struct {
	fakeTokens
	slots     *semaphore.Weighted
	started   time.Time
	freeSlot  bool
	sinceWait time.Duration
}

func (s *slotCheckingTokens) Ensure(ctx context.Context, sess *credentials.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured++
	if s.slots.TryAcquire(1) {
		s.freeSlot = true
		s.slots.Release(1)
	}
	s.sinceWait = time.Since(s.started)
}

func TestExecute_TokenRequestsArePacedInsideSlot(t *testing.T) {
	slots := semaphoreOf(1)
	tokens := &slotCheckingTokens{slots: slots}
	pacer := throttle.NewController(throttle.Config{BaseMin: 20 * time.Millisecond, BaseMax: 20 * time.Millisecond}, zerolog.Nop())
	o := NewOrchestrator(newTestStore(t, time.Hour, "a"), pacer, testRetryConfig(), zerolog.Nop(),
		WithTokens(tokens), WithSlots(slots))

	tokens.started = time.Now()
	if _, err := o.Execute(context.Background(), 1, func(ctx context.Context, sess *credentials.Session, attempt int) error {
		return nil
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if tokens.ensured != 1 {
		t.Fatalf("Ensure calls = %d, want 1", tokens.ensured)
	}
	if tokens.freeSlot {
		t.Error("Ensure ran without holding a worker slot")
	}
	if tokens.sinceWait < 20*time.Millisecond {
		t.Errorf("Ensure ran %v after start, want after the %v pacing delay", tokens.sinceWait, 20*time.Millisecond)
	}
}
