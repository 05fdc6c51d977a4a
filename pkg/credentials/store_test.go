package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/discovery-harvester/internal/clock"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T, cfg Config, ids ...string) (*Store, *clock.Manual) {
	t.Helper()

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sets := make([]*CredentialSet, 0, len(ids))
	for _, id := range ids {
		sets = append(sets, NewCredentialSet(id, map[string]string{"sessionid": id + "-cookie"}, "UA/"+id))
	}
	store, err := NewStore(cfg, sets, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, clk
}

func TestNewStore_Validation(t *testing.T) {
	if _, err := NewStore(DefaultConfig(), nil, nil, zerolog.Nop()); !errors.Is(err, ErrEmptyPool) {
		t.Errorf("NewStore(nil sets) error = %v, want ErrEmptyPool", err)
	}

	sets := []*CredentialSet{
		NewCredentialSet("a", nil, ""),
		NewCredentialSet("a", nil, ""),
	}
	if _, err := NewStore(DefaultConfig(), sets, nil, zerolog.Nop()); !errors.Is(err, ErrDuplicateCredential) {
		t.Errorf("NewStore(duplicate ids) error = %v, want ErrDuplicateCredential", err)
	}
}

func TestAcquire_LeastRecentlyUsed(t *testing.T) {
	store, clk := newTestStore(t, DefaultConfig(), "a", "b", "c")

	first, err := store.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if first.CredentialID != "a" {
		t.Errorf("first CredentialID = %q, want a", first.CredentialID)
	}
	clk.Advance(time.Second)
	store.Release(first)

	second, _ := store.Acquire()
	clk.Advance(time.Second)
	store.Release(second)
	if second.CredentialID != "b" {
		t.Errorf("second CredentialID = %q, want b", second.CredentialID)
	}

	third, _ := store.Acquire()
	clk.Advance(time.Second)
	store.Release(third)
	if third.CredentialID != "c" {
		t.Errorf("third CredentialID = %q, want c", third.CredentialID)
	}

	fourth, _ := store.Acquire()
	if fourth.CredentialID != "a" {
		t.Errorf("fourth CredentialID = %q, want a (least recently used)", fourth.CredentialID)
	}
	if fourth != first {
		t.Error("live session for set a should be reused")
	}
}

func TestAcquire_NeverLeasesSameSetTwice(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a", "b", "c", "d")

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		leased = map[string]int{}
		failed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := store.Acquire()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			leased[sess.CredentialID]++
		}()
	}
	wg.Wait()

	for id, n := range leased {
		if n != 1 {
			t.Errorf("set %s leased %d times concurrently", id, n)
		}
	}
	if len(leased) != 4 || failed != 12 {
		t.Errorf("leased=%d failed=%d, want 4 and 12", len(leased), failed)
	}
}

func TestAcquire_PoolExhausted(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a", "b")

	store.MarkBlocked("a")
	store.MarkBlocked("b")

	sess, err := store.Acquire()
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrPoolExhausted", err)
	}
	if sess != nil {
		t.Error("Acquire() returned a session from an exhausted pool")
	}
}

func TestMarkBlocked_Idempotent(t *testing.T) {
	store, clk := newTestStore(t, DefaultConfig(), "a")

	store.MarkBlocked("a")
	first := store.BlockedAt("a")

	clk.Advance(time.Minute)
	store.MarkBlocked("a")

	if got := store.BlockedAt("a"); !got.Equal(first) {
		t.Errorf("BlockedAt after second MarkBlocked = %v, want %v", got, first)
	}
	if status, _ := store.StatusOf("a"); status != StatusBlocked {
		t.Errorf("status = %s, want blocked", status)
	}
	if st := store.Stats(); st.Blocked != 1 {
		t.Errorf("Stats().Blocked = %d, want 1", st.Blocked)
	}
}

func TestCooldown_RoundTrip(t *testing.T) {
	cfg := Config{Cooldown: 10 * time.Minute, MaxSessionUses: 10}
	store, clk := newTestStore(t, cfg, "a")

	blockedAt := clk.Now()
	store.MarkBlocked("a")

	offsets := []struct {
		name   string
		at     time.Duration
		status Status
	}{
		{"immediately", 0, StatusBlocked},
		{"halfway", 5 * time.Minute, StatusBlocked},
		{"one nanosecond early", 10*time.Minute - time.Nanosecond, StatusBlocked},
		{"exactly at cooldown", 10 * time.Minute, StatusActive},
		{"after cooldown", 11 * time.Minute, StatusActive},
	}
	for _, tt := range offsets {
		t.Run(tt.name, func(t *testing.T) {
			clk.Set(blockedAt.Add(tt.at))
			got, ok := store.StatusOf("a")
			if !ok {
				t.Fatal("StatusOf() unknown id")
			}
			if got != tt.status {
				t.Errorf("StatusOf() at T+%v = %s, want %s", tt.at, got, tt.status)
			}
		})
	}
}

func TestSweep_ReturnsSetToPool(t *testing.T) {
	cfg := Config{Cooldown: time.Minute, MaxSessionUses: 10}
	store, clk := newTestStore(t, cfg, "a")

	store.MarkBlocked("a")
	if _, err := store.Acquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire() during cooldown error = %v, want ErrPoolExhausted", err)
	}

	clk.Advance(time.Minute)
	store.Sweep()
	if st := store.Stats(); st.Active != 1 {
		t.Errorf("Stats().Active after sweep = %d, want 1", st.Active)
	}
	if _, err := store.Acquire(); err != nil {
		t.Errorf("Acquire() after cooldown error = %v", err)
	}
}

func TestRetireSession(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a")

	sess, _ := store.Acquire()
	store.SetTokens(sess, TokenSet{ClaimToken: "claim", AppID: "app", ExtractedAt: time.Now()})
	store.RetireSession(sess)
	store.Release(sess)

	info := store.Info(sess)
	if !info.Retired {
		t.Error("session should be retired")
	}
	if !info.Tokens.IsZero() {
		t.Errorf("retired session tokens = %+v, want zero", info.Tokens)
	}
	if status, _ := store.StatusOf("a"); status != StatusActive {
		t.Errorf("credential status after retire = %s, want active", status)
	}

	next, err := store.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if next == sess || next.ID == sess.ID {
		t.Error("retired session was reused")
	}

	store.SetTokens(sess, TokenSet{ClaimToken: "late"})
	if !store.Tokens(sess).IsZero() {
		t.Error("tokens stored on a retired session")
	}
}

func TestAcquire_RetiresAtUsageCeiling(t *testing.T) {
	store, _ := newTestStore(t, Config{Cooldown: time.Minute, MaxSessionUses: 2}, "a")

	sess, _ := store.Acquire()
	store.RecordCall(sess)
	store.RecordCall(sess)
	store.Release(sess)

	next, _ := store.Acquire()
	if next == sess {
		t.Error("session over its usage ceiling was reused")
	}
	if !store.IsRetired(sess) {
		t.Error("session over its usage ceiling should be retired")
	}
}

func TestRecordCall_CountsSinceExtraction(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a")
	sess, _ := store.Acquire()

	for i := 1; i <= 3; i++ {
		if got := store.RecordCall(sess); got != i {
			t.Errorf("RecordCall() = %d, want %d", got, i)
		}
	}
	store.SetTokens(sess, TokenSet{ClaimToken: "x", Calls: 99})
	if got := store.RecordCall(sess); got != 1 {
		t.Errorf("RecordCall() after SetTokens = %d, want 1", got)
	}
	if info := store.Info(sess); info.Uses != 4 {
		t.Errorf("Uses = %d, want 4", info.Uses)
	}
}

func TestRelease_ForeignSessionIgnored(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a")

	sess, _ := store.Acquire()
	store.RetireSession(sess)
	store.Release(&Session{ID: "other", CredentialID: "a"})

	if st := store.Stats(); st.Leased != 1 {
		t.Errorf("Stats().Leased = %d, want 1", st.Leased)
	}
	store.Release(sess)
	if st := store.Stats(); st.Leased != 0 {
		t.Errorf("Stats().Leased after release = %d, want 0", st.Leased)
	}
}

func TestAcquire_AllLeasedIsNotExhaustion(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a")

	if _, err := store.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	_, err := store.Acquire()
	if !errors.Is(err, ErrAllLeased) {
		t.Errorf("Acquire() with every set leased error = %v, want ErrAllLeased", err)
	}
	if errors.Is(err, ErrPoolExhausted) {
		t.Error("leased sets reported as pool exhaustion")
	}
}

func TestLease_WaitsForRelease(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a")

	held, err := store.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan *Session, 1)
	go func() {
		sess, err := store.Lease(context.Background())
		if err != nil {
			t.Errorf("Lease() error = %v", err)
		}
		got <- sess
	}()

	select {
	case <-got:
		t.Fatal("Lease() returned while the only set was leased")
	case <-time.After(20 * time.Millisecond):
	}

	store.Release(held)
	select {
	case sess := <-got:
		if sess == nil || sess.CredentialID != "a" {
			t.Errorf("Lease() = %v, want a session on set a", sess)
		}
	case <-time.After(time.Second):
		t.Fatal("Lease() did not return after Release")
	}
}

func TestLease_Cancelled(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a")
	if _, err := store.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := store.Lease(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lease() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestLease_BlockWhileWaitingIsExhaustion(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a")
	held, err := store.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := store.Lease(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	store.MarkBlocked(held.CredentialID)

	select {
	case err := <-done:
		if !errors.Is(err, ErrPoolExhausted) {
			t.Errorf("Lease() error = %v, want ErrPoolExhausted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Lease() did not return after the last active set was blocked")
	}
}

func TestLease_AllBlockedReturnsAtOnce(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig(), "a", "b")
	store.MarkBlocked("a")
	store.MarkBlocked("b")

	if _, err := store.Lease(context.Background()); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Lease() error = %v, want ErrPoolExhausted", err)
	}
}
