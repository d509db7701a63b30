package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(max int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker("test", BreakerConfig{MaxFailures: max, Cooldown: cooldown})
	b.now = clock.Now
	return b, clock
}

func fail() error { return errBackend }
func ok() error   { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker("x", BreakerConfig{})
	if b.cfg.MaxFailures != 3 {
		t.Errorf("MaxFailures = %d, want 3", b.cfg.MaxFailures)
	}
	if b.cfg.Cooldown != 30*time.Second {
		t.Errorf("Cooldown = %v, want 30s", b.cfg.Cooldown)
	}
	if b.State() != Closed {
		t.Errorf("State = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Minute)

	if err := b.Do(fail); !errors.Is(err, errBackend) {
		t.Fatalf("first call: err = %v, want backend error", err)
	}
	if b.State() != Closed {
		t.Fatalf("State after 1 failure = %v, want closed", b.State())
	}
	_ = b.Do(fail)
	if b.State() != Open {
		t.Fatalf("State after 2 failures = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn called while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Minute)

	_ = b.Do(fail)
	_ = b.Do(ok)
	_ = b.Do(fail)
	if b.State() != Closed {
		t.Fatalf("State = %v, want closed (failures were not consecutive)", b.State())
	}
}

func TestBreaker_TrialAfterCooldown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		trial func() error
		want  State
	}{
		{name: "trial succeeds closes", trial: ok, want: Closed},
		{name: "trial fails reopens", trial: fail, want: Open},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, clock := newTestBreaker(1, time.Minute)
			_ = b.Do(fail)

			clock.Advance(59 * time.Second)
			if err := b.Do(ok); !errors.Is(err, ErrOpen) {
				t.Fatalf("before cooldown: err = %v, want ErrOpen", err)
			}

			clock.Advance(time.Second)
			if b.State() != Probing {
				t.Fatalf("State = %v, want probing", b.State())
			}
			_ = b.Do(tc.trial)
			if got := b.State(); got != tc.want {
				t.Errorf("State = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBreaker_SingleTrial(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, time.Second)
	_ = b.Do(fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Do(ok); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent call during trial: err = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("State = %v, want closed", b.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{Closed: "closed", Open: "open", Probing: "probing", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
