package chatline

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeActivity struct {
	mu       sync.Mutex
	presence []bool
	liveness int
}

func (f *fakeActivity) SetPresence(ctx context.Context, roomID, userID int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, active)
	return nil
}

func (f *fakeActivity) SendLiveness(ctx context.Context, roomID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveness++
	return nil
}

func (f *fakeActivity) presenceCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.presence...)
}

func (f *fakeActivity) livenessCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveness
}

type fakeReader struct {
	mu    sync.Mutex
	marks int
}

func (f *fakeReader) MarkRead(ctx context.Context, userID, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	return nil
}

func (f *fakeReader) markCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks
}

func fastPresenceConfig() *PresenceConfig {
	return &PresenceConfig{
		IdleTimeout:       40 * time.Millisecond,
		BlurGrace:         20 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// ============================================================================
// Activation
// ============================================================================

func TestPresenceActivation(t *testing.T) {
	activity := &fakeActivity{}
	reader := &fakeReader{}
	p := NewPresenceController(1, 1, activity, reader, fastPresenceConfig())
	defer p.Close()

	var reconnects []bool
	var mu sync.Mutex
	p.OnActivate = func(reconnect bool) {
		mu.Lock()
		reconnects = append(reconnects, reconnect)
		mu.Unlock()
	}

	p.Start(context.Background())

	if p.State() != PresenceActive {
		t.Fatalf("expected active, got %s", p.State())
	}
	calls := activity.presenceCalls()
	if len(calls) != 1 || !calls[0] {
		t.Fatalf("expected one presence(true) call, got %v", calls)
	}
	if reader.markCalls() != 1 {
		t.Fatalf("expected read cursor advanced on activation, got %d calls", reader.markCalls())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reconnects) != 1 || reconnects[0] {
		t.Fatalf("first activation must not signal reconnect: %v", reconnects)
	}
}

func TestPresenceReactivationSignalsReconnect(t *testing.T) {
	activity := &fakeActivity{}
	reader := &fakeReader{}
	p := NewPresenceController(1, 1, activity, reader, fastPresenceConfig())
	defer p.Close()

	var reconnects []bool
	var mu sync.Mutex
	p.OnActivate = func(reconnect bool) {
		mu.Lock()
		reconnects = append(reconnects, reconnect)
		mu.Unlock()
	}

	ctx := context.Background()
	p.Start(ctx)
	p.Hide(ctx)
	if p.State() != PresenceInactive {
		t.Fatalf("hide must deactivate immediately, got %s", p.State())
	}
	p.Show(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(reconnects) != 2 || reconnects[0] || !reconnects[1] {
		t.Fatalf("expected [false true], got %v", reconnects)
	}
}

// stallingActivity blocks active presence writes until released, so tests can
// interleave signals across the activation's server calls.
type stallingActivity struct {
	fakeActivity
	entered chan struct{}
	release chan struct{}
}

func (s *stallingActivity) SetPresence(ctx context.Context, roomID, userID int64, active bool) error {
	if active {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.fakeActivity.SetPresence(ctx, roomID, userID, active)
}

func TestPresenceHideDuringActivation(t *testing.T) {
	activity := &stallingActivity{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewPresenceController(1, 1, activity, &fakeReader{}, fastPresenceConfig())
	defer p.Close()

	activated := make(chan struct{}, 1)
	p.OnActivate = func(bool) { activated <- struct{}{} }

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	// Hide lands while the activation's presence write is still in flight;
	// the resumed activation must not override it.
	<-activity.entered
	p.Hide(ctx)
	close(activity.release)
	<-done

	if p.State() != PresenceInactive {
		t.Fatalf("hidden tab ended up %s after activation settled", p.State())
	}
	select {
	case <-activated:
		t.Fatal("abandoned activation must not fire the activate hook")
	default:
	}

	calls := activity.presenceCalls()
	if len(calls) == 0 || calls[len(calls)-1] {
		t.Fatalf("server must settle inactive, presence writes were %v", calls)
	}

	t.Run("input while hidden stays inactive", func(t *testing.T) {
		p.Touch(ctx)
		if p.State() != PresenceInactive {
			t.Fatalf("hidden controller re-activated: %s", p.State())
		}
	})
}

// ============================================================================
// Idle timeout
// ============================================================================

func TestPresenceIdleTimeout(t *testing.T) {
	activity := &fakeActivity{}
	p := NewPresenceController(1, 1, activity, &fakeReader{}, fastPresenceConfig())
	defer p.Close()

	ctx := context.Background()
	p.Start(ctx)

	waitFor(t, time.Second, func() bool { return p.State() == PresenceInactive })

	calls := activity.presenceCalls()
	if len(calls) != 2 || calls[0] != true || calls[1] != false {
		t.Fatalf("expected presence [true false], got %v", calls)
	}

	t.Run("input re-activates", func(t *testing.T) {
		p.Touch(ctx)
		if p.State() != PresenceActive {
			t.Fatalf("expected active after input, got %s", p.State())
		}
	})
}

// ============================================================================
// Blur grace
// ============================================================================

func TestPresenceBlurGrace(t *testing.T) {
	t.Run("focus within grace cancels deactivation", func(t *testing.T) {
		activity := &fakeActivity{}
		// A roomy idle timeout keeps the 40ms wait below from tripping the
		// idle timer armed at Start; only the blur grace is under test here.
		cfg := fastPresenceConfig()
		cfg.IdleTimeout = 200 * time.Millisecond
		p := NewPresenceController(1, 1, activity, &fakeReader{}, cfg)
		defer p.Close()

		ctx := context.Background()
		p.Start(ctx)
		p.Blur(ctx)
		if p.State() != PresenceBlurred {
			t.Fatalf("expected blurred, got %s", p.State())
		}
		p.Focus(ctx)
		if p.State() != PresenceActive {
			t.Fatalf("expected active after refocus, got %s", p.State())
		}

		// The cancelled timer must not fire later.
		time.Sleep(40 * time.Millisecond)
		if p.State() != PresenceActive {
			t.Fatalf("cancelled blur deactivated anyway, got %s", p.State())
		}
	})

	t.Run("grace expiry deactivates", func(t *testing.T) {
		activity := &fakeActivity{}
		p := NewPresenceController(1, 1, activity, &fakeReader{}, fastPresenceConfig())
		defer p.Close()

		ctx := context.Background()
		p.Start(ctx)
		p.Blur(ctx)
		waitFor(t, time.Second, func() bool { return p.State() == PresenceInactive })
	})
}

// ============================================================================
// Teardown
// ============================================================================

func TestPresenceDeactivateExactlyOnce(t *testing.T) {
	activity := &fakeActivity{}
	p := NewPresenceController(1, 1, activity, &fakeReader{}, fastPresenceConfig())

	deactivations := 0
	var mu sync.Mutex
	p.OnDeactivate = func() {
		mu.Lock()
		deactivations++
		mu.Unlock()
	}

	ctx := context.Background()
	p.Start(ctx)

	// Pile every teardown trigger on at once; the Inactive-entry side effects
	// must still run exactly once.
	p.Blur(ctx)
	p.Hide(ctx)
	p.Close()
	p.Close()

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	got := deactivations
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one deactivation, got %d", got)
	}
	calls := activity.presenceCalls()
	if len(calls) != 2 || calls[1] != false {
		t.Fatalf("expected presence [true false], got %v", calls)
	}

	t.Run("closed controller ignores signals", func(t *testing.T) {
		p.Touch(ctx)
		p.Show(ctx)
		p.Focus(ctx)
		if p.State() != PresenceInactive {
			t.Fatalf("closed controller re-activated: %s", p.State())
		}
	})
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestPresenceHeartbeat(t *testing.T) {
	activity := &fakeActivity{}
	p := NewPresenceController(1, 1, activity, &fakeReader{}, fastPresenceConfig())
	defer p.Close()

	ctx := context.Background()
	p.Start(ctx)

	waitFor(t, time.Second, func() bool { return activity.livenessCalls() >= 2 })

	p.Close()
	time.Sleep(5 * time.Millisecond)
	settled := activity.livenessCalls()
	time.Sleep(40 * time.Millisecond)
	if activity.livenessCalls() > settled {
		t.Fatal("liveness signal kept firing after close")
	}
}
