package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkai-app/talkai/internal/voice"
)

func managerOptions(userID string, stream *fakeStream) Options {
	return Options{
		UserID: userID,
		Tokens: voice.StaticTokenSource("tok"),
		NewVoice: func(h voice.Handlers) voice.Stream {
			stream.mu.Lock()
			stream.handlers = h
			stream.mu.Unlock()
			return stream
		},
		Logger:       zerolog.Nop(),
		TickInterval: time.Hour,
	}
}

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, nil)
	o := m.Create(context.Background(), managerOptions("u1", &fakeStream{}))
	if o.ID() == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(o.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != o {
		t.Fatalf("Get() returned a different orchestrator")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	summary, err := m.End(context.Background(), o.ID())
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if summary.SessionID != o.ID() {
		t.Fatalf("summary session = %q, want %q", summary.SessionID, o.ID())
	}
	if o.Status() != StatusEnded {
		t.Fatalf("status = %q, want %q", o.Status(), StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if _, err := m.End(context.Background(), o.ID()); err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if _, err := m.Get("missing"); err != ErrNotFound {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerCreateEndsPreviousSessionForUser(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, nil)
	first := m.Create(context.Background(), managerOptions("u1", &fakeStream{}))
	if err := first.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	second := m.Create(context.Background(), managerOptions("u1", &fakeStream{}))

	if first.Status() != StatusEnded {
		t.Fatalf("first status = %q, want ended", first.Status())
	}
	if second.Status() == StatusEnded {
		t.Fatalf("second session should still be open")
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30*time.Millisecond, time.Hour, nil)
	expired := make(chan Summary, 1)
	m.SetExpireHook(func(_ *Orchestrator, s Summary) { expired <- s })
	o := m.Create(context.Background(), managerOptions("u1", &fakeStream{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case s := <-expired:
		if s.SessionID != o.ID() {
			t.Fatalf("expired %q, want %q", s.SessionID, o.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not expire the idle session")
	}
	if o.Status() != StatusEnded {
		t.Fatalf("Status = %q, want %q", o.Status(), StatusEnded)
	}
	if _, err := m.Get(o.ID()); err != nil {
		t.Fatalf("ended session should be retained: %v", err)
	}
}

func TestManagerJanitorDropsAfterRetention(t *testing.T) {
	m := NewManager(time.Hour, 20*time.Millisecond, nil)
	o := m.Create(context.Background(), managerOptions("", &fakeStream{}))
	if _, err := m.End(context.Background(), o.ID()); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(o.ID()); err == ErrNotFound {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ended session was not purged after retention")
}

func TestManagerShutdownEndsOpenSessions(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, nil)
	a := m.Create(context.Background(), managerOptions("u1", &fakeStream{}))
	b := m.Create(context.Background(), managerOptions("u2", &fakeStream{}))
	m.Shutdown(context.Background())
	if a.Status() != StatusEnded || b.Status() != StatusEnded {
		t.Fatalf("statuses = %q, %q; want ended", a.Status(), b.Status())
	}
}
