package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/christopherjohns/huddle/internal/event"
	"github.com/redis/go-redis/v9"
)

type transition struct {
	userID string
	online bool
}

type recorder struct {
	mu     sync.Mutex
	events []transition
}

func (r *recorder) StatusChanged(userID string, online bool) {
	r.mu.Lock()
	r.events = append(r.events, transition{userID, online})
	r.mu.Unlock()
}

func (r *recorder) all() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, backend Backend) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	return NewRegistry(backend, quietLogger(), rec), rec
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  NewRedisBackend(client),
	}
}

func TestRegisterSingleConnection(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg, rec := newTestRegistry(t, b)

			online, err := reg.Register(ctx, "u1", "c1")
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if !online {
				t.Error("expected first registration to report online")
			}
			if !reg.IsOnline(ctx, "u1") {
				t.Error("expected u1 to be online")
			}

			offline, err := reg.Unregister(ctx, "c1")
			if err != nil {
				t.Fatalf("unregister: %v", err)
			}
			if !offline {
				t.Error("expected last unregistration to report offline")
			}
			if reg.IsOnline(ctx, "u1") {
				t.Error("expected u1 to be offline")
			}

			want := []transition{{"u1", true}, {"u1", false}}
			got := rec.all()
			if len(got) != len(want) {
				t.Fatalf("expected %d transitions, got %v", len(want), got)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("transition %d: expected %v, got %v", i, want[i], got[i])
				}
			}
		})
	}
}

func TestSecondConnectionIsSilent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg, rec := newTestRegistry(t, b)

			reg.Register(ctx, "u1", "c1")
			online, err := reg.Register(ctx, "u1", "c2")
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if online {
				t.Error("second connection should not report online")
			}

			offline, _ := reg.Unregister(ctx, "c1")
			if offline {
				t.Error("closing one of two connections should not report offline")
			}
			if !reg.IsOnline(ctx, "u1") {
				t.Error("u1 should still be online")
			}
			if got := len(rec.all()); got != 1 {
				t.Errorf("expected only the online transition, got %d", got)
			}

			offline, _ = reg.Unregister(ctx, "c2")
			if !offline {
				t.Error("closing the last connection should report offline")
			}
			if got := len(rec.all()); got != 2 {
				t.Errorf("expected 2 transitions, got %d", got)
			}
		})
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, NewMemoryBackend())

	reg.Register(ctx, "u1", "c1")
	reg.Unregister(ctx, "c1")
	offline, err := reg.Unregister(ctx, "c1")
	if err != nil {
		t.Fatalf("second unregister: %v", err)
	}
	if offline {
		t.Error("second unregister should not report offline")
	}
	if offline, _ := reg.Unregister(ctx, "never-registered"); offline {
		t.Error("unknown connection should not report offline")
	}
	if got := len(rec.all()); got != 2 {
		t.Errorf("expected exactly 2 transitions, got %d", got)
	}
}

func TestRegisterSamePairTwice(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, NewMemoryBackend())

	reg.Register(ctx, "u1", "c1")
	online, err := reg.Register(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if online {
		t.Error("re-register should not report online")
	}
	if got := len(rec.all()); got != 1 {
		t.Errorf("expected 1 transition, got %d", got)
	}
}

func TestRegisterDifferentUserOnSameConnection(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, NewMemoryBackend())

	reg.Register(ctx, "u1", "c1")
	if _, err := reg.Register(ctx, "u2", "c1"); !errors.Is(err, ErrAlreadyAnnounced) {
		t.Errorf("expected ErrAlreadyAnnounced, got %v", err)
	}
	if id, _ := reg.UserFor("c1"); id != "u1" {
		t.Errorf("expected c1 to stay bound to u1, got %q", id)
	}
}

func TestConnectionsFor(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, NewMemoryBackend())

	reg.Register(ctx, "u1", "c2")
	reg.Register(ctx, "u1", "c1")
	reg.Register(ctx, "u2", "c3")

	got := reg.ConnectionsFor(ctx, "u1")
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("expected [c1 c2], got %v", got)
	}
	if got := reg.ConnectionsFor(ctx, "nobody"); len(got) != 0 {
		t.Errorf("expected no connections, got %v", got)
	}
	if reg.Len() != 3 {
		t.Errorf("expected 3 connections, got %d", reg.Len())
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, NewMemoryBackend())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "c" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			reg.Register(ctx, "u1", id)
			reg.Unregister(ctx, id)
		}(i)
	}
	wg.Wait()

	// Transitions must alternate online/offline and end offline.
	events := rec.all()
	if len(events) == 0 || len(events)%2 != 0 {
		t.Fatalf("expected an even, non-zero number of transitions, got %d", len(events))
	}
	for i, e := range events {
		if e.online != (i%2 == 0) {
			t.Fatalf("transition %d out of order: %v", i, events)
		}
	}
	if reg.IsOnline(ctx, "u1") {
		t.Error("u1 should be offline")
	}
}

func TestRedisBackendFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	reg, rec := newTestRegistry(t, NewRedisBackend(client))
	mr.Close()

	if _, err := reg.Register(context.Background(), "u1", "c1"); err == nil {
		t.Fatal("expected error with redis down")
	}
	if _, ok := reg.UserFor("c1"); ok {
		t.Error("failed registration should not bind the connection")
	}
	if reg.IsOnline(context.Background(), "u1") {
		t.Error("expected offline when redis is unreachable")
	}
	if len(rec.all()) != 0 {
		t.Error("expected no transitions")
	}
}

func TestUnregisterRetryAfterBackendFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	reg, rec := newTestRegistry(t, NewRedisBackend(client))
	ctx := context.Background()

	if _, err := reg.Register(ctx, "u1", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	mr.SetError("LOADING redis is loading the dataset in memory")
	if _, err := reg.Unregister(ctx, "c1"); err == nil {
		t.Fatal("expected error while redis refuses commands")
	}
	if _, ok := reg.UserFor("c1"); !ok {
		t.Fatal("connection should stay registered until the backend forgets it")
	}
	mr.SetError("")

	offline, err := reg.Unregister(ctx, "c1")
	if err != nil || !offline {
		t.Fatalf("retry: offline=%v err=%v", offline, err)
	}
	if mr.Exists("presence:u1") {
		t.Error("presence set should be gone after the retry")
	}
	if got := rec.all(); len(got) != 2 || got[1] != (transition{"u1", false}) {
		t.Errorf("expected online then offline, got %+v", got)
	}
}

func TestRedisBackendKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := NewRedisBackend(client)
	ctx := context.Background()

	b.Add(ctx, "u1", "c1")
	if !mr.Exists("presence:u1") {
		t.Fatal("expected presence:u1 key")
	}
	b.Remove(ctx, "u1", "c1")
	if mr.Exists("presence:u1") {
		t.Error("expected empty set to be removed")
	}
}

type fanoutRecorder struct {
	typ     string
	payload any
}

func (f *fanoutRecorder) BroadcastAll(typ string, payload any) {
	f.typ, f.payload = typ, payload
}

func TestBroadcaster(t *testing.T) {
	out := &fanoutRecorder{}
	reg := NewRegistry(NewMemoryBackend(), quietLogger(), NewBroadcaster(out, quietLogger()))
	reg.Register(context.Background(), "u1", "c1")

	if out.typ != "user-status-changed" {
		t.Fatalf("expected user-status-changed, got %q", out.typ)
	}
	if got, ok := out.payload.(event.UserStatus); !ok || got.Status != event.StatusOnline {
		t.Errorf("expected online status, got %#v", out.payload)
	}
	reg.Unregister(context.Background(), "c1")
	if got, ok := out.payload.(event.UserStatus); !ok || got.UserID != "u1" || got.Status != event.StatusOffline {
		t.Errorf("expected offline status for u1, got %#v", out.payload)
	}
}
