package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"itfits/backend/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.Event
	emitErr error
	delay   time.Duration
	ctxErr  error
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.ctxErr = ctx.Err()
			m.mu.Unlock()
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Event(nil), m.events...)
}

func waitForEvents(t *testing.T, m *mockEventEmitter, n int) []*domain.Event {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ev := m.getEvents(); len(ev) >= n {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, domain.NewEvent("test", "u1", "", nil), nil)
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, nil, nil)

	time.Sleep(10 * time.Millisecond)
	if events := emitter.getEvents(); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := domain.NewEvent(domain.EventSessionConnected, "user-1", "sess-1", nil)

	EmitAsync(emitter, event, zap.NewNop())

	events := waitForEvents(t, emitter, 1)
	if events[0] != event {
		t.Error("emitted event should be the one passed in")
	}
}

func TestEmitAsync_ErrorIsLoggedNotReturned(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("kafka down")}
	EmitAsync(emitter, domain.NewEvent("test", "", "", nil), zap.NewNop())
	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, domain.NewEvent("test", "", "", nil), nil)
		}()
	}
	wg.Wait()
	waitForEvents(t, emitter, 20)
}

func TestMulti(t *testing.T) {
	a := &mockEventEmitter{}
	b := &mockEventEmitter{emitErr: errors.New("boom")}
	m := Multi(a, nil, b)

	err := m.Emit(context.Background(), domain.NewEvent("test", "", "", nil))
	if err == nil || err.Error() != "boom" {
		t.Errorf("Emit err = %v, want boom", err)
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Error("every emitter should receive the event")
	}
}

func TestMulti_Empty(t *testing.T) {
	if err := Multi().Emit(context.Background(), &domain.Event{}); err != nil {
		t.Errorf("empty Multi Emit = %v", err)
	}
}
