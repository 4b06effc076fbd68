package whatsapp

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"castbot/internal/session"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type fakeConn struct {
	events chan Event
	mu     sync.Mutex
	sent   []string
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 8)}
}

func (c *fakeConn) SendText(_ context.Context, jid, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, jid)
	return nil
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.events <- Event{Kind: EventClosed}
		close(c.events)
	}
	return nil
}

// finish ends the event stream with the given closure.
func (c *fakeConn) finish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.events <- ev
		close(c.events)
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	errs  int // number of leading dials that fail
}

func (d *fakeDialer) Dial(context.Context, AuthState) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.errs {
		return nil, errors.New("network down")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testSupervisor(t *testing.T, dialer Dialer) (*Supervisor, *session.Keys, storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "castbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keys := session.New(store, logx.Nop(), func() (any, error) {
		return map[string]any{"noiseKey": []byte{1}}, nil
	})
	sup := NewSupervisor(Config{ReconnectBase: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond}, dialer, keys, logx.Nop())
	return sup, keys, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisorPersistsConnectionMutations(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	sup, _, store := testSupervisor(t, dialer)
	ctx := context.Background()

	sup.Start(ctx)
	defer sup.Stop(ctx)

	waitFor(t, "first dial", func() bool { return dialer.conn(0) != nil })
	conn := dialer.conn(0)

	conn.events <- Event{Kind: EventOpened}
	conn.events <- Event{Kind: EventCredsUpdated, Creds: map[string]any{"noiseKey": []byte{9}, "registered": true}}
	conn.events <- Event{Kind: EventKeysMutated, Mutations: map[string]map[string]any{
		"pre-key": {"11": map[string]any{"key": []byte{0xaa}}},
	}}

	waitFor(t, "creds persisted", func() bool {
		_, err := store.GetSession(ctx, session.CategoryCreds, "")
		return err == nil
	})
	waitFor(t, "key mutation persisted", func() bool {
		_, err := store.GetSession(ctx, "pre-key", "11")
		return err == nil
	})

	if err := sup.SendText(ctx, "123@s.whatsapp.net", "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	conn.mu.Lock()
	sent := len(conn.sent)
	conn.mu.Unlock()
	if sent != 1 {
		t.Fatalf("sent = %d", sent)
	}
}

func TestSupervisorReconnectsAfterClose(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{errs: 2}
	sup, _, _ := testSupervisor(t, dialer)
	ctx := context.Background()

	sup.Start(ctx)
	defer sup.Stop(ctx)

	// Two failed dials, then a connection that drops once.
	waitFor(t, "connection after dial failures", func() bool { return dialer.conn(0) != nil })
	dialer.conn(0).finish(Event{Kind: EventClosed, Err: errors.New("stream error")})

	waitFor(t, "reconnect", func() bool { return dialer.conn(1) != nil })
	if dialer.dialCount() < 4 {
		t.Fatalf("dials = %d, want at least 4", dialer.dialCount())
	}
}

func TestSupervisorStopsOnLogout(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	sup, _, _ := testSupervisor(t, dialer)
	ctx := context.Background()

	sup.Start(ctx)
	defer sup.Stop(ctx)

	waitFor(t, "first dial", func() bool { return dialer.conn(0) != nil })
	dialer.conn(0).finish(Event{Kind: EventClosed, LoggedOut: true})

	// No reconnect attempt follows a logout.
	time.Sleep(100 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("dials after logout = %d, want 1", n)
	}
	if err := sup.SendText(ctx, "123", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText after logout: %v, want ErrNotConnected", err)
	}
}

func TestSendTextBeforeStart(t *testing.T) {
	t.Parallel()
	sup, _, _ := testSupervisor(t, &fakeDialer{})
	if err := sup.SendText(context.Background(), "123", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText: %v, want ErrNotConnected", err)
	}
}
