package whatsapp

import (
	"context"
	"errors"
	"sync"
	"time"

	"castbot/internal/session"
	logx "castbot/pkg/logx"
)

var ErrNotConnected = errors.New("whatsapp: connection not open")

type Config struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
	return c
}

// Supervisor owns the protocol connection handle. It dials with the
// persisted auth state, persists credential/key mutations the connection
// emits, and reconnects with backoff unless the closure reason is
// logged-out. Deferred sends share the handle read-only through SendText;
// only the supervisor ever replaces it.
type Supervisor struct {
	cfg    Config
	dialer Dialer
	keys   *session.Keys
	log    logx.Logger

	mu     sync.Mutex
	conn   Conn
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// the run loop fully exits.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewSupervisor(cfg Config, dialer Dialer, keys *session.Keys, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{cfg: cfg.withDefaults(), dialer: dialer, keys: keys, log: log}
}

// SendText delivers through the current connection.
func (s *Supervisor) SendText(ctx context.Context, recipient, text string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendText(ctx, recipient, text)
}

func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, stopCh)
	}()
}

func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	conn := s.conn
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(ctx)
	}

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.conn = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

func (s *Supervisor) run(ctx context.Context, stopCh <-chan struct{}) {
	backoff := s.cfg.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		creds, err := s.keys.Creds(ctx)
		if err != nil {
			s.log.Error("credentials unavailable", logx.Err(err))
			if !s.sleep(ctx, stopCh, backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		conn, err := s.dialer.Dial(ctx, AuthState{Creds: creds, Keys: s.keys})
		if err != nil {
			s.log.Warn("dial failed; retrying", logx.Err(err), logx.Duration("backoff", backoff))
			if !s.sleep(ctx, stopCh, backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		backoff = s.cfg.ReconnectBase

		loggedOut := s.consume(ctx, conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()

		if loggedOut {
			s.log.Error("logged out; not reconnecting")
			return
		}
	}
}

// consume drains connection events until it closes. Returns true when the
// closure reason is logged-out.
func (s *Supervisor) consume(ctx context.Context, conn Conn) bool {
	for ev := range conn.Events() {
		switch ev.Kind {
		case EventOpened:
			s.log.Info("connection opened")
		case EventCredsUpdated:
			if ev.Creds != nil {
				s.keys.SetCreds(ev.Creds)
			}
			if err := s.keys.SaveCreds(ctx); err != nil {
				s.log.Error("persisting credentials failed", logx.Err(err))
			}
		case EventKeysMutated:
			s.keys.BulkSet(ctx, ev.Mutations)
		case EventClosed:
			s.log.Warn("connection closed", logx.Err(ev.Err), logx.Bool("logged_out", ev.LoggedOut))
			return ev.LoggedOut
		}
	}
	return false
}

func (s *Supervisor) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}

func (s *Supervisor) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > s.cfg.ReconnectMax {
		next = s.cfg.ReconnectMax
	}
	return next
}
