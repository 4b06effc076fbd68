package dispatch

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

func New(cfg Config, store Store, sender transport.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		armed:    map[string]*armedSend{},
		armedVer: map[string]uint64{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates runtime knobs. Timezone changes take effect on the next
// Start; already-armed sends keep the bucket they were committed to.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))

	spec := strings.TrimSpace(s.cfg.TickSpec)
	if spec == "" {
		spec = defaultTickSpec
	}
	runCtx := s.runCtx
	if _, err := s.c.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in dispatch tick", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.tick(runCtx, time.Now().In(loc))
	}); err != nil {
		// Only a malformed TickSpec can get here; fall back to the default.
		s.log.Error("invalid tick spec; using default", logx.String("spec", spec), logx.Err(err))
		_, _ = s.c.AddFunc(defaultTickSpec, func() { s.tick(runCtx, time.Now().In(loc)) })
	}

	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.String("spec", spec))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.stopCh = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if c != nil {
		<-c.Stop().Done()
	}

	// Disarm pending sends. Their PENDING claims stay in the ledger and are
	// rebuilt into FAILED rows by the stale-claim sweep after restart, so a
	// stopped process never double-sends.
	s.tmu.Lock()
	for _, a := range s.armed {
		_ = a.timer.Stop()
	}
	s.armed = map[string]*armedSend{}
	s.tmu.Unlock()

	// Wait for sends that already started firing.
	done := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
