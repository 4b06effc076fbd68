package dispatch

import (
	"context"
	"runtime/debug"
	"time"

	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// armSend registers a one-shot deferred send in the cancellable registry.
// The version counter makes a Cancel/re-arm race unable to fire a stale
// timer.
func (s *Service) armSend(c storage.Campaign, bucket string, delay time.Duration) {
	s.tmu.Lock()
	ver := s.armedVer[c.ID] + 1
	s.armedVer[c.ID] = ver
	if old, ok := s.armed[c.ID]; ok {
		// Should not happen within one bucket (the claim blocks it); can
		// happen when a tick fires very late. The old claim stays PENDING
		// and is swept on the next tick.
		_ = old.timer.Stop()
	}
	a := &armedSend{bucket: bucket, ver: ver}
	a.timer = time.AfterFunc(delay, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in deferred send", logx.String("campaign", c.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.fire(c.ID, bucket, ver)
	})
	s.armed[c.ID] = a
	s.tmu.Unlock()
}

// Cancel disarms a campaign's pending deferred send, if any, and fails its
// ledger claim. The API layer calls this when a campaign is deactivated or
// deleted.
func (s *Service) Cancel(ctx context.Context, campaignID string) {
	s.tmu.Lock()
	a, ok := s.armed[campaignID]
	if ok {
		_ = a.timer.Stop()
		delete(s.armed, campaignID)
		s.armedVer[campaignID]++
	}
	s.tmu.Unlock()
	if !ok {
		return
	}
	s.log.Info("pending send cancelled", logx.String("campaign", campaignID), logx.String("bucket", a.bucket))
	if err := s.store.FinalizeDelivery(ctx, campaignID, a.bucket, storage.StatusFailed, 0, "cancelled"); err != nil {
		s.log.Error("finalizing cancelled claim failed", logx.String("campaign", campaignID), logx.Err(err))
	}
}

// fire runs one deferred send: re-validate, resolve recipients, send
// sequentially, finalize the ledger row.
func (s *Service) fire(campaignID, bucket string, ver uint64) {
	// Claim the armed slot; a concurrent Cancel/Stop wins if it got there
	// first.
	s.tmu.Lock()
	a, ok := s.armed[campaignID]
	if !ok || a.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.armed, campaignID)
	s.sendWG.Add(1)
	s.tmu.Unlock()
	defer s.sendWG.Done()

	s.mu.Lock()
	ctx := s.runCtx
	timeout := s.cfg.SendTimeout
	limiter := s.limiter
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := s.log.With(logx.String("campaign", campaignID), logx.String("bucket", bucket))

	finalize := func(status storage.DeliveryStatus, recipients int, errText string) {
		if err := s.store.FinalizeDelivery(ctx, campaignID, bucket, status, recipients, errText); err != nil {
			log.Error("finalizing delivery failed", logx.Err(err))
		}
	}

	// Re-check at fire time: the campaign may have been deleted or
	// deactivated while the timer was pending.
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		log.Warn("campaign gone at fire time; skipping send", logx.Err(err))
		finalize(storage.StatusFailed, 0, "campaign deleted before send")
		return
	}
	if !c.IsActive {
		log.Info("campaign inactive at fire time; skipping send")
		finalize(storage.StatusFailed, 0, "campaign inactive before send")
		return
	}

	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		log.Error("listing groups failed", logx.Err(err))
		finalize(storage.StatusFailed, 0, "resolving recipients failed")
		return
	}
	recipients := Resolve(c, groups)

	start := time.Now()
	log.Info("sending", logx.Int("recipients", len(recipients)))

	// Strictly sequential, in resolution order: a failure partway through
	// means "sent to the first K recipients", and the external connection
	// never sees a burst.
	sent := 0
	for _, r := range recipients {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				finalize(storage.StatusFailed, sent, err.Error())
				return
			}
		}
		if err := s.sender.SendText(ctx, r, c.MessageText); err != nil {
			log.Warn("send failed; aborting campaign for this hour", logx.String("recipient", r), logx.Int("sent", sent), logx.Err(err))
			finalize(storage.StatusFailed, sent, err.Error())
			return
		}
		sent++
	}

	finalize(storage.StatusSent, sent, "")
	log.Info("sent", logx.Int("recipients", sent), logx.Duration("dur", time.Since(start)))
}
