package dispatch

import (
	"context"
	"errors"
	"time"

	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// tick is the hourly evaluation pass. One campaign's failure never stops the
// pass for the others.
func (s *Service) tick(ctx context.Context, now time.Time) {
	if !s.Enabled() {
		return
	}
	bucket := HourBucket(now)
	s.log.Debug("tick", logx.Time("now", now), logx.String("bucket", bucket))

	if n, err := s.store.SweepStaleClaims(ctx, bucket); err != nil {
		s.log.Warn("stale claim sweep failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("failed abandoned delivery claims", logx.Int("count", n))
	}

	campaigns, err := s.store.ListActiveCampaigns(ctx)
	if err != nil {
		s.log.Error("listing active campaigns failed", logx.Err(err))
		return
	}

	for _, c := range campaigns {
		s.evaluate(ctx, c, now, bucket)
	}
}

// evaluate decides whether one campaign sends this hour and, if so, claims
// the ledger slot and arms the deferred send.
func (s *Service) evaluate(ctx context.Context, c storage.Campaign, now time.Time, bucket string) {
	log := s.log.With(logx.String("campaign", c.ID), logx.String("name", c.Name))

	start, err := ParseHHMM(c.StartTime)
	if err != nil {
		log.Error("malformed window start; skipping campaign", logx.Err(err))
		return
	}
	end, err := ParseHHMM(c.EndTime)
	if err != nil {
		log.Error("malformed window end; skipping campaign", logx.Err(err))
		return
	}
	if start == end {
		log.Warn("zero-width window; skipping campaign", logx.String("start", c.StartTime))
		return
	}
	if !InWindow(now, start, end) {
		return
	}

	// Claim the ledger slot BEFORE committing to the delayed send. The
	// uniqueness constraint is what makes this safe across restarts and
	// concurrent schedulers: exactly one claimant wins the bucket.
	if err := s.store.ClaimDelivery(ctx, c.ID, bucket); err != nil {
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			log.Info("already sent this hour; skipping", logx.String("bucket", bucket))
			return
		}
		// A storage failure here must not fall through to a send: that is
		// the double-send path.
		log.Error("ledger claim failed; skipping campaign this hour", logx.Err(err))
		return
	}

	// The rotation advance commits the campaign to this hour's send; it
	// stays consumed even if the send later fails.
	next := (c.LastMinute + 1) % rotationSlots
	if err := s.store.SetCampaignLastMinute(ctx, c.ID, next); err != nil {
		log.Error("rotation advance failed; releasing claim", logx.Err(err))
		if ferr := s.store.FinalizeDelivery(ctx, c.ID, bucket, storage.StatusFailed, 0, "rotation advance failed"); ferr != nil {
			log.Error("finalizing claim failed", logx.Err(ferr))
		}
		return
	}
	c.LastMinute = next

	delay := time.Duration(next) * time.Minute
	log.Info("send scheduled", logx.Int("minute", next), logx.Duration("delay", delay), logx.String("bucket", bucket))
	s.armSend(c, bucket, delay)
}
