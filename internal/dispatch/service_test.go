package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type finalized struct {
	status     storage.DeliveryStatus
	recipients int
	errText    string
}

type fakeStore struct {
	mu sync.Mutex

	campaigns map[string]storage.Campaign
	groups    []storage.Group

	claims     map[string]bool // campaignID|bucket
	finalized  map[string]finalized
	lastMinute map[string]int

	claimErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:  map[string]storage.Campaign{},
		claims:     map[string]bool{},
		finalized:  map[string]finalized{},
		lastMinute: map[string]int{},
	}
}

func claimKey(id, bucket string) string { return id + "|" + bucket }

func (f *fakeStore) ListActiveCampaigns(context.Context) ([]storage.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Campaign
	for _, c := range f.campaigns {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetCampaign(_ context.Context, id string) (storage.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return storage.Campaign{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListGroups(context.Context) ([]storage.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Group(nil), f.groups...), nil
}

func (f *fakeStore) SetCampaignLastMinute(_ context.Context, id string, minute int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.LastMinute = minute
	f.campaigns[id] = c
	f.lastMinute[id] = minute
	return nil
}

func (f *fakeStore) ClaimDelivery(_ context.Context, campaignID, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	k := claimKey(campaignID, bucket)
	if f.claims[k] {
		return storage.ErrAlreadyClaimed
	}
	f.claims[k] = true
	return nil
}

func (f *fakeStore) FinalizeDelivery(_ context.Context, campaignID, bucket string, status storage.DeliveryStatus, recipients int, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[claimKey(campaignID, bucket)] = finalized{status: status, recipients: recipients, errText: errText}
	return nil
}

func (f *fakeStore) SweepStaleClaims(context.Context, string) (int, error) { return 0, nil }

func (f *fakeStore) getFinalized(id, bucket string) (finalized, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fin, ok := f.finalized[claimKey(id, bucket)]
	return fin, ok
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	errAt int // 1-based index of the send that fails; 0 = never
}

func (s *fakeSender) SendText(_ context.Context, recipient, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errAt > 0 && len(s.sent)+1 == s.errAt {
		return fmt.Errorf("send to %s failed", recipient)
	}
	s.sent = append(s.sent, recipient)
	return nil
}

func (s *fakeSender) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func newTestService(store Store, sender *fakeSender) *Service {
	s := New(Config{Enabled: true}, store, sender, logx.Nop())
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s
}

func waitFinalized(t *testing.T, store *fakeStore, id, bucket string) finalized {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fin, ok := store.getFinalized(id, bucket); ok {
			return fin
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("delivery %s/%s never finalized", id, bucket)
	return finalized{}
}

func TestTickSendsAndRotates(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	// LastMinute 10 wraps to slot 0, so the deferred send fires immediately.
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", Name: "promo", MessageText: "hi",
		StartTime: "00:00", EndTime: "23:00", IsActive: true, LastMinute: 10,
	}
	store.groups = []storage.Group{
		{ID: "g1", RecipientID: "111"},
		{ID: "g2", RecipientID: "222"},
	}
	sender := &fakeSender{}
	s := newTestService(store, sender)
	defer s.runCancel()

	now := at(10, 0)
	s.tick(context.Background(), now)

	fin := waitFinalized(t, store, "c1", HourBucket(now))
	if fin.status != storage.StatusSent {
		t.Fatalf("status = %s, want %s (err=%q)", fin.status, storage.StatusSent, fin.errText)
	}
	if fin.recipients != 2 {
		t.Fatalf("recipients = %d, want 2", fin.recipients)
	}
	if got := sender.sentTo(); len(got) != 2 || got[0] != "111" || got[1] != "222" {
		t.Fatalf("sent to %v", got)
	}
	if store.lastMinute["c1"] != 0 {
		t.Fatalf("rotation = %d, want wrap to 0", store.lastMinute["c1"])
	}
}

func TestTickSkipsClaimedBucket(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", MessageText: "hi", StartTime: "00:00", EndTime: "23:00",
		IsActive: true, LastMinute: 10,
	}
	now := at(10, 0)
	store.claims[claimKey("c1", HourBucket(now))] = true

	sender := &fakeSender{}
	s := newTestService(store, sender)
	defer s.runCancel()

	s.tick(context.Background(), now)
	time.Sleep(50 * time.Millisecond)

	if got := sender.sentTo(); len(got) != 0 {
		t.Fatalf("unexpected sends: %v", got)
	}
	if _, ok := store.lastMinute["c1"]; ok {
		t.Fatal("rotation advanced despite claimed bucket")
	}
}

func TestTickOutsideWindow(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", MessageText: "hi", StartTime: "09:00", EndTime: "17:00",
		IsActive: true, LastMinute: 10,
	}
	s := newTestService(store, &fakeSender{})
	defer s.runCancel()

	s.tick(context.Background(), at(18, 0))

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.claims) != 0 {
		t.Fatalf("claimed outside the window: %v", store.claims)
	}
}

func TestTickClaimFailureSkipsSend(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", MessageText: "hi", StartTime: "00:00", EndTime: "23:00",
		IsActive: true, LastMinute: 10,
	}
	store.claimErr = errors.New("disk full")

	sender := &fakeSender{}
	s := newTestService(store, sender)
	defer s.runCancel()

	s.tick(context.Background(), at(10, 0))
	time.Sleep(50 * time.Millisecond)

	if got := sender.sentTo(); len(got) != 0 {
		t.Fatalf("sent despite claim failure: %v", got)
	}
}

func TestFireSkipsDeactivatedCampaign(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", MessageText: "hi", StartTime: "00:00", EndTime: "23:00",
		IsActive: true, LastMinute: 10,
	}
	sender := &fakeSender{}
	s := newTestService(store, sender)
	defer s.runCancel()

	now := at(10, 0)
	bucket := HourBucket(now)

	// Arm with a long delay, deactivate, then fire the armed slot by hand.
	s.armSend(store.campaigns["c1"], bucket, time.Hour)
	store.mu.Lock()
	c := store.campaigns["c1"]
	c.IsActive = false
	store.campaigns["c1"] = c
	store.mu.Unlock()

	s.tmu.Lock()
	ver := s.armed["c1"].ver
	s.armed["c1"].timer.Stop()
	s.tmu.Unlock()
	s.fire("c1", bucket, ver)

	fin, ok := store.getFinalized("c1", bucket)
	if !ok || fin.status != storage.StatusFailed {
		t.Fatalf("finalized = %+v (ok=%v), want FAILED", fin, ok)
	}
	if len(sender.sentTo()) != 0 {
		t.Fatal("sent to a deactivated campaign")
	}
}

func TestCancelFailsClaim(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", MessageText: "hi", StartTime: "00:00", EndTime: "23:00",
		IsActive: true,
	}
	s := newTestService(store, &fakeSender{})
	defer s.runCancel()

	bucket := HourBucket(at(10, 0))
	s.armSend(store.campaigns["c1"], bucket, time.Hour)
	s.Cancel(context.Background(), "c1")

	fin, ok := store.getFinalized("c1", bucket)
	if !ok {
		t.Fatal("cancelled claim was not finalized")
	}
	if fin.status != storage.StatusFailed || fin.errText != "cancelled" {
		t.Fatalf("finalized = %+v", fin)
	}

	// A stale fire after Cancel must be a no-op.
	s.fire("c1", bucket, 1)
	store.mu.Lock()
	n := len(store.finalized)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("stale fire re-finalized: %d rows", n)
	}
}

func TestSendFailureAbortsRemainder(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", MessageText: "hi", StartTime: "00:00", EndTime: "23:00",
		IsActive: true, LastMinute: 10,
	}
	store.groups = []storage.Group{
		{ID: "g1", RecipientID: "111"},
		{ID: "g2", RecipientID: "222"},
		{ID: "g3", RecipientID: "333"},
	}
	sender := &fakeSender{errAt: 2}
	s := newTestService(store, sender)
	defer s.runCancel()

	now := at(10, 0)
	s.tick(context.Background(), now)

	fin := waitFinalized(t, store, "c1", HourBucket(now))
	if fin.status != storage.StatusFailed {
		t.Fatalf("status = %s, want %s", fin.status, storage.StatusFailed)
	}
	if fin.recipients != 1 {
		t.Fatalf("recipients = %d, want 1 (sent before the failure)", fin.recipients)
	}
	if got := sender.sentTo(); len(got) != 1 || got[0] != "111" {
		t.Fatalf("sent to %v", got)
	}
}

func TestPinnedCampaignWithDeletedGroupStillFinalizes(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", MessageText: "hi", StartTime: "00:00", EndTime: "23:00",
		IsActive: true, LastMinute: 10, GroupID: "gone",
	}
	store.groups = []storage.Group{{ID: "g1", RecipientID: "111"}}

	sender := &fakeSender{}
	s := newTestService(store, sender)
	defer s.runCancel()

	now := at(10, 0)
	s.tick(context.Background(), now)

	fin := waitFinalized(t, store, "c1", HourBucket(now))
	if fin.status != storage.StatusSent || fin.recipients != 0 {
		t.Fatalf("finalized = %+v, want SENT with 0 recipients", fin)
	}
	if len(sender.sentTo()) != 0 {
		t.Fatalf("sent to %v, want nobody", sender.sentTo())
	}
}

func TestRotationCyclesThroughSlots(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.campaigns["c1"] = storage.Campaign{
		ID: "c1", MessageText: "hi", StartTime: "00:00", EndTime: "23:00",
		IsActive: true, LastMinute: 0,
	}
	s := newTestService(store, &fakeSender{})
	defer s.runCancel()

	// One tick per hour across a full cycle: the counter walks 1..10 and
	// wraps to 0, and the armed delay always stays under the slot count.
	var seen []int
	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 11; i++ {
		s.tick(context.Background(), base.Add(time.Duration(i)*time.Hour))
		seen = append(seen, store.lastMinute["c1"])

		s.tmu.Lock()
		a := s.armed["c1"]
		if a != nil {
			a.timer.Stop()
			delete(s.armed, "c1")
		}
		s.tmu.Unlock()
	}
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 0}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", seen, want)
		}
		if d := time.Duration(seen[i]) * time.Minute; d >= rotationSlots*time.Minute {
			t.Fatalf("slot %d implies delay %v, want < %v", seen[i], d, rotationSlots*time.Minute)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	groups := []storage.Group{
		{ID: "g1", RecipientID: "111"},
		{ID: "g2", RecipientID: "222"},
	}
	tests := []struct {
		name string
		c    storage.Campaign
		want []string
	}{
		{name: "broadcast", c: storage.Campaign{}, want: []string{"111", "222"}},
		{name: "pinned", c: storage.Campaign{GroupID: "g2"}, want: []string{"222"}},
		{name: "pinned to deleted group", c: storage.Campaign{GroupID: "gone"}, want: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.c, groups)
			if len(got) != len(tt.want) {
				t.Fatalf("Resolve = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Resolve = %v, want %v", got, tt.want)
				}
			}
		})
	}
}
