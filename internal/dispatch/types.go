package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// rotationSlots is the size of the jitter cycle: the rotation counter runs
// 0..10, so a deferred send is delayed by at most 10 minutes.
const rotationSlots = 11

const defaultTickSpec = "0 * * * *"

// Config controls the dispatch service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ; empty means the host's local zone
	TickSpec string // cron spec for the evaluation pass; default top-of-hour

	RatePerSec  int
	SendTimeout time.Duration // bound on one deferred send job; 0 disables
}

// armedSend is one pending deferred send. The version guards against a
// cancel/re-arm race firing a stale timer.
type armedSend struct {
	timer  *time.Timer
	bucket string
	ver    uint64
}

// Store is the slice of the persistence API the dispatcher needs.
// storage.Store satisfies it.
type Store interface {
	ListActiveCampaigns(ctx context.Context) ([]storage.Campaign, error)
	GetCampaign(ctx context.Context, id string) (storage.Campaign, error)
	ListGroups(ctx context.Context) ([]storage.Group, error)
	SetCampaignLastMinute(ctx context.Context, id string, minute int) error
	ClaimDelivery(ctx context.Context, campaignID, bucket string) error
	FinalizeDelivery(ctx context.Context, campaignID, bucket string, status storage.DeliveryStatus, recipients int, errText string) error
	SweepStaleClaims(ctx context.Context, currentBucket string) (int, error)
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	store  Store
	sender transport.Sender
	log    logx.Logger

	loc     *time.Location
	c       *cron.Cron
	limiter *rate.Limiter

	// Armed deferred sends, keyed by campaign id. Guarded by tmu.
	tmu      sync.Mutex
	armed    map[string]*armedSend
	armedVer map[string]uint64

	runCtx    context.Context
	runCancel context.CancelFunc
	stopCh    chan struct{}
	// sendWG tracks deferred sends that already started firing; Stop waits
	// for them after disarming the rest.
	sendWG sync.WaitGroup
}
