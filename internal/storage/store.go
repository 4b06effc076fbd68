package storage

import (
	"context"
)

// Store is the persistence API used by the dispatcher, the session key store
// and the HTTP API.
type Store interface {
	// Campaigns. The dispatcher only reads them and advances the rotation
	// counter; everything else belongs to the API layer.
	CreateCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]Campaign, error)
	UpdateCampaign(ctx context.Context, id string, upd CampaignUpdate) (Campaign, error)
	SetCampaignLastMinute(ctx context.Context, id string, minute int) error
	DeleteCampaign(ctx context.Context, id string) error

	// Groups.
	CreateGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, id string) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	DeleteGroup(ctx context.Context, id string) error

	// Delivery ledger. ClaimDelivery inserts a PENDING row and returns
	// ErrAlreadyClaimed when the slot exists; exactly one concurrent claimant
	// wins. FinalizeDelivery moves a PENDING row to SENT or FAILED.
	ClaimDelivery(ctx context.Context, campaignID, bucket string) error
	FinalizeDelivery(ctx context.Context, campaignID, bucket string, status DeliveryStatus, recipients int, errText string) error
	HasDelivery(ctx context.Context, campaignID, bucket string) (bool, error)
	ListDeliveries(ctx context.Context, limit int) ([]Delivery, error)

	// SweepStaleClaims fails PENDING rows from buckets before the given one
	// (claims abandoned by a crash between claim and finalize).
	SweepStaleClaims(ctx context.Context, currentBucket string) (int, error)

	// Session entries (protocol credentials and key material).
	GetSession(ctx context.Context, category, id string) ([]byte, error)
	PutSession(ctx context.Context, category, id string, data []byte) error
	DeleteSession(ctx context.Context, category, id string) error

	Close() error
}
