package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyClaimed is returned by ClaimDelivery when the
	// (campaign, hour bucket) slot is already taken.
	ErrAlreadyClaimed = errors.New("storage: delivery slot already claimed")

	// ErrConflict is returned when a uniqueness constraint other than the
	// delivery ledger rejects a write (e.g. duplicate group recipient).
	ErrConflict = errors.New("storage: conflict")
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Campaign is a scheduled broadcast definition.
//
// StartTime/EndTime are "HH:MM" in the operating timezone. LastMinute is the
// rotation counter (0..10) owned exclusively by the dispatcher; the API layer
// must never write it.
type Campaign struct {
	ID          string
	Name        string
	MessageText string
	StartTime   string
	EndTime     string
	IsActive    bool
	GroupID     string // empty = broadcast to every group
	LastMinute  int
	CreatedAt   time.Time
}

// Group is one externally addressable recipient.
type Group struct {
	ID          string
	RecipientID string // opaque transport address (chat id, jid, ...)
	Name        string
	CreatedAt   time.Time
}

type DeliveryStatus string

const (
	// StatusPending marks a claimed slot whose send has not finished yet.
	StatusPending DeliveryStatus = "PENDING"
	StatusSent    DeliveryStatus = "SENT"
	StatusFailed  DeliveryStatus = "FAILED"
)

// Delivery is one row of the send ledger. At most one exists per
// (CampaignID, HourBucket); the uniqueness constraint in sqlite is the
// claim mechanism, so it holds across restarts.
type Delivery struct {
	CampaignID string
	HourBucket string // "YYYY-MM-DD-HH" in the operating timezone
	Status     DeliveryStatus
	Recipients int
	Error      string
	SentAt     time.Time // zero until finalized
	CreatedAt  time.Time
}

// CampaignUpdate carries the API-mutable campaign fields. Nil means "leave
// unchanged". LastMinute is deliberately absent.
type CampaignUpdate struct {
	IsActive    *bool
	MessageText *string
	StartTime   *string
	EndTime     *string
}

// SessionEntry is one persisted unit of protocol credential or key material.
type SessionEntry struct {
	Category  string
	ID        string
	Data      []byte
	UpdatedAt time.Time
}
