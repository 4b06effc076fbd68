package whatsapp

import (
	"context"

	"castbot/internal/session"
)

// The protocol implementation (pairing, encryption, transport) lives in an
// external library. This file is the boundary the supervisor manages: a
// Dialer produces connections, a connection emits lifecycle events and
// accepts sends.

// AuthState is the persisted identity handed to the dialer: the current
// credentials plus the keyed store the connection reads and mutates.
type AuthState struct {
	Creds any
	Keys  *session.Keys
}

type Dialer interface {
	Dial(ctx context.Context, auth AuthState) (Conn, error)
}

type Conn interface {
	SendText(ctx context.Context, jid, text string) error

	// Events yields lifecycle events until the connection closes; the
	// channel is closed after the Closed event.
	Events() <-chan Event

	Close(ctx context.Context) error
}

type EventKind string

const (
	EventOpened       EventKind = "opened"
	EventClosed       EventKind = "closed"
	EventCredsUpdated EventKind = "creds_updated"
	EventKeysMutated  EventKind = "keys_mutated"
)

type Event struct {
	Kind EventKind

	// Closed
	Err       error
	LoggedOut bool

	// CredsUpdated
	Creds any

	// KeysMutated: category -> id -> payload (nil payload = key invalidated)
	Mutations map[string]map[string]any
}
