package transport

import "context"

// Sender is the outbound send capability the dispatcher works against.
// Recipient is an opaque transport address (a Telegram chat id, a WhatsApp
// jid, ...) stored on the recipient group.
type Sender interface {
	SendText(ctx context.Context, recipient, text string) error
}
