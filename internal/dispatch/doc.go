// Package dispatch runs the campaign scheduler: an hourly cron tick
// evaluates every active campaign against its daily send window, claims the
// (campaign, hour) slot in the durable delivery ledger, and arms a deferred
// send whose delay rotates deterministically through 0..10 minutes.
//
// The ledger claim happens before the timer is armed, so concurrent or
// restarted schedulers sharing the database cannot double-send an hour.
// Deferred sends are cancellable and re-validate the campaign at fire time.
package dispatch
