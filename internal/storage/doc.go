// Package storage persists campaigns, recipient groups, the delivery ledger
// and protocol session entries in a single sqlite database.
//
// The delivery ledger's (campaign_id, hour_bucket) primary key is the
// dispatcher's deduplication mechanism: the claim is an atomic insert against
// that constraint, so it holds across process restarts and between
// concurrently running schedulers sharing the database file.
package storage
