// Package storage persists scheduled jobs, batch lifecycle state and
// sent-media fingerprints so a restart never loses already-scheduled
// but undelivered posts.
package storage
