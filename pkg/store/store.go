// Package store implements the durable layer of the validation kernel: the
// per-project append-only event log (the source of truth), the independent
// decision log (the compliance trail), and the notification outbox.
//
// Every backend of a store satisfies the same contract tests. Event appends
// use optimistic concurrency: the caller states the version it read, and a
// stale version fails with ErrConcurrencyConflict instead of overwriting.
package store

import "errors"

var (
	// ErrConcurrencyConflict is returned by Append when the expected
	// version is stale. The caller must re-read state and retry; it is
	// never surfaced to a human.
	ErrConcurrencyConflict = errors.New("concurrency conflict: stale expected version")

	// ErrStorageUnavailable marks a backend outage. No partial writes are
	// permitted; the transition either committed or it did not.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrProjectNotFound is returned when a project has no event history.
	ErrProjectNotFound = errors.New("project not found")

	// ErrChainBroken is returned by chain verification when an entry's
	// hashes do not line up.
	ErrChainBroken = errors.New("event hash chain is broken")
)

// genesisHash anchors each project's hash chain.
const genesisHash = "genesis"
