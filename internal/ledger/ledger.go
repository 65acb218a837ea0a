// Package ledger records one-shot access-token acceptance. A token is
// accepted exactly once per process lifetime; the broker rejects a second
// load attempt with the same token before it contacts storage.
package ledger

import "context"

// Ledger is the broker's view of the token table.
type Ledger interface {
	// TokenUsed returns true on the first observation of the token and
	// records it; false on any later observation.
	TokenUsed(ctx context.Context, token string) (bool, error)
	Close() error
}
