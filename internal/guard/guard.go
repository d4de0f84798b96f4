// Package guard provides keyed mutual exclusion for payment processing.
//
// A guard only narrows the window in which two workers race on the same
// payment. The conditional status claim in the ledger is what makes the
// second worker a no-op.
package guard

import "context"

type Guard interface {
	// Acquire reports whether the caller now holds key. A false result with a
	// nil error means another holder is active. The returned token identifies
	// this holder and must be passed to Release.
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	// Release drops key only while token still holds it, so a holder that
	// outlived the TTL cannot free a lock taken over by someone else.
	Release(ctx context.Context, key, token string) error
}
