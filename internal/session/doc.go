// Package session owns in-flight login attempts.
//
// Every attempt is an AuthSession keyed by its state nonce, optionally bound to an
// embedded window label, and moves forward through
//
//	pending → awaiting-callback → completing → resolved | failed | cancelled
//
// A single mutex guards the session table. Token endpoint calls never run under it: a
// session is claimed (awaiting-callback → completing) under the lock, exchanged outside
// it, and removed under the lock again. The claim is the linearization point between
// racing Complete calls and between Complete and cancellation; the loser observes
// ErrUnknownOrExpiredState or a no-op.
//
// Terminal sessions are removed from the table immediately and their windows closed, so
// a state is never accepted twice and no zombie session holds a window label.
//
// The Manager also owns the account side of a login: it resolves the identity of an
// exchanged token, stores the Account, refreshes stored tokens and deletes accounts.
package session
