// Package exchange performs the network half of a login: trading an authorization code
// for tokens, refreshing tokens and running the device authorization grant.
//
// Requests go through golang.org/x/oauth2. Providers that speak the Kiro/AWS dialect of
// OAuth2 deviate from the standard in ways that require custom handling:
//   - Token requests are JSON-encoded with camelCase keys (standard OAuth2 uses form-encoding)
//   - Token responses use camelCase keys (accessToken, expiresIn, ...)
//
// Both are handled by a RoundTripper installed for providers configured with JSON token
// encoding.
//
// # Failures
//
// Every error returned by Client wraps exactly one of ErrNetwork, ErrInvalidGrant or
// ErrProvider:
//
//	tok, err := client.Exchange(ctx, cfg, code, verifier)
//	switch {
//	case errors.Is(err, exchange.ErrInvalidGrant):
//		// code expired or already used, restart the login
//	case errors.Is(err, exchange.ErrNetwork):
//		// transient, restart the login (the code may already be spent)
//	}
//
// The client never retries. A failed exchange consumes the authorization code at the
// provider regardless, so only refresh is safe to retry.
package exchange
