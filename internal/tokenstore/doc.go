// Package tokenstore persists signed-in accounts and their OAuth tokens, keyed by account id.
//
// Three backends with different security and deployment tradeoffs:
//   - File: one JSON document per account, written with temp file + rename and 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, Secret Service)
//   - SQLite: embedded database, one row per account replaced by a single upsert
//
// Every backend replaces an account's record in one atomic step, so a concurrent reader
// observes either the previous or the new token, never a mix. File and SQLite records can
// additionally be sealed with XChaCha20-Poly1305 (see NewSealer).
package tokenstore
