// Package app wires configuration, storage, the login core and the RPC server together
// and runs them until shutdown.
package app
