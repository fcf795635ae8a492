// Package commands implements the signoutd CLI: the long-running server and
// ledger maintenance commands.
package commands
