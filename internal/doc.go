// Package internal contains shared plumbing for agentrelay.
//
// It provides command-line and config file parsing, logger setup, cleanup
// orchestration, and the user-facing Writer used for messages on stderr.
// The agent protocols themselves live in the gpg and pageant packages.
package internal
