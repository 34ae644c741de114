// Package pageant talks to an SSH agent that speaks the Pageant window
// message protocol, such as gpg-agent started with enable-putty-support.
//
// The agent exposes no socket. A request is written into a named file
// mapping, the mapping's name is sent to the agent's window in a
// WM_COPYDATA message, and the agent writes its reply back into the same
// mapping before the message returns. Locator finds the window, Client
// performs one round trip and Loop serves a stream of framed requests.
package pageant
