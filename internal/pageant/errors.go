package pageant

import "errors"

var (
	ErrAgentUnavailable = errors.New("pageant: agent window not found")
	ErrAgentRejected    = errors.New("pageant: agent rejected the request")
	ErrAgentTimeout     = errors.New("pageant: agent did not answer in time")
	ErrRequestTooLarge  = errors.New("pageant: request exceeds the maximum message length")
	ErrResponseTooLarge = errors.New("pageant: response exceeds the maximum message length")
)
