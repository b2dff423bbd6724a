// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hass

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost completes every pending command when the connection drops or shuts down.
	ErrConnectionLost = errors.New("hass: connection lost")
	// ErrNotReady is returned by Call while the client has no authenticated connection.
	ErrNotReady = errors.New("hass: client not ready")
	// ErrClosed is returned once the client reached its terminal state.
	ErrClosed = errors.New("hass: client closed")
)

// AuthError reports that the hub rejected the access token. It is fatal.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "hass: authentication failed"
	}
	return fmt.Sprintf("hass: authentication failed: %s", e.Message)
}

// TransportError wraps socket, TLS and dial failures. It is always retried via reconnection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hass: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed or unexpected message from the hub.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("hass: protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("hass: protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// CommandError is a hub-reported failure of a single command.
type CommandError struct {
	ID      uint64
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("hass: command %d failed: %s: %s", e.ID, e.Code, e.Message)
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
