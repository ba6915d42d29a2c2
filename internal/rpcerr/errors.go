// Package rpcerr defines the error classes shared by the request pipeline.
//
// Every error produced below the caller carries one of the sentinel classes
// so callers can branch with errors.Is while the original cause stays
// reachable through the same chain. Errors returned by the node itself are
// *jsonrpc.Error values and are never wrapped in these classes.
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrConnectivity means the endpoint could not be reached or the probe failed
	ErrConnectivity = errors.New("connectivity error")

	// ErrTimeout means the configured deadline elapsed
	ErrTimeout = errors.New("timeout")

	// ErrProtocolDecoding means the reply is not a well-formed JSON-RPC envelope
	ErrProtocolDecoding = errors.New("protocol decoding error")

	// ErrConfiguration means the pipeline was used or configured incorrectly
	ErrConfiguration = errors.New("configuration error")
)

// Connectivity wraps err as a connectivity error
func Connectivity(err error) error {
	if err == nil || errors.Is(err, ErrConnectivity) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}

// Timeout wraps err as a timeout error
func Timeout(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTimeout, err)
}

// Decoding wraps err as a protocol decoding error
func Decoding(err error) error {
	if err == nil || errors.Is(err, ErrProtocolDecoding) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProtocolDecoding, err)
}

// Decodingf formats a protocol decoding error
func Decodingf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolDecoding, fmt.Sprintf(format, args...))
}

// Configurationf formats a configuration error
func Configurationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Classify maps a transport failure onto the taxonomy. Deadline expiry
// (from ctx or from a net.Error timeout) becomes ErrTimeout; everything else
// becomes ErrConnectivity. Already classified errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectivity) ||
		errors.Is(err, ErrProtocolDecoding) || errors.Is(err, ErrConfiguration) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}
	return Connectivity(err)
}

// IsTransient reports whether err is worth retrying at the transport level
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectivity) || errors.Is(err, ErrTimeout)
}
