package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction determines how to handle a tool-server operation failure.
type RecoveryAction int

const (
	// NoRetry: the error is not recoverable (bad request, auth failure, timeout).
	NoRetry RecoveryAction = iota
	// RetrySameSession: transient error, retry with the existing session.
	RetrySameSession
	// RetryNewSession: transport failure, recreate the session and retry.
	RetryNewSession
)

// Recovery configuration constants.
const (
	// InitTimeout is the per-server initialization deadline (transport +
	// handshake).
	InitTimeout = 60 * time.Second

	// CallTimeout is the per-call deadline for CallTool and ListTools.
	// Remote scanners are legitimately slow, so this matches the shell
	// command budget rather than a snappy RPC deadline.
	CallTimeout = 60 * time.Second

	// ReinitTimeout is the deadline for recreating a session during recovery.
	ReinitTimeout = 10 * time.Second

	// RetryBackoffMin is the minimum jittered backoff before the retry.
	RetryBackoffMin = 250 * time.Millisecond

	// RetryBackoffMax is the maximum jittered backoff before the retry.
	RetryBackoffMax = 750 * time.Millisecond
)

// ClassifyError determines the recovery action for a tool-server error.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}

	// Context errors: no retry
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	// Network errors: timeout vs connection
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry // Timeout: don't retry (could be a slow server)
		}
		return RetryNewSession
	}

	// Connection-level errors: retry with a new session
	if isConnectionError(err) {
		return RetryNewSession
	}

	// JSON-RPC protocol errors: not retryable
	if isProtocolError(err) {
		return NoRetry
	}

	// Default: no retry (unknown errors are not safe to retry)
	return NoRetry
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := err.Error()
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	}
	for _, e := range connectionErrors {
		if strings.Contains(strings.ToLower(msg), e) {
			return true
		}
	}
	return false
}

// isProtocolError detects JSON-RPC protocol errors from the SDK.
// These are client-side errors like bad request, method not found, etc.
func isProtocolError(err error) bool {
	msg := err.Error()
	protocolIndicators := []string{
		"method not found",
		"invalid params",
		"invalid request",
		"parse error",
	}
	for _, indicator := range protocolIndicators {
		if strings.Contains(strings.ToLower(msg), indicator) {
			return true
		}
	}
	return false
}
