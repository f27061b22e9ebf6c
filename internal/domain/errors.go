package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrOrderGone    = errors.New("order already filled or cancelled")
	ErrStateCorrupt = errors.New("state snapshot corrupt")
	ErrWSDisconnect = errors.New("websocket disconnected")
)

// GatewayError is a normalized order-gateway failure. Transient errors are
// retried inside the gateway; the engine only ever sees a GatewayError once
// retries are exhausted or the failure is non-retryable, and treats it as
// fatal for the current transition.
type GatewayError struct {
	Op        string // "place", "cancel", "status"
	Reason    string
	Transient bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Reason)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
