package domain

import (
	"context"
	"errors"
)

type Service interface {
	// Start opens a metered session for the account. An already open session
	// for the same account is force-closed and reconciled first.
	Start(ctx context.Context, accountID string) (Snapshot, error)

	// Heartbeat marks the client as still connected and returns the live
	// counter. Sessions whose heartbeats stop are closed after a grace
	// window with their time reconciled up to the last heartbeat.
	Heartbeat(ctx context.Context, sessionID string) (Snapshot, error)

	// Stop ends the session, commits the outstanding consume delta, and is
	// idempotent: stopping a closed session returns its final snapshot.
	Stop(ctx context.Context, sessionID string, reason string) (Snapshot, error)

	Get(ctx context.Context, sessionID string) (Snapshot, error)
	List(ctx context.Context, accountID string, limit int) ([]Session, error)
}

var (
	ErrInvalidSession      = errors.New("invalid_session")
	ErrInvalidReason       = errors.New("invalid_reason")
	ErrSessionNotFound     = errors.New("session_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrSessionBusy         = errors.New("session_busy")
)
