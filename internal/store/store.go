// Package store is the session-record collaborator: metadata about sessions
// (title, host, status) that outlives any single connection. The broadcast
// layer only consumes the contract; the sqlite implementation is the
// default collaborator for single-instance deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

var ErrNotFound = errors.New("session record not found")

const (
	StatusLive = "live"
	StatusIdle = "idle"
)

// Record is one session's metadata row.
type Record struct {
	ID         domain.SessionID
	Title      string
	HostUserID domain.UserID
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionStore is the external session-record contract.
type SessionStore interface {
	GetSession(ctx context.Context, id domain.SessionID) (*Record, error)
	CreateSession(ctx context.Context, rec *Record) error
	UpdateStatus(ctx context.Context, id domain.SessionID, status string) error
}
