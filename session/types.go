package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDataDirLocked   = errors.New("data directory is locked by another server")
)

// SessionMeta holds metadata for a mediated agent session.
type SessionMeta struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Alive     bool      `json:"alive"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
