package store

import "time"

type Document struct {
	ID           string
	Title        string
	HeadRevision string
	ScriptText   string
	UpdatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type SaveTier string

const (
	TierCloud SaveTier = "cloud"
	TierLocal SaveTier = "local"
)

type SaveStatus string

const (
	SaveOK       SaveStatus = "ok"
	SaveError    SaveStatus = "error"
	SaveConflict SaveStatus = "conflict"
)

// SaveEvent records the outcome of one save on one tier.
type SaveEvent struct {
	ID           int64
	DocumentID   string
	SessionID    string
	Tier         SaveTier
	Status       SaveStatus
	BaseRevision string
	NewRevision  string
	Digest       string
	Error        string
	CreatedAt    time.Time
}
