// Package storage provides database operations and data models.
package storage

import "errors"

var (
	// ErrNotFound is returned when the referenced queue item is not active.
	ErrNotFound = errors.New("queue item not found")

	// ErrAlreadyQueued is returned when the user already has an active item.
	ErrAlreadyQueued = errors.New("user already queued")
)

// QueueItem represents one viewer currently waiting.
type QueueItem struct {
	ID          string `db:"id" json:"id"`
	UserID      string `db:"user_id" json:"user_id"`
	UserLogin   string `db:"user_login" json:"user_login"`
	DisplayName string `db:"display_name" json:"display_name"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url"`
	EnqueuedAt  int64  `db:"enqueued_at" json:"enqueued_at"`
	Position    int64  `db:"position" json:"position"`
}

// QueueEntry is a queue item annotated with the fairness metric.
type QueueEntry struct {
	QueueItem
	RecentParticipationCount int64 `json:"recent_participation_count"`
}

// NewQueueUser is the profile a redemption resolves to before enqueueing.
type NewQueueUser struct {
	UserID      string
	UserLogin   string
	DisplayName string
	AvatarURL   string
}

// Participation is an immutable record of a completed participation.
type Participation struct {
	ID          int64  `db:"id"`
	UserID      string `db:"user_id"`
	CompletedAt int64  `db:"completed_at"`
}

// Credential is the singleton OAuth token pair.
type Credential struct {
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	ExpiresAt    int64  `db:"expires_at"`
}

// CachedProfile is a memoized Twitch user profile.
type CachedProfile struct {
	UserID      string `db:"user_id"`
	UserLogin   string `db:"user_login"`
	DisplayName string `db:"display_name"`
	AvatarURL   string `db:"avatar_url"`
	UpdatedAt   int64  `db:"updated_at"`
}

// DeleteMode selects whether removing a queue item counts as participation.
type DeleteMode string

const (
	// DeleteCompleted removes the item and records a participation.
	DeleteCompleted DeleteMode = "completed"
	// DeleteCanceled removes the item without recording anything.
	DeleteCanceled DeleteMode = "canceled"
)

// Valid reports whether the mode is one of the known delete modes.
func (m DeleteMode) Valid() bool {
	return m == DeleteCompleted || m == DeleteCanceled
}
