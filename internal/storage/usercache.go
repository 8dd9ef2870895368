package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ProfileCache memoizes Twitch user profiles to avoid redundant Helix
// calls. Freshness policy lives in the engine; this is just the rows.
type ProfileCache struct {
	db *Database
}

// NewProfileCache creates a new profile cache.
func NewProfileCache(db *Database) *ProfileCache {
	return &ProfileCache{db: db}
}

// Get returns the cached profile, or nil when the user is unknown.
func (c *ProfileCache) Get(userID string) (*CachedProfile, error) {
	var profile CachedProfile
	err := c.db.Get(&profile, `SELECT * FROM user_cache WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached profile: %w", err)
	}
	return &profile, nil
}

// Put upserts a profile.
func (c *ProfileCache) Put(profile CachedProfile) error {
	query := `
		INSERT INTO user_cache (user_id, user_login, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_login = excluded.user_login,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at
	`
	_, err := c.db.Exec(query, profile.UserID, profile.UserLogin, profile.DisplayName, profile.AvatarURL, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cached profile: %w", err)
	}
	return nil
}
