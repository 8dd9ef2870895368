package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Keys used in the app_kv table.
const (
	kvBroadcasterID    = "broadcaster_id"
	kvBroadcasterLogin = "broadcaster_login"
)

// CredentialStore persists the singleton OAuth token pair and small
// key/value facts such as the broadcaster identity.
type CredentialStore struct {
	db *Database
}

// NewCredentialStore creates a new credential store.
func NewCredentialStore(db *Database) *CredentialStore {
	return &CredentialStore{db: db}
}

// Get returns the stored credential, or nil when none exists.
func (s *CredentialStore) Get() (*Credential, error) {
	var cred Credential
	query := `SELECT access_token, refresh_token, expires_at FROM oauth_tokens WHERE id = 1`
	err := s.db.Get(&cred, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &cred, nil
}

// Put overwrites the credential wholesale.
func (s *CredentialStore) Put(cred Credential) error {
	query := `
		INSERT INTO oauth_tokens (id, access_token, refresh_token, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at
	`
	if _, err := s.db.Exec(query, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Delete removes the stored credential (logout).
func (s *CredentialStore) Delete() error {
	if _, err := s.db.Exec(`DELETE FROM oauth_tokens WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// GetKV returns a value from the key/value table, or "" when absent.
func (s *CredentialStore) GetKV(key string) (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM app_kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read kv %q: %w", key, err)
	}
	return value, nil
}

// SetKV upserts a value into the key/value table.
func (s *CredentialStore) SetKV(key, value string) error {
	query := `
		INSERT INTO app_kv (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to write kv %q: %w", key, err)
	}
	return nil
}

// Broadcaster returns the stored broadcaster id and login.
func (s *CredentialStore) Broadcaster() (id, login string, err error) {
	if id, err = s.GetKV(kvBroadcasterID); err != nil {
		return "", "", err
	}
	if login, err = s.GetKV(kvBroadcasterLogin); err != nil {
		return "", "", err
	}
	return id, login, nil
}

// SetBroadcaster stores the broadcaster identity resolved from the
// authorized user.
func (s *CredentialStore) SetBroadcaster(id, login string) error {
	if err := s.SetKV(kvBroadcasterID, id); err != nil {
		return err
	}
	return s.SetKV(kvBroadcasterLogin, login)
}
