package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// QueueStore handles the fairness-ordered waiting queue and the
// participation ledger. All mutations run as single transactions.
type QueueStore struct {
	db  *Database
	now func() int64
}

// NewQueueStore creates a new queue store.
func NewQueueStore(db *Database) *QueueStore {
	return &QueueStore{
		db:  db,
		now: func() int64 { return time.Now().Unix() },
	}
}

// List returns the active queue in position order with each user's
// completion count inside the fairness window. A window of 0 reports every
// count as 0.
func (s *QueueStore) List(windowSecs int64) ([]QueueEntry, error) {
	windowStart := s.now() - windowSecs

	var items []QueueItem
	query := `SELECT * FROM queue_items ORDER BY position ASC`
	if err := s.db.Select(&items, query); err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	out := make([]QueueEntry, 0, len(items))
	for _, item := range items {
		entry := QueueEntry{QueueItem: item}
		if windowSecs > 0 {
			count, err := s.countParticipations(s.db, item.UserID, windowStart)
			if err != nil {
				return nil, err
			}
			entry.RecentParticipationCount = count
		}
		out = append(out, entry)
	}
	return out, nil
}

// IsQueued reports whether the user has an active queue item.
func (s *QueueStore) IsQueued(userID string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM queue_items WHERE user_id = ?`
	if err := s.db.Get(&count, query, userID); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Enqueue inserts a new queue item at its fairness position: before the
// first active item whose user has strictly more completions inside the
// window, FIFO among equal counts. A window of 0 disables the bias and
// appends at the tail. Returns ErrAlreadyQueued without touching the order
// when the user already has an active item.
func (s *QueueStore) Enqueue(windowSecs int64, user NewQueueUser) (*QueueItem, error) {
	now := s.now()
	windowStart := now - windowSecs

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.Get(&existing, `SELECT COUNT(*) FROM queue_items WHERE user_id = ?`, user.UserID); err != nil {
		return nil, fmt.Errorf("failed to check active item: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyQueued
	}

	var current []QueueItem
	if err := tx.Select(&current, `SELECT * FROM queue_items ORDER BY position ASC`); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	insertPos := int64(len(current))
	if windowSecs > 0 {
		myCount, err := s.countParticipations(tx, user.UserID, windowStart)
		if err != nil {
			return nil, err
		}

		for idx, item := range current {
			c, err := s.countParticipations(tx, item.UserID, windowStart)
			if err != nil {
				return nil, err
			}
			if c > myCount {
				insertPos = int64(idx)
				break
			}
		}
	}

	if _, err := tx.Exec(`UPDATE queue_items SET position = position + 1 WHERE position >= ?`, insertPos); err != nil {
		return nil, fmt.Errorf("failed to shift positions: %w", err)
	}

	item := &QueueItem{
		ID:          uuid.New().String(),
		UserID:      user.UserID,
		UserLogin:   user.UserLogin,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		EnqueuedAt:  now,
		Position:    insertPos,
	}
	_, err = tx.Exec(
		`INSERT INTO queue_items (id, user_id, user_login, display_name, avatar_url, enqueued_at, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.UserLogin, item.DisplayName, item.AvatarURL, item.EnqueuedAt, item.Position,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return item, nil
}

// Delete removes an active queue item. DeleteCompleted also appends one
// participation record at the current time; DeleteCanceled leaves the
// ledger untouched.
func (s *QueueStore) Delete(id string, mode DeleteMode) error {
	now := s.now()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := getItemTx(tx, id)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	if _, err := tx.Exec(`UPDATE queue_items SET position = position - 1 WHERE position > ?`, item.Position); err != nil {
		return fmt.Errorf("failed to close position gap: %w", err)
	}

	if mode == DeleteCompleted {
		if _, err := tx.Exec(
			`INSERT INTO participations (user_id, completed_at) VALUES (?, ?)`,
			item.UserID, now,
		); err != nil {
			return fmt.Errorf("failed to record participation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// RemoveByUser cancels the user's active item, if any. Reports whether an
// item was removed. No participation is recorded.
func (s *QueueStore) RemoveByUser(userID string) (bool, error) {
	var id string
	err := s.db.Get(&id, `SELECT id FROM queue_items WHERE user_id = ? LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to find active item: %w", err)
	}

	if err := s.Delete(id, DeleteCanceled); err != nil {
		return false, err
	}
	return true, nil
}

// MoveUp swaps the item with its predecessor. No-op on the first item.
func (s *QueueStore) MoveUp(id string) error {
	return s.moveBy(id, -1)
}

// MoveDown swaps the item with its successor. No-op on the last item.
func (s *QueueStore) MoveDown(id string) error {
	return s.moveBy(id, 1)
}

func (s *QueueStore) moveBy(id string, delta int64) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := getItemTx(tx, id)
	if err != nil {
		return err
	}

	newPos := item.Position + delta
	if newPos < 0 {
		return nil
	}

	var neighbor QueueItem
	err = tx.Get(&neighbor, `SELECT * FROM queue_items WHERE position = ? LIMIT 1`, newPos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find neighbor item: %w", err)
	}

	if _, err := tx.Exec(`UPDATE queue_items SET position = ? WHERE id = ?`, newPos, item.ID); err != nil {
		return fmt.Errorf("failed to swap positions: %w", err)
	}
	if _, err := tx.Exec(`UPDATE queue_items SET position = ? WHERE id = ?`, item.Position, neighbor.ID); err != nil {
		return fmt.Errorf("failed to swap positions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit move: %w", err)
	}
	return nil
}

// countParticipations counts completions at or after windowStart. The
// window is half-open on the old side: completed_at == windowStart counts.
func (s *QueueStore) countParticipations(q sqlx.Queryer, userID string, windowStart int64) (int64, error) {
	var count int64
	err := sqlx.Get(q, &count,
		`SELECT COUNT(*) FROM participations WHERE user_id = ? AND completed_at >= ?`,
		userID, windowStart,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count participations: %w", err)
	}
	return count, nil
}

func getItemTx(tx *sqlx.Tx, id string) (*QueueItem, error) {
	var item QueueItem
	err := tx.Get(&item, `SELECT * FROM queue_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue item: %w", err)
	}
	return &item, nil
}
