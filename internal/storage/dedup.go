package storage

import "fmt"

// DedupStore remembers processed EventSub message ids so redeliveries are
// dropped, across reconnects and restarts.
type DedupStore struct {
	db *Database
}

// NewDedupStore creates a new dedup store.
func NewDedupStore(db *Database) *DedupStore {
	return &DedupStore{db: db}
}

// Admit marks the message id as processed and reports whether this call
// was the first to see it. The insert and the decision are a single
// statement, so concurrent deliveries of the same id admit exactly once.
func (s *DedupStore) Admit(messageID string, receivedAt int64) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_messages (message_id, received_at) VALUES (?, ?)`,
		messageID, receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record processed message: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// Prune deletes markers received before the cutoff. Markers pruned too
// aggressively no longer guard against late redelivery; the retention TTL
// is a tunable trade-off, not a guarantee.
func (s *DedupStore) Prune(cutoff int64) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM processed_messages WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed messages: %w", err)
	}
	return result.RowsAffected()
}
