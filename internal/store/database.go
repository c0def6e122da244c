package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"intent-bot-backend/internal/db"
)

// DatabaseStore stores session blobs in the PostgreSQL botdata table
type DatabaseStore struct {
	db *db.DB
}

// NewDatabaseStore creates a new database store
func NewDatabaseStore(database *db.DB) *DatabaseStore {
	return &DatabaseStore{db: database}
}

// Load retrieves the session for a conversation
func (ds *DatabaseStore) Load(ctx context.Context, conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, ErrInvalidKey
	}

	var data []byte
	err := ds.db.QueryRowContext(ctx,
		`SELECT data FROM botdata WHERE conversation_id = $1`,
		conversationID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return NewSession(conversationID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return decode(conversationID, data)
}

// Save inserts or updates the session for a conversation
func (ds *DatabaseStore) Save(ctx context.Context, s *Session) error {
	if s == nil || s.ConversationID == "" {
		return ErrInvalidKey
	}
	touch(s)
	data, err := encode(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO botdata (conversation_id, data, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (conversation_id)
		DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = NOW()
	`
	if _, err := ds.db.ExecContext(ctx, query, s.ConversationID, string(data)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session for a conversation
func (ds *DatabaseStore) Delete(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidKey
	}
	if _, err := ds.db.ExecContext(ctx, `DELETE FROM botdata WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (ds *DatabaseStore) Ping(ctx context.Context) error {
	return ds.db.HealthCheck(ctx)
}

func (ds *DatabaseStore) Close() error {
	return ds.db.Close()
}
