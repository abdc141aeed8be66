package runtime

import (
	"context"

	"github.com/bhandras/delight/workerd/internal/store"
)

// SQLStore implements Store on top of the session store.
type SQLStore struct {
	Store *store.Store
}

func (s *SQLStore) CreateMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) (StoredMessage, error) {
	r, err := store.ParseRole(role)
	if err != nil {
		return StoredMessage{}, err
	}
	msg, err := s.Store.CreateMessage(ctx, sessionID, r, content, metadata)
	if err != nil {
		return StoredMessage{}, err
	}
	return StoredMessage{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Metadata:  msg.Metadata,
	}, nil
}

func (s *SQLStore) MarkSessionProcessing(ctx context.Context, sessionID string) error {
	return s.Store.SetSessionStatus(ctx, sessionID, store.SessionProcessing)
}

func (s *SQLStore) MarkSessionActive(ctx context.Context, sessionID string) error {
	return s.Store.SetSessionStatus(ctx, sessionID, store.SessionActive)
}

func (s *SQLStore) SetSessionWorker(ctx context.Context, sessionID, workerID string, vncPort *int) error {
	return s.Store.SetSessionWorker(ctx, sessionID, workerID, vncPort)
}
