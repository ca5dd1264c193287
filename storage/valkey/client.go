package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authgate-io/authgate/storage"
)

// ============================================================
// ClientStore implementation
// ============================================================

// SaveClient persists a registered client. Clients have no TTL; they live
// until removed administratively. A per-tenant index set supports listing.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.TenantID, client.ClientID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.clientIndexKey(client.TenantID)).Member(client.ClientID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}

	s.logger.Debug("Saved client",
		"client_id", client.ClientID,
		"tenant_id", client.TenantID,
		"client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by tenant and client ID
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.clientKey(tenantID, clientID)).Build(),
	).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// UpdateClientLastUsed records the last successful token issuance time.
// Read-modify-write is acceptable here: the field is telemetry, and
// concurrent issuances differ by milliseconds.
func (s *Store) UpdateClientLastUsed(ctx context.Context, tenantID, clientID string, at time.Time) error {
	client, err := s.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return err
	}
	client.LastUsedAt = at

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(tenantID, clientID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

// ListClients lists all registered clients for a tenant
func (s *Store) ListClients(ctx context.Context, tenantID string) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.clientIndexKey(tenantID)).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, tenantID, id)
		if err != nil {
			// Index can lag behind deletions; skip dangling entries
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}
