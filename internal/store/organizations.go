package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/usage-ledger/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const orgColumns = `id, name, markup_rate, currency, stripe_customer_id, active, created_at, updated_at`

// HashAPIKey returns the sha256 hex digest under which a router key is stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func scanOrganization(row pgx.Row) (*models.Organization, error) {
	var org models.Organization
	if err := row.Scan(&org.ID, &org.Name, &org.MarkupRate, &org.Currency,
		&org.StripeCustomerID, &org.Active, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return nil, err
	}
	return &org, nil
}

// CreateOrganization inserts org, assigning an ID when it has none.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO client_organizations (`+orgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, org.ID, org.Name, org.MarkupRate, org.Currency, org.StripeCustomerID, org.Active, now, now)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// GetOrganization loads one organization.
func (s *Store) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	org, err := scanOrganization(s.db.Pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM client_organizations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return org, nil
}

// ListOrganizations returns all organizations ordered by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+orgColumns+` FROM client_organizations ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, *org)
	}
	return orgs, rows.Err()
}

// UpdateOrganization overwrites the mutable fields of org. The billing
// currency is fixed once the organization has usage events, since summary rows
// hold billed micros without a currency of their own.
func (s *Store) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	org.UpdatedAt = time.Now().UTC()
	return s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT currency FROM client_organizations WHERE id = $1 FOR UPDATE`, org.ID).Scan(&current)
		if err != nil {
			return notFound(err)
		}

		if current != org.Currency {
			var hasUsage bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM usage_events WHERE organization_id = $1)`, org.ID).Scan(&hasUsage); err != nil {
				return fmt.Errorf("failed to check organization usage: %w", err)
			}
			if hasUsage {
				return ErrCurrencyLocked
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE client_organizations
			SET name = $2, markup_rate = $3, currency = $4, stripe_customer_id = $5, active = $6, updated_at = $7
			WHERE id = $1
		`, org.ID, org.Name, org.MarkupRate, org.Currency, org.StripeCustomerID, org.Active, org.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update organization: %w", err)
		}
		return nil
	})
}

// AddAPIKey links a router key to an organization. Only its hash is stored.
func (s *Store) AddAPIKey(ctx context.Context, orgID uuid.UUID, raw, label string) (*models.APIKey, error) {
	prefix := raw
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	key := &models.APIKey{
		ID:             uuid.New(),
		OrganizationID: orgID,
		KeyHash:        HashAPIKey(raw),
		KeyPrefix:      prefix,
		Label:          label,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO organization_api_keys (id, organization_id, key_hash, key_prefix, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.OrganizationID, key.KeyHash, key.KeyPrefix, key.Label, key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add api key: %w", err)
	}
	return key, nil
}

// RevokeAPIKey marks a key revoked. Revoking twice is a no-op.
func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE organization_api_keys SET revoked_at = COALESCE(revoked_at, NOW()) WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAPIKeys returns the keys of one organization, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]models.APIKey, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, organization_id, key_hash, key_prefix, label, created_at, revoked_at
		FROM organization_api_keys
		WHERE organization_id = $1
		ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OrganizationID, &k.KeyHash, &k.KeyPrefix, &k.Label, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ResolveAPIKey returns the active organization owning a non-revoked key.
func (s *Store) ResolveAPIKey(ctx context.Context, keyHash string) (*models.Organization, error) {
	org, err := scanOrganization(s.db.Pool.QueryRow(ctx, `
		SELECT o.id, o.name, o.markup_rate, o.currency, o.stripe_customer_id, o.active, o.created_at, o.updated_at
		FROM organization_api_keys k
		JOIN client_organizations o ON o.id = k.organization_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL AND o.active
	`, keyHash))
	if err != nil {
		return nil, notFound(err)
	}
	return org, nil
}

// MapUser maps an external user id to an internal one, replacing any mapping.
func (s *Store) MapUser(ctx context.Context, m models.UserMapping) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO organization_users (organization_id, external_user_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, external_user_id) DO UPDATE SET user_id = EXCLUDED.user_id
	`, m.OrganizationID, m.ExternalUserID, m.UserID)
	if err != nil {
		return fmt.Errorf("failed to map user: %w", err)
	}
	return nil
}

// ResolveUser returns the internal user for an external id. Without a
// mapping the external id itself is used, unless requireMapping is set or
// the id is empty, in which case usage goes to the unmapped bucket.
func (s *Store) ResolveUser(ctx context.Context, orgID uuid.UUID, externalUserID string, requireMapping bool) (string, error) {
	if externalUserID == "" {
		return models.UnmappedUserID, nil
	}

	var userID string
	err := s.db.Pool.QueryRow(ctx, `
		SELECT user_id FROM organization_users WHERE organization_id = $1 AND external_user_id = $2
	`, orgID, externalUserID).Scan(&userID)
	switch {
	case err == nil:
		return userID, nil
	case errors.Is(err, pgx.ErrNoRows):
		if requireMapping {
			return models.UnmappedUserID, nil
		}
		return externalUserID, nil
	default:
		return "", fmt.Errorf("failed to resolve user: %w", err)
	}
}
