package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/models"
)

// KeyManager stores and resolves per-user upstream API keys for BYOK
// accounts. Keys are AES-encrypted at rest and decrypted only at the moment
// of use.
type KeyManager struct {
	pool      *pgxpool.Pool
	cipher    *Cipher
	coord     *coordination.Client
	ledger    *Ledger
	systemKey string
	logger    *slog.Logger
}

// NewKeyManager creates the key manager. systemKey is the shared upstream
// key used for non-BYOK accounts; it may be empty when every account brings
// its own.
func NewKeyManager(pool *pgxpool.Pool, cipher *Cipher, coord *coordination.Client, ledger *Ledger, systemKey string) *KeyManager {
	return &KeyManager{
		pool:      pool,
		cipher:    cipher,
		coord:     coord,
		ledger:    ledger,
		systemKey: systemKey,
		logger:    slog.With("service", "llm-keys"),
	}
}

// StoreKey encrypts and upserts the account's key, reactivating it.
func (m *KeyManager) StoreKey(ctx context.Context, accountID, apiKey, displayName string) error {
	if strings.TrimSpace(apiKey) == "" {
		return fmt.Errorf("api key must not be empty")
	}
	sealed, err := m.cipher.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt key for %s: %w", accountID, err)
	}
	_, err = m.pool.Exec(ctx, `
		INSERT INTO user_llm_keys (account_id, encrypted_key, display_name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, now(), now())
		ON CONFLICT (account_id) DO UPDATE
		SET encrypted_key = EXCLUDED.encrypted_key,
		    display_name = EXCLUDED.display_name,
		    is_active = TRUE,
		    updated_at = now()`,
		accountID, sealed, displayName)
	if err != nil {
		return fmt.Errorf("failed to store key for %s: %w", accountID, err)
	}
	m.logger.Info("Stored BYOK key", "account_id", accountID)
	return nil
}

// DeactivateKey conditionally flips the key inactive. Returns false when the
// key was already inactive or absent, so concurrent deactivations act once.
func (m *KeyManager) DeactivateKey(ctx context.Context, accountID string) (bool, error) {
	tag, err := m.pool.Exec(ctx, `
		UPDATE user_llm_keys SET is_active = FALSE, updated_at = now()
		WHERE account_id = $1 AND is_active`, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate key for %s: %w", accountID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ActiveKey decrypts and returns the account's active key.
func (m *KeyManager) ActiveKey(ctx context.Context, accountID string) (string, error) {
	var sealed []byte
	err := m.pool.QueryRow(ctx, `
		SELECT encrypted_key FROM user_llm_keys
		WHERE account_id = $1 AND is_active`, accountID).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load key for %s: %w", accountID, err)
	}

	key, err := m.cipher.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key for %s: %w", accountID, err)
	}

	_, _ = m.pool.Exec(ctx, `
		UPDATE user_llm_keys SET last_used_at = now() WHERE account_id = $1`, accountID)
	return key, nil
}

// ResolveAPIKey picks the upstream key for an account: BYOK plans use their
// own active key (ErrBYOKNotConfigured when none), everyone else uses the
// system key.
func (m *KeyManager) ResolveAPIKey(ctx context.Context, accountID string) (key string, isBYOK bool, err error) {
	plan, err := m.ledger.GetPlan(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	if plan == models.PlanBYOK {
		key, err := m.ActiveKey(ctx, accountID)
		if errors.Is(err, ErrKeyNotFound) {
			return "", true, ErrBYOKNotConfigured
		}
		if err != nil {
			return "", true, err
		}
		return key, true, nil
	}
	if m.systemKey == "" {
		return "", false, fmt.Errorf("OPENROUTER_API_KEY is not configured")
	}
	return m.systemKey, false, nil
}

// HandleUpstreamAuthFailure reacts to a 401 from the upstream provider while
// using a BYOK key: the stored key is conditionally deactivated, the plan
// cache cleared, and the error rewritten for the user.
func (m *KeyManager) HandleUpstreamAuthFailure(ctx context.Context, accountID string) error {
	deactivated, err := m.DeactivateKey(ctx, accountID)
	if err != nil {
		m.logger.Error("Failed to deactivate rejected BYOK key", "account_id", accountID, "error", err)
	} else if deactivated {
		m.logger.Warn("Deactivated rejected BYOK key", "account_id", accountID)
	}
	if m.coord != nil {
		if err := m.coord.InvalidateCachedPlan(ctx, accountID); err != nil {
			m.logger.Warn("Failed to invalidate plan cache", "account_id", accountID, "error", err)
		}
	}
	return fmt.Errorf("your API key was rejected by the provider; please add a valid key in settings")
}
