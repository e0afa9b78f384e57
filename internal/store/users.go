package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"sentryguard/internal/domain"
	"sentryguard/internal/policy"
	"sentryguard/internal/vault"
)

// UserStore implements policy.Repository, vault.Repository, and
// dispatcher.UserDirectory against the user_settings/admin_settings/
// user_api_keys tables.
type UserStore struct {
	s *Store
}

func NewUserStore(s *Store) *UserStore {
	return &UserStore{s: s}
}

// ActiveUserIDs implements dispatcher.UserDirectory: every user row
// with an active credential is eligible to receive signals.
func (r *UserStore) ActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT user_id FROM user_api_keys WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: list active users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetUserSettings implements policy.Repository.
func (r *UserStore) GetUserSettings(ctx context.Context, userID string) (policy.UserRecord, error) {
	var settingsJSON, modesJSON string
	err := r.s.db.QueryRowContext(ctx, `SELECT settings, group_modes FROM user_settings WHERE user_id = ?`, userID).Scan(&settingsJSON, &modesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		// No row yet: an effective policy of "everything default, bot
		// active false" so a brand-new user never trades unconfigured.
		defaults := policy.Defaults()
		defaults.BotActive = false
		return policy.UserRecord{Settings: defaults}, nil
	}
	if err != nil {
		return policy.UserRecord{}, fmt.Errorf("store: load user settings for %s: %w", userID, err)
	}

	var record policy.UserRecord
	if err := json.Unmarshal([]byte(settingsJSON), &record.Settings); err != nil {
		return policy.UserRecord{}, fmt.Errorf("store: unmarshal user settings for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(modesJSON), &record.Modes); err != nil {
		return policy.UserRecord{}, fmt.Errorf("store: unmarshal group modes for %s: %w", userID, err)
	}
	return record, nil
}

// PutUserSettings is the write side of GetUserSettings, used by the
// admin control plane (internal/adminapi) to persist user edits.
func (r *UserStore) PutUserSettings(ctx context.Context, userID string, record policy.UserRecord) error {
	settingsJSON, err := json.Marshal(record.Settings)
	if err != nil {
		return fmt.Errorf("store: marshal user settings: %w", err)
	}
	modesJSON, err := json.Marshal(record.Modes)
	if err != nil {
		return fmt.Errorf("store: marshal group modes: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, settings, group_modes) VALUES (?,?,?)
		ON CONFLICT (user_id) DO UPDATE SET settings = excluded.settings, group_modes = excluded.group_modes`,
		userID, string(settingsJSON), string(modesJSON),
	)
	if err != nil {
		return fmt.Errorf("store: put user settings: %w", err)
	}
	return nil
}

// GetAdminSettings implements policy.Repository.
func (r *UserStore) GetAdminSettings(ctx context.Context) (domain.UserPolicy, error) {
	var settingsJSON string
	err := r.s.db.QueryRowContext(ctx, `SELECT settings FROM admin_settings WHERE id = 1`).Scan(&settingsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Defaults(), nil
	}
	if err != nil {
		return domain.UserPolicy{}, fmt.Errorf("store: load admin settings: %w", err)
	}
	var out domain.UserPolicy
	if err := json.Unmarshal([]byte(settingsJSON), &out); err != nil {
		return domain.UserPolicy{}, fmt.Errorf("store: unmarshal admin settings: %w", err)
	}
	return out, nil
}

// PutAdminSettings is the write side of GetAdminSettings.
func (r *UserStore) PutAdminSettings(ctx context.Context, settings domain.UserPolicy) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("store: marshal admin settings: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO admin_settings (id, settings) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET settings = excluded.settings`, string(settingsJSON))
	if err != nil {
		return fmt.Errorf("store: put admin settings: %w", err)
	}
	return nil
}

// GetEncryptedCredentials implements vault.Repository.
func (r *UserStore) GetEncryptedCredentials(ctx context.Context, userID string) (vault.EncryptedRecord, error) {
	var rec vault.EncryptedRecord
	err := r.s.db.QueryRowContext(ctx, `
		SELECT api_key_ciphertext, secret_ciphertext, passphrase_ciphertext, active
		FROM user_api_keys WHERE user_id = ?`, userID).Scan(&rec.APIKeyCiphertext, &rec.SecretCiphertext, &rec.PassphraseCiphertext, &rec.Active)
	if err != nil {
		return vault.EncryptedRecord{}, fmt.Errorf("store: load credentials for %s: %w", userID, err)
	}
	return rec, nil
}

// PutEncryptedCredentials upserts one user's encrypted credential row.
func (r *UserStore) PutEncryptedCredentials(ctx context.Context, userID string, rec vault.EncryptedRecord) error {
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO user_api_keys (user_id, api_key_ciphertext, secret_ciphertext, passphrase_ciphertext, active)
		VALUES (?,?,?,?,?)
		ON CONFLICT (user_id) DO UPDATE SET
			api_key_ciphertext = excluded.api_key_ciphertext,
			secret_ciphertext = excluded.secret_ciphertext,
			passphrase_ciphertext = excluded.passphrase_ciphertext,
			active = excluded.active`,
		userID, rec.APIKeyCiphertext, rec.SecretCiphertext, rec.PassphraseCiphertext, boolInt(rec.Active),
	)
	if err != nil {
		return fmt.Errorf("store: put credentials for %s: %w", userID, err)
	}
	return nil
}

// SetUserActive flips a user's credential row active flag, the
// mechanism behind the emergency controller's per-user shutdown.
func (r *UserStore) SetUserActive(ctx context.Context, userID string, active bool) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE user_api_keys SET active = ? WHERE user_id = ?`, boolInt(active), userID)
	if err != nil {
		return fmt.Errorf("store: set user %s active=%v: %w", userID, active, err)
	}
	return nil
}
