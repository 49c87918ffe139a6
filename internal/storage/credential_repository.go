package storage

import (
	"context"
	"errors"

	"github.com/awolthers/clinicsched/internal/calendar"
	"github.com/awolthers/clinicsched/libs/db"
)

// CredentialRepository stores per-user calendar OAuth tokens. Implements
// calendar.CredentialStore.
type CredentialRepository struct {
	pool *db.Pool
}

func NewCredentialRepository(pool *db.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

func (r *CredentialRepository) Get(ctx context.Context, userID string) (calendar.Credential, bool, error) {
	var c calendar.Credential
	err := r.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, token_expiry, COALESCE(calendar_id, '')
		FROM calendar_credentials
		WHERE user_id = $1
	`, userID).Scan(&c.AccessToken, &c.RefreshToken, &c.Expiry, &c.CalendarID)
	if err != nil {
		if errors.Is(mapPgError(err), ErrNotFound) {
			return calendar.Credential{}, false, nil
		}
		return calendar.Credential{}, false, err
	}
	return c, true, nil
}

func (r *CredentialRepository) Save(ctx context.Context, userID string, cred calendar.Credential) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO calendar_credentials (user_id, access_token, refresh_token, token_expiry, calendar_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (user_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			calendar_id = EXCLUDED.calendar_id,
			updated_at = now()
	`, userID, cred.AccessToken, cred.RefreshToken, cred.Expiry, cred.CalendarID)
	return err
}
