package storage

import (
	"context"

	"github.com/awolthers/clinicsched/internal/model"
	"github.com/awolthers/clinicsched/libs/db"
)

// DirectoryRepository resolves patients, staff and portal users. It is the
// narrow lookup surface the booking flow needs; identity management itself
// lives elsewhere.
type DirectoryRepository struct {
	pool *db.Pool
}

func NewDirectoryRepository(pool *db.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

func (r *DirectoryRepository) PatientByID(ctx context.Context, id string) (model.Patient, error) {
	var p model.Patient
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(user_id::text, ''), name, email
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.UserID, &p.Name, &p.Email)
	if err != nil {
		return model.Patient{}, mapPgError(err)
	}
	return p, nil
}

func (r *DirectoryRepository) PatientByUserID(ctx context.Context, userID string) (model.Patient, error) {
	var p model.Patient
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(user_id::text, ''), name, email
		FROM patients
		WHERE user_id = $1
	`, userID).Scan(&p.ID, &p.UserID, &p.Name, &p.Email)
	if err != nil {
		return model.Patient{}, mapPgError(err)
	}
	return p, nil
}

func (r *DirectoryRepository) StaffByID(ctx context.Context, id string) (model.Staff, error) {
	var s model.Staff
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(user_id::text, ''), name, email
		FROM staff
		WHERE id = $1
	`, id).Scan(&s.ID, &s.UserID, &s.Name, &s.Email)
	if err != nil {
		return model.Staff{}, mapPgError(err)
	}
	return s, nil
}
