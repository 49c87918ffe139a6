package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound maps pgx.ErrNoRows for single-row lookups.
	ErrNotFound = errors.New("record not found")
	// ErrConflict means the (staff, start time) uniqueness guarantee fired.
	// The partial unique index is the authoritative check; callers pre-check
	// availability only to produce a cleaner message.
	ErrConflict = errors.New("time slot already booked")
	// ErrMissingReference means a patient or staff foreign key does not exist.
	ErrMissingReference = errors.New("referenced record does not exist")
)

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23P01":
			return fmt.Errorf("%w (%s)", ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w (%s)", ErrMissingReference, pgErr.ConstraintName)
		}
	}
	return err
}
