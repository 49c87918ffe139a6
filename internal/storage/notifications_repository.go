package storage

import (
	"context"

	"github.com/awolthers/clinicsched/libs/db"
)

// NotificationRecord logs one delivery attempt so failed sends can be
// retried or backfilled manually.
type NotificationRecord struct {
	AppointmentID string
	Recipient     string
	Channel       string
	Subject       string
	Status        string
	FailureReason string
}

type NotificationRepository struct {
	pool *db.Pool
}

func NewNotificationRepository(pool *db.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) Insert(ctx context.Context, rec NotificationRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (appointment_id, recipient, channel, subject, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, rec.AppointmentID, rec.Recipient, rec.Channel, rec.Subject, rec.Status, rec.FailureReason)
	return err
}
