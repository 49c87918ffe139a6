package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/awolthers/clinicsched/internal/model"
	"github.com/awolthers/clinicsched/internal/outbox"
	"github.com/awolthers/clinicsched/libs/db"
)

type AppointmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewAppointmentRepository(pool *db.Pool, outboxRepo *outbox.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outboxRepo}
}

const appointmentColumns = `
	id::text, patient_id::text, staff_id::text, start_time, end_time, status,
	patient_note, staff_note, reminder_sent, paid, cancelled_at, created_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var status string
	var cancelledAt *time.Time
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.StaffID,
		&a.StartTime,
		&a.EndTime,
		&status,
		&a.PatientNote,
		&a.StaffNote,
		&a.ReminderSent,
		&a.Paid,
		&cancelledAt,
		&a.CreatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.Status(status)
	a.CancelledAt = cancelledAt
	return a, nil
}

// Create persists the appointment, consumes one prepaid credit when the
// patient has one (setting appt.Paid), and writes the booked event to the
// outbox, all in a single transaction. The partial unique index on
// (staff_id, start_time) rejects concurrent double-booking; the violation
// surfaces as ErrConflict.
func (r *AppointmentRepository) Create(ctx context.Context, appt *model.Appointment) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if appt.Status == "" {
		appt.Status = model.StatusBooked
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, staff_id, start_time, end_time, status, patient_note, staff_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, appt.ID, appt.PatientID, appt.StaffID, appt.StartTime, appt.EndTime, string(appt.Status), appt.PatientNote, appt.StaffNote)
	if err != nil {
		return "", mapPgError(err)
	}

	paid, err := r.consumeCredit(ctx, tx, appt.PatientID, appt.ID)
	if err != nil {
		return "", err
	}
	if paid {
		if _, err := tx.Exec(ctx, `UPDATE appointments SET paid = true WHERE id = $1`, appt.ID); err != nil {
			return "", err
		}
		appt.Paid = true
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"patient_id":     appt.PatientID,
		"staff_id":       appt.StaffID,
		"start_time":     appt.StartTime.UTC().Format(time.RFC3339),
		"end_time":       appt.EndTime.UTC().Format(time.RFC3339),
		"paid":           appt.Paid,
	})
	if err != nil {
		return "", err
	}
	if err := r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     outbox.EventAppointmentBooked,
		Payload:       payload,
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", mapPgError(err)
	}
	return appt.ID, nil
}

// consumeCredit marks the oldest unspent prepaid credit for the patient as
// used by this appointment. Reports false when no credit is available.
func (r *AppointmentRepository) consumeCredit(ctx context.Context, tx pgx.Tx, patientID, appointmentID string) (bool, error) {
	var creditID string
	err := tx.QueryRow(ctx, `
		UPDATE prepaid_credits
		SET used_at = now(), appointment_id = $2
		WHERE id = (
			SELECT id FROM prepaid_credits
			WHERE patient_id = $1 AND used_at IS NULL
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text
	`, patientID, appointmentID).Scan(&creditID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if err != nil {
		return model.Appointment{}, mapPgError(err)
	}
	return appt, nil
}

// Cancel transitions the appointment to cancelled and writes the cancelled
// event to the outbox. Cancelling an already cancelled appointment is a
// no-op; unknown ids return ErrNotFound.
func (r *AppointmentRepository) Cancel(ctx context.Context, id string) (time.Time, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := scanAppointment(tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return time.Time{}, mapPgError(err)
	}

	if appt.Status == model.StatusCancelled {
		if err := tx.Commit(ctx); err != nil {
			return time.Time{}, err
		}
		if appt.CancelledAt != nil {
			return *appt.CancelledAt, nil
		}
		return time.Time{}, nil
	}

	var cancelledAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled', cancelled_at = now()
		WHERE id = $1
		RETURNING cancelled_at
	`, id).Scan(&cancelledAt)
	if err != nil {
		return time.Time{}, mapPgError(err)
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id": id,
		"patient_id":     appt.PatientID,
		"staff_id":       appt.StaffID,
		"start_time":     appt.StartTime.UTC().Format(time.RFC3339),
		"end_time":       appt.EndTime.UTC().Format(time.RFC3339),
		"cancelled_at":   cancelledAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return time.Time{}, err
	}
	if err := r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   id,
		EventType:     outbox.EventAppointmentCancelled,
		Payload:       payload,
	}); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, err
	}
	return cancelledAt, nil
}

// Complete marks a booked appointment as completed, optionally recording a
// staff note. Returns ErrConflict when the appointment exists but is not in
// booked status.
func (r *AppointmentRepository) Complete(ctx context.Context, id, staffNote string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'completed',
			staff_note = CASE WHEN $2 <> '' THEN $2 ELSE staff_note END
		WHERE id = $1 AND status = 'booked'
	`, id, staffNote)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}
		return ErrNotFound
	}
	return nil
}

// ListBookedStartTimes returns non-cancelled appointment start times for the
// staff member on the given calendar day, in the day's location.
func (r *AppointmentRepository) ListBookedStartTimes(ctx context.Context, staffID string, day time.Time) ([]time.Time, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	rows, err := r.pool.Query(ctx, `
		SELECT start_time
		FROM appointments
		WHERE staff_id = $1
			AND status <> 'cancelled'
			AND start_time >= $2
			AND start_time < $3
		ORDER BY start_time
	`, staffID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var starts []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		starts = append(starts, t.In(day.Location()))
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return starts, nil
}

func (r *AppointmentRepository) ListByStaff(ctx context.Context, staffID string, limit int) ([]model.Appointment, error) {
	return r.list(ctx, `staff_id = $1`, staffID, limit)
}

func (r *AppointmentRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error) {
	return r.list(ctx, `patient_id = $1`, patientID, limit)
}

func (r *AppointmentRepository) list(ctx context.Context, where string, arg string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+where+`
		ORDER BY start_time DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (r *AppointmentRepository) InsertCalendarLink(ctx context.Context, link model.CalendarEventLink) error {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO calendar_event_links (id, appointment_id, user_id, event_id, calendar_id, role)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, link.ID, link.AppointmentID, link.UserID, link.EventID, link.CalendarID, link.Role)
	return mapPgError(err)
}

func (r *AppointmentRepository) ListCalendarLinks(ctx context.Context, appointmentID string) ([]model.CalendarEventLink, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, appointment_id::text, user_id::text, event_id, calendar_id, role
		FROM calendar_event_links
		WHERE appointment_id = $1
		ORDER BY role
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []model.CalendarEventLink
	for rows.Next() {
		var l model.CalendarEventLink
		if err := rows.Scan(&l.ID, &l.AppointmentID, &l.UserID, &l.EventID, &l.CalendarID, &l.Role); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return links, nil
}

func (r *AppointmentRepository) DeleteCalendarLink(ctx context.Context, linkID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM calendar_event_links
		WHERE id = $1
	`, linkID)
	return err
}

// ReminderItem is one appointment due a reminder notification, joined with
// the patient's contact details.
type ReminderItem struct {
	AppointmentID string
	StartTime     time.Time
	PatientName   string
	PatientEmail  string
	StaffName     string
}

// ClaimDueReminders atomically flags booked appointments starting before
// cutoff whose reminder has not fired yet, writes a reminder event per claim
// to the outbox, and returns the claimed items for delivery. SKIP LOCKED
// keeps concurrent workers from claiming the same rows.
func (r *AppointmentRepository) ClaimDueReminders(ctx context.Context, cutoff time.Time, limit int) ([]ReminderItem, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE appointments a
		SET reminder_sent = true
		FROM patients p, staff s
		WHERE a.patient_id = p.id
			AND a.staff_id = s.id
			AND a.id IN (
				SELECT id FROM appointments
				WHERE status = 'booked'
					AND reminder_sent = false
					AND start_time > now()
					AND start_time <= $1
				ORDER BY start_time
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
		RETURNING a.id::text, a.start_time, p.name, p.email, s.name
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}

	var items []ReminderItem
	for rows.Next() {
		var it ReminderItem
		if err := rows.Scan(&it.AppointmentID, &it.StartTime, &it.PatientName, &it.PatientEmail, &it.StaffName); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, it)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	for _, it := range items {
		payload, err := json.Marshal(map[string]any{
			"appointment_id": it.AppointmentID,
			"start_time":     it.StartTime.UTC().Format(time.RFC3339),
			"recipient":      it.PatientEmail,
		})
		if err != nil {
			return nil, err
		}
		if err := r.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "appointment",
			AggregateID:   it.AppointmentID,
			EventType:     outbox.EventReminderSent,
			Payload:       payload,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}
