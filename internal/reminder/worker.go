package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awolthers/clinicsched/internal/storage"
)

// Store claims appointments whose reminder window has opened. A claimed
// appointment is marked so it is never claimed twice.
type Store interface {
	ClaimDueReminders(ctx context.Context, cutoff time.Time, limit int) ([]storage.ReminderItem, error)
}

// Notifier delivers the reminder to the patient.
type Notifier interface {
	Send(ctx context.Context, appointmentID, to, subject, body string) error
}

type Worker struct {
	store     Store
	notifier  Notifier
	logger    *slog.Logger
	interval  time.Duration
	lookahead time.Duration
	batchSize int
	now       func() time.Time
}

type WorkerConfig struct {
	// Interval is how often due reminders are polled for.
	Interval time.Duration
	// Lookahead is how far before the appointment start the reminder goes
	// out. Defaults to 24 hours.
	Lookahead time.Duration
	BatchSize int
	Now       func() time.Time
}

func NewWorker(store Store, notifier Notifier, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Minute
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		interval:  cfg.Interval,
		lookahead: cfg.Lookahead,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("reminder batch failed", "err", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	cutoff := w.now().Add(w.lookahead)
	items, err := w.store.ClaimDueReminders(ctx, cutoff, w.batchSize)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.PatientEmail == "" {
			w.logger.Warn("skipping reminder, patient has no email", "appointment_id", item.AppointmentID)
			continue
		}
		subject := "Appointment reminder: " + item.StartTime.Format("Mon 2 Jan 15:04")
		body := fmt.Sprintf("Hello %s,\n\nThis is a reminder of your appointment with %s on %s at %s.\n",
			item.PatientName, item.StaffName,
			item.StartTime.Format("Monday 2 January 2006"),
			item.StartTime.Format("15:04"))

		// The claim is already committed; a delivery failure is logged and
		// recorded in the notification log but not retried here.
		if err := w.notifier.Send(ctx, item.AppointmentID, item.PatientEmail, subject, body); err != nil {
			w.logger.Error("reminder delivery failed",
				"appointment_id", item.AppointmentID, "recipient", item.PatientEmail, "err", err)
		}
	}
	return nil
}
