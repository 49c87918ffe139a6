package notify

import (
	"context"
	"log/slog"

	"github.com/awolthers/clinicsched/internal/storage"
)

// Log records delivery attempts for later inspection or manual backfill.
type Log interface {
	Insert(ctx context.Context, rec storage.NotificationRecord) error
}

// Service sends emails and records every attempt, successful or not.
type Service struct {
	sender EmailSender
	log    Log
	logger *slog.Logger
}

func NewService(sender EmailSender, log Log, logger *slog.Logger) *Service {
	return &Service{sender: sender, log: log, logger: logger}
}

func (s *Service) Send(ctx context.Context, appointmentID, to, subject, body string) error {
	sendErr := s.sender.Send(to, subject, body)

	rec := storage.NotificationRecord{
		AppointmentID: appointmentID,
		Recipient:     to,
		Channel:       "email",
		Subject:       subject,
		Status:        "sent",
	}
	if sendErr != nil {
		rec.Status = "failed"
		rec.FailureReason = sendErr.Error()
	}
	if s.log != nil {
		if err := s.log.Insert(ctx, rec); err != nil {
			s.logger.Error("failed to record notification", "appointment_id", appointmentID, "err", err)
		}
	}
	return sendErr
}
