package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awolthers/clinicsched/internal/calendar"
	"github.com/awolthers/clinicsched/internal/model"
	"github.com/awolthers/clinicsched/internal/slot"
	"github.com/awolthers/clinicsched/internal/storage"
)

// Store owns appointment records and their calendar event links.
// *storage.AppointmentRepository is the production implementation; error
// classification follows the storage sentinels (ErrNotFound, ErrConflict,
// ErrMissingReference).
type Store interface {
	Create(ctx context.Context, appt *model.Appointment) (string, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
	Cancel(ctx context.Context, id string) (time.Time, error)
	Complete(ctx context.Context, id, staffNote string) error
	ListBookedStartTimes(ctx context.Context, staffID string, day time.Time) ([]time.Time, error)
	ListByStaff(ctx context.Context, staffID string, limit int) ([]model.Appointment, error)
	ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error)
	InsertCalendarLink(ctx context.Context, link model.CalendarEventLink) error
	ListCalendarLinks(ctx context.Context, appointmentID string) ([]model.CalendarEventLink, error)
	DeleteCalendarLink(ctx context.Context, linkID string) error
}

// Directory resolves the identities involved in a booking.
type Directory interface {
	PatientByID(ctx context.Context, id string) (model.Patient, error)
	PatientByUserID(ctx context.Context, userID string) (model.Patient, error)
	StaffByID(ctx context.Context, id string) (model.Staff, error)
}

// Notifier delivers a booking-related message to one recipient.
type Notifier interface {
	Send(ctx context.Context, appointmentID, to, subject, body string) error
}

type Config struct {
	// Location is the clinic's timezone; dates and slot times are
	// interpreted in it. Defaults to UTC.
	Location *time.Location
	// SyncTimeout bounds each party's calendar+notification attempt.
	SyncTimeout time.Duration
	// Now is injected for deterministic tests. Defaults to time.Now.
	Now func() time.Time
}

// Service runs the booking workflow: validate, persist, then best-effort
// calendar sync and notification per party.
type Service struct {
	store       Store
	dir         Directory
	cal         calendar.Service
	notifier    Notifier
	logger      *slog.Logger
	loc         *time.Location
	syncTimeout time.Duration
	now         func() time.Time
}

func NewService(store Store, dir Directory, cal calendar.Service, notifier Notifier, logger *slog.Logger, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:       store,
		dir:         dir,
		cal:         cal,
		notifier:    notifier,
		logger:      logger,
		loc:         cfg.Location,
		syncTimeout: cfg.SyncTimeout,
		now:         cfg.Now,
	}
}

// Request describes one booking attempt. Either PatientID is set (staff
// books on a patient's behalf) or ActorUserID identifies a self-service
// patient.
type Request struct {
	ActorUserID string
	PatientID   string
	StaffID     string
	Date        string // 2006-01-02
	StartTime   string // 15:04
	PatientNote string
}

// SyncOutcome reports what happened to one party's calendar event and
// notification. Failures here never fail the booking.
type SyncOutcome struct {
	Role            string
	CalendarEventID string
	CalendarLink    string
	CalendarError   string
	Notified        bool
}

type Result struct {
	AppointmentID string
	StartTime     time.Time
	EndTime       time.Time
	Paid          bool
	Sync          []SyncOutcome
}

type party struct {
	role        string
	userID      string
	email       string
	displayName string
	counterpart string
}

// Book validates and persists the appointment, then syncs both parties'
// calendars and notifications concurrently. Once persistence succeeds the
// booking is reported as successful regardless of sync outcomes.
func (s *Service) Book(ctx context.Context, req Request) (Result, error) {
	patient, err := s.resolvePatient(ctx, req)
	if err != nil {
		return Result{}, err
	}
	staff, err := s.dir.StaffByID(ctx, req.StaffID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrStaffNotFound, req.StaffID)
		}
		return Result{}, err
	}

	start, end, err := s.resolveInterval(req.Date, req.StartTime)
	if err != nil {
		return Result{}, err
	}
	if start.Before(s.now()) {
		return Result{}, fmt.Errorf("%w: start time is in the past", ErrInvalidTime)
	}

	// Pre-check against the day's free slots for a clean conflict message;
	// the storage uniqueness constraint is the authoritative guard.
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, s.loc)
	booked, err := s.store.ListBookedStartTimes(ctx, staff.ID, day)
	if err != nil {
		return Result{}, err
	}
	if !startOffered(slot.AvailableSlots(day, booked), start) {
		return Result{}, ErrSlotTaken
	}

	appt := &model.Appointment{
		PatientID:   patient.ID,
		StaffID:     staff.ID,
		StartTime:   start,
		EndTime:     end,
		Status:      model.StatusBooked,
		PatientNote: req.PatientNote,
	}
	id, err := s.store.Create(ctx, appt)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return Result{}, ErrSlotTaken
		case errors.Is(err, storage.ErrMissingReference):
			return Result{}, fmt.Errorf("%w: %v", ErrPatientNotFound, err)
		default:
			return Result{}, fmt.Errorf("persist appointment: %w", err)
		}
	}
	appt.ID = id

	return Result{
		AppointmentID: id,
		StartTime:     start,
		EndTime:       end,
		Paid:          appt.Paid,
		Sync:          s.syncParties(ctx, appt, patient, staff),
	}, nil
}

// Unbook cancels the appointment and cleans up its external calendar
// events. Already-cancelled appointments are a no-op. Event deletion is
// best effort per link; a failure there never blocks the cancellation.
// Failing to load the links does block it, since the cancelled status
// would otherwise short-circuit the retry that could still clean up.
func (s *Service) Unbook(ctx context.Context, appointmentID string) error {
	appt, err := s.store.Get(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAppointmentNotFound, appointmentID)
		}
		return err
	}
	if appt.Status == model.StatusCancelled {
		return nil
	}

	links, err := s.store.ListCalendarLinks(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("load calendar links: %w", err)
	}
	for _, link := range links {
		cctx, cancel := context.WithTimeout(ctx, s.syncTimeout)
		err := s.cal.DeleteEvent(cctx, link.UserID, link.CalendarID, link.EventID)
		cancel()
		if err != nil {
			s.logger.Warn("failed to delete calendar event",
				"appointment_id", appointmentID, "party", link.Role, "event_id", link.EventID, "err", err)
		}
		if err := s.store.DeleteCalendarLink(ctx, link.ID); err != nil {
			s.logger.Warn("failed to delete calendar link row",
				"appointment_id", appointmentID, "link_id", link.ID, "err", err)
		}
	}

	if _, err := s.store.Cancel(ctx, appointmentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAppointmentNotFound, appointmentID)
		}
		return err
	}
	return nil
}

// Complete marks a booked appointment as completed, recording an optional
// staff note. Cancelled or already completed appointments are rejected.
func (s *Service) Complete(ctx context.Context, appointmentID, staffNote string) error {
	err := s.store.Complete(ctx, appointmentID, staffNote)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrAppointmentNotFound, appointmentID)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %s", ErrNotBooked, appointmentID)
	default:
		return err
	}
}

// Slot is one offered interval.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Slots returns the free slots for the staff member on the given date.
func (s *Service) Slots(ctx context.Context, staffID, date string) ([]Slot, error) {
	staff, err := s.dir.StaffByID(ctx, staffID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrStaffNotFound, staffID)
		}
		return nil, err
	}

	day, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q", ErrInvalidTime, date)
	}

	booked, err := s.store.ListBookedStartTimes(ctx, staff.ID, day)
	if err != nil {
		return nil, err
	}

	starts := slot.AvailableSlots(day, booked)
	slots := make([]Slot, 0, len(starts))
	for _, t := range starts {
		slots = append(slots, Slot{Start: t, End: t.Add(slot.Duration)})
	}
	return slots, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Appointment{}, fmt.Errorf("%w: %s", ErrAppointmentNotFound, id)
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

// Appointments lists by staff or patient, most recent first.
func (s *Service) Appointments(ctx context.Context, staffID, patientID string, limit int) ([]model.Appointment, error) {
	switch {
	case staffID != "":
		return s.store.ListByStaff(ctx, staffID, limit)
	case patientID != "":
		return s.store.ListByPatient(ctx, patientID, limit)
	default:
		return nil, fmt.Errorf("%w: staff or patient id required", ErrInvalidTime)
	}
}

func (s *Service) resolvePatient(ctx context.Context, req Request) (model.Patient, error) {
	var (
		patient model.Patient
		err     error
	)
	if req.PatientID != "" {
		patient, err = s.dir.PatientByID(ctx, req.PatientID)
	} else {
		patient, err = s.dir.PatientByUserID(ctx, req.ActorUserID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Patient{}, ErrPatientNotFound
		}
		return model.Patient{}, err
	}
	return patient, nil
}

func (s *Service) resolveInterval(date, startTime string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidTime, date)
	}
	clock, err := time.Parse("15:04", startTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start time %q", ErrInvalidTime, startTime)
	}
	open, close, ok := slot.Window(day)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrClinicClosed, date)
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, s.loc)
	end := start.Add(slot.Duration)
	// A start that is off the hourly grid or outside the opening window was
	// never a bookable slot; that is invalid input, not a conflict.
	if clock.Minute() != 0 || start.Before(open) || end.After(close) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s is not a bookable slot start", ErrInvalidTime, startTime)
	}
	return start, end, nil
}

// syncParties runs the per-party calendar+notification step for patient and
// staff concurrently. Neither attempt can block, fail or skip the other.
func (s *Service) syncParties(ctx context.Context, appt *model.Appointment, patient model.Patient, staff model.Staff) []SyncOutcome {
	parties := []party{
		{role: model.RolePatient, userID: patient.UserID, email: patient.Email, displayName: patient.Name, counterpart: staff.Name},
		{role: model.RoleStaff, userID: staff.UserID, email: staff.Email, displayName: staff.Name, counterpart: patient.Name},
	}

	// The appointment is already persisted; losing the request context now
	// must not abort the sync attempts mid-flight.
	base := context.WithoutCancel(ctx)

	outcomes := make([]SyncOutcome, len(parties))
	var wg sync.WaitGroup
	for i, p := range parties {
		wg.Add(1)
		go func(i int, p party) {
			defer wg.Done()
			outcomes[i] = s.syncParty(base, appt, p)
		}(i, p)
	}
	wg.Wait()
	return outcomes
}

func (s *Service) syncParty(ctx context.Context, appt *model.Appointment, p party) SyncOutcome {
	out := SyncOutcome{Role: p.role}

	ctx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	if p.userID == "" {
		out.CalendarError = calendar.ErrNotConnected.Error()
	} else {
		created, err := s.cal.CreateEvent(ctx, p.userID, calendar.Event{
			Title:       "Appointment with " + p.counterpart,
			Description: fmt.Sprintf("Clinic appointment on %s at %s.", appt.StartTime.Format("Monday 2 January 2006"), appt.StartTime.Format("15:04")),
			Start:       appt.StartTime,
			End:         appt.EndTime,
		})
		if err != nil {
			out.CalendarError = err.Error()
			s.logger.Warn("calendar sync failed",
				"appointment_id", appt.ID, "party", p.role, "err", err)
		} else {
			link := model.CalendarEventLink{
				AppointmentID: appt.ID,
				UserID:        p.userID,
				EventID:       created.EventID,
				CalendarID:    created.CalendarID,
				Role:          p.role,
			}
			if err := s.store.InsertCalendarLink(ctx, link); err != nil {
				out.CalendarError = err.Error()
				s.logger.Warn("failed to persist calendar link",
					"appointment_id", appt.ID, "party", p.role, "err", err)
			} else {
				out.CalendarEventID = created.EventID
				out.CalendarLink = created.HTMLLink
			}
		}
	}

	if p.email == "" {
		return out
	}

	subject := "Appointment booked: " + appt.StartTime.Format("Mon 2 Jan 15:04")
	body := fmt.Sprintf("Hello %s,\n\nYour appointment with %s is booked for %s from %s to %s.\n",
		p.displayName, p.counterpart,
		appt.StartTime.Format("Monday 2 January 2006"),
		appt.StartTime.Format("15:04"), appt.EndTime.Format("15:04"))
	if out.CalendarLink != "" {
		body += "\nCalendar: " + out.CalendarLink + "\n"
	}
	if err := s.notifier.Send(ctx, appt.ID, p.email, subject, body); err != nil {
		s.logger.Warn("booking notification failed",
			"appointment_id", appt.ID, "party", p.role, "recipient", p.email, "err", err)
	} else {
		out.Notified = true
	}
	return out
}

func startOffered(slots []time.Time, start time.Time) bool {
	for _, t := range slots {
		if t.Equal(start) {
			return true
		}
	}
	return false
}
