package model

import "time"

type Status string

const (
	StatusBooked    Status = "booked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Party roles for calendar event links and sync outcomes.
const (
	RolePatient = "patient"
	RoleStaff   = "staff"
)

type Appointment struct {
	ID           string
	PatientID    string
	StaffID      string
	StartTime    time.Time
	EndTime      time.Time
	Status       Status
	PatientNote  string
	StaffNote    string
	ReminderSent bool
	Paid         bool
	CancelledAt  *time.Time
	CreatedAt    time.Time
}

// CalendarEventLink ties one appointment+party to one external calendar
// event so the event can be removed when the appointment is cancelled.
type CalendarEventLink struct {
	ID            string
	AppointmentID string
	UserID        string
	EventID       string
	CalendarID    string
	Role          string
}

type Patient struct {
	ID     string
	UserID string
	Name   string
	Email  string
}

type Staff struct {
	ID     string
	UserID string
	Name   string
	Email  string
}
