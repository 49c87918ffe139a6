package booking

import "errors"

// Errors returned to callers before persistence. Anything not in this list
// is an internal failure; calendar and notification problems never surface
// here at all (they are collected per party in SyncOutcome).
var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrStaffNotFound       = errors.New("staff member not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidTime         = errors.New("invalid date or start time")
	ErrClinicClosed        = errors.New("clinic is closed on the requested day")
	ErrSlotTaken           = errors.New("time slot is not available")
	ErrNotBooked           = errors.New("appointment is not in booked status")
)
