package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected means the user has no calendar credential linked. The
// booking flow treats it like any other sync failure: skip, log, continue.
var ErrNotConnected = errors.New("no calendar linked for user")

type Event struct {
	Title       string
	Description string
	Start       time.Time
	End         time.Time
}

type CreatedEvent struct {
	EventID    string
	CalendarID string
	HTMLLink   string
}

// Service creates and deletes events in a user's external calendar.
type Service interface {
	CreateEvent(ctx context.Context, userID string, ev Event) (CreatedEvent, error)
	DeleteEvent(ctx context.Context, userID, calendarID, eventID string) error
}

// Credential is a stored per-user OAuth token plus target calendar.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	CalendarID   string
}

// CredentialStore persists per-user calendar credentials. Get reports
// found=false when the user never linked a calendar.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (Credential, bool, error)
	Save(ctx context.Context, userID string, cred Credential) error
}

// Disabled is used when no calendar provider is configured; every sync
// attempt reports the user as not connected.
type Disabled struct{}

func (Disabled) CreateEvent(context.Context, string, Event) (CreatedEvent, error) {
	return CreatedEvent{}, ErrNotConnected
}

func (Disabled) DeleteEvent(context.Context, string, string, string) error {
	return ErrNotConnected
}
