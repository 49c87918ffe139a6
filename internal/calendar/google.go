package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// GoogleService talks to the Google Calendar API with per-user stored OAuth
// tokens, refreshing them silently before use.
type GoogleService struct {
	oauth  *oauth2.Config
	creds  CredentialStore
	logger *slog.Logger
	opts   []option.ClientOption
}

// NewGoogleService builds a calendar service. Extra client options are
// forwarded to the API client (tests use this to point at a fake endpoint).
func NewGoogleService(cfg GoogleConfig, creds CredentialStore, logger *slog.Logger, opts ...option.ClientOption) *GoogleService {
	return &GoogleService{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{gcal.CalendarEventsScope},
			Endpoint:     google.Endpoint,
		},
		creds:  creds,
		logger: logger,
		opts:   opts,
	}
}

func (s *GoogleService) CreateEvent(ctx context.Context, userID string, ev Event) (CreatedEvent, error) {
	svc, calendarID, err := s.client(ctx, userID)
	if err != nil {
		return CreatedEvent{}, err
	}

	created, err := svc.Events.Insert(calendarID, &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}).Context(ctx).Do()
	if err != nil {
		return CreatedEvent{}, fmt.Errorf("insert calendar event: %w", err)
	}
	return CreatedEvent{
		EventID:    created.Id,
		CalendarID: calendarID,
		HTMLLink:   created.HtmlLink,
	}, nil
}

func (s *GoogleService) DeleteEvent(ctx context.Context, userID, calendarID, eventID string) error {
	svc, defaultCalendarID, err := s.client(ctx, userID)
	if err != nil {
		return err
	}
	if calendarID == "" {
		calendarID = defaultCalendarID
	}

	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == 404 || gerr.Code == 410) {
			// Event already gone; deletion is idempotent.
			return nil
		}
		return fmt.Errorf("delete calendar event: %w", err)
	}
	return nil
}

// client resolves the user's credential, refreshes the token if needed and
// persists the refreshed token back to the store.
func (s *GoogleService) client(ctx context.Context, userID string) (*gcal.Service, string, error) {
	cred, found, err := s.creds.Get(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("load calendar credential: %w", err)
	}
	if !found || (cred.AccessToken == "" && cred.RefreshToken == "") {
		return nil, "", ErrNotConnected
	}

	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
		TokenType:    "Bearer",
	}
	fresh, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, "", fmt.Errorf("refresh calendar token: %w", err)
	}
	if fresh.AccessToken != cred.AccessToken {
		cred.AccessToken = fresh.AccessToken
		cred.Expiry = fresh.Expiry
		if fresh.RefreshToken != "" {
			cred.RefreshToken = fresh.RefreshToken
		}
		if err := s.creds.Save(ctx, userID, cred); err != nil {
			s.logger.Warn("failed to persist refreshed calendar token", "user_id", userID, "err", err)
		}
	}

	calendarID := cred.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(fresh))}, s.opts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("build calendar client: %w", err)
	}
	return svc, calendarID, nil
}
