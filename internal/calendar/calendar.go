// Package calendar creates events on a Google Calendar.
package calendar

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Config holds the OAuth credentials for the calendar account. The
// refresh token comes from a one-time offline authorization.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	CalendarID   string
	TimeZone     string
}

// Client wraps the Calendar API for event creation.
type Client struct {
	svc        *gcal.Service
	calendarID string
	timeZone   string
}

// NewClient builds a calendar client from a refresh token.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("calendar refresh token is not configured")
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "Asia/Kolkata"
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gcal.CalendarScope},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	svc, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return &Client{svc: svc, calendarID: cfg.CalendarID, timeZone: cfg.TimeZone}, nil
}

// CreateEvent inserts an event and returns its link. Date is
// YYYY-MM-DD, times are HH:MM in the configured time zone.
func (c *Client) CreateEvent(ctx context.Context, title, date, startTime, endTime, description string) (string, error) {
	event := &gcal.Event{
		Summary:     title,
		Description: description,
		Start: &gcal.EventDateTime{
			DateTime: fmt.Sprintf("%sT%s:00", date, startTime),
			TimeZone: c.timeZone,
		},
		End: &gcal.EventDateTime{
			DateTime: fmt.Sprintf("%sT%s:00", date, endTime),
			TimeZone: c.timeZone,
		},
	}

	created, err := c.svc.Events.Insert(c.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	log.Printf("[Calendar] Created event %q on %s", title, date)
	return created.HtmlLink, nil
}
