package core

import (
	"context"
	"time"
)

type (
	// CalendarEvent is the mirrored representation of a scheduled session on
	// an external calendar.
	CalendarEvent struct {
		Title       string    `json:"title"`
		Description string    `json:"description"`
		Start       time.Time `json:"start"`
		End         time.Time `json:"end"`
		Location    string    `json:"location,omitempty"`
		Attendees   []string  `json:"attendees,omitempty"`
	}

	// CalendarService mirrors events on an external calendar.
	// All three operations may fail; callers treat every failure as non-fatal:
	// logged, never retried, never surfaced.
	CalendarService interface {
		CreateEvent(ctx context.Context, ev CalendarEvent) (ref string, err error)
		UpdateEvent(ctx context.Context, ref string, ev CalendarEvent) error
		DeleteEvent(ctx context.Context, ref string) error
	}
)
