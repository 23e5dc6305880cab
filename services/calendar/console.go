package calendarsvc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/trezcool/tutorhub/core"
)

// consoleService logs calendar operations instead of calling an external
// provider. Default in development and tests.
type consoleService struct {
	logger core.Logger

	mu     sync.Mutex
	events map[string]core.CalendarEvent
}

var _ core.CalendarService = (*consoleService)(nil)

func NewConsoleService(logger core.Logger) *consoleService {
	return &consoleService{
		logger: logger,
		events: make(map[string]core.CalendarEvent),
	}
}

func (svc *consoleService) CreateEvent(_ context.Context, ev core.CalendarEvent) (string, error) {
	ref := uuid.New().String()
	svc.mu.Lock()
	svc.events[ref] = ev
	svc.mu.Unlock()
	svc.logger.Info(fmt.Sprintf("calendar: created event %s (%s)", ref, ev.Title))
	return ref, nil
}

func (svc *consoleService) UpdateEvent(_ context.Context, ref string, ev core.CalendarEvent) error {
	svc.mu.Lock()
	svc.events[ref] = ev
	svc.mu.Unlock()
	svc.logger.Info(fmt.Sprintf("calendar: updated event %s (%s)", ref, ev.Title))
	return nil
}

func (svc *consoleService) DeleteEvent(_ context.Context, ref string) error {
	svc.mu.Lock()
	delete(svc.events, ref)
	svc.mu.Unlock()
	svc.logger.Info(fmt.Sprintf("calendar: deleted event %s", ref))
	return nil
}

// Events returns a snapshot of the recorded events; test helper.
func (svc *consoleService) Events() map[string]core.CalendarEvent {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	events := make(map[string]core.CalendarEvent, len(svc.events))
	for ref, ev := range svc.events {
		events[ref] = ev
	}
	return events
}
