package calendarsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/tutorhub/core"
)

// webcalService talks to an external calendar provider over its JSON API.
// Every call is bounded by the provider timeout; failures are returned to the
// caller who decides whether they are fatal (they never are for session sync).
type webcalService struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ core.CalendarService = (*webcalService)(nil)

func NewWebcalService(conf *core.Config) *webcalService {
	timeout := conf.Calendar.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webcalService{
		baseURL: conf.Calendar.BaseURL,
		token:   conf.Calendar.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

type eventPayload struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
}

type eventResponse struct {
	ID string `json:"id"`
}

func payload(ev core.CalendarEvent) eventPayload {
	return eventPayload{
		Title:       ev.Title,
		Description: ev.Description,
		Start:       ev.Start,
		End:         ev.End,
		Location:    ev.Location,
		Attendees:   ev.Attendees,
	}
}

func (svc *webcalService) CreateEvent(ctx context.Context, ev core.CalendarEvent) (string, error) {
	var res eventResponse
	if err := svc.do(ctx, http.MethodPost, "/v1/events", payload(ev), &res); err != nil {
		return "", errors.Wrap(err, "creating calendar event")
	}
	return res.ID, nil
}

func (svc *webcalService) UpdateEvent(ctx context.Context, ref string, ev core.CalendarEvent) error {
	err := svc.do(ctx, http.MethodPut, "/v1/events/"+ref, payload(ev), nil)
	return errors.Wrap(err, "updating calendar event")
}

func (svc *webcalService) DeleteEvent(ctx context.Context, ref string) error {
	err := svc.do(ctx, http.MethodDelete, "/v1/events/"+ref, nil, nil)
	return errors.Wrap(err, "deleting calendar event")
}

func (svc *webcalService) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buff bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buff).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, svc.baseURL+path, &buff)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+svc.token)

	res, err := svc.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("calendar provider returned %d", res.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}
