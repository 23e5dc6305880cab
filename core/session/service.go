package session

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/tutorhub/core"
	"github.com/trezcool/tutorhub/core/user"
)

type (
	Repository interface {
		CreateSession(ctx context.Context, s Session) (Session, error)
		GetSessionByID(ctx context.Context, id string) (Session, error)
		// FilterSessions applies the query plan and returns one page of sessions
		// together with the total match count.
		FilterSessions(ctx context.Context, plan QueryPlan) ([]Session, int, error)
		// FilterSessionsByParticipant restricts FilterSessions to sessions in
		// which userID is currently enrolled.
		FilterSessionsByParticipant(ctx context.Context, userID string, plan QueryPlan) ([]Session, int, error)
		UpdateSession(ctx context.Context, s Session) (Session, error)
		SetExternalCalendarRef(ctx context.Context, id, ref string) error
		DeleteSession(ctx context.Context, id string) error
		// JoinSession checks capacity, appends the roster record and increments
		// the enrollment counter as a single atomic operation per session id.
		// Two concurrent joins must never overshoot MaxParticipants.
		JoinSession(ctx context.Context, id string, p Participant) (Session, error)
		// LeaveSession removes the roster record and decrements the enrollment
		// counter (floored at 0) as a single atomic operation per session id.
		LeaveSession(ctx context.Context, id, userID string) (Session, error)
		SetParticipantFeedback(ctx context.Context, id, userID string, rating int, feedback string) error
	}

	// UserDirectory looks up platform identities; used to validate the tutor
	// role on admin-assigned session creation.
	UserDirectory interface {
		GetByID(ctx context.Context, id string) (user.User, error)
	}

	Service interface {
		Create(ctx context.Context, actor user.User, data NewSession) (Session, error)
		Update(ctx context.Context, actor user.User, id string, data UpdateSession) (Session, error)
		Delete(ctx context.Context, actor user.User, id string) error
		Join(ctx context.Context, actor user.User, id string) (Session, error)
		Leave(ctx context.Context, actor user.User, id string) (Session, error)
		RecordFeedback(ctx context.Context, actor user.User, id string, data SessionFeedback) error
		Filter(ctx context.Context, filter QueryFilter) ([]Session, core.Page, error)
		GetByID(ctx context.Context, id string) (Session, error)
		GetByTutor(ctx context.Context, tutorID string, filter QueryFilter) ([]Session, core.Page, error)
		GetEnrolledBy(ctx context.Context, userID string, filter QueryFilter) ([]Session, core.Page, error)
	}

	service struct {
		repo     Repository
		users    UserDirectory
		calSvc   core.CalendarService
		mailSvc  core.EmailService
		logger   core.Logger
		validate *validator.Validate
		conf     *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(
	repo Repository,
	users UserDirectory,
	calSvc core.CalendarService,
	mailSvc core.EmailService,
	logger core.Logger,
	validate *validator.Validate,
	conf *core.Config,
) Service {
	return &service{
		repo:     repo,
		users:    users,
		calSvc:   calSvc,
		mailSvc:  mailSvc,
		logger:   logger,
		validate: validate,
		conf:     conf,
	}
}

// canManage consolidates the ownership check shared by Update/Delete:
// only the owning tutor or an admin may manage a session.
func canManage(actor user.User, s Session) bool {
	return actor.IsAdmin() || actor.ID == s.TutorID
}

// checkID rejects malformed identifiers before any storage call.
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return nil
}

func (svc *service) Create(ctx context.Context, actor user.User, data NewSession) (Session, error) {
	if !(actor.IsTutor() || actor.IsAdmin()) {
		return Session{}, ErrNotAllowed
	}
	if err := data.Validate(svc.validate); err != nil {
		return Session{}, err
	}

	tutor := actor
	if data.TutorID != "" && data.TutorID != actor.ID {
		if !actor.IsAdmin() {
			return Session{}, ErrNotAllowed
		}
		assigned, err := svc.users.GetByID(ctx, data.TutorID)
		if err != nil {
			if errors.Cause(err) == user.ErrNotFound {
				return Session{}, ErrTutorNotFound
			}
			return Session{}, errors.Wrap(err, "finding assigned tutor")
		}
		if !assigned.IsTutor() {
			return Session{}, core.NewValidationError(
				errors.New("assigned user does not have the tutor role"),
				core.FieldError{Field: "tutor_id", Error: "assigned user does not have the tutor role"},
			)
		}
		tutor = assigned
	}

	s, err := svc.repo.CreateSession(ctx, data.session(tutor.ID, time.Now().UTC()))
	if err != nil {
		return Session{}, errors.Wrap(err, "creating session")
	}

	svc.syncCalendar("create", s.ID, func(ctx context.Context) error {
		ref, err := svc.calSvc.CreateEvent(ctx, calendarEvent(s))
		if err != nil {
			return err
		}
		return svc.repo.SetExternalCalendarRef(ctx, s.ID, ref)
	})
	return s, nil
}

func (svc *service) Update(ctx context.Context, actor user.User, id string, data UpdateSession) (Session, error) {
	if err := checkID(id); err != nil {
		return Session{}, err
	}
	s, err := svc.repo.GetSessionByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !canManage(actor, s) {
		return Session{}, ErrNotAllowed
	}

	if err := data.Validate(svc.validate); err != nil {
		return Session{}, err
	}
	if err := s.ApplyUpdate(data, time.Now().UTC()); err != nil {
		return Session{}, err
	}

	s, err = svc.repo.UpdateSession(ctx, s)
	if err != nil {
		return Session{}, errors.Wrap(err, "updating session")
	}

	if s.ExternalCalendarRef != "" {
		ref := s.ExternalCalendarRef
		updated := s
		svc.syncCalendar("update", s.ID, func(ctx context.Context) error {
			return svc.calSvc.UpdateEvent(ctx, ref, calendarEvent(updated))
		})
	}
	return s, nil
}

func (svc *service) Delete(ctx context.Context, actor user.User, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	s, err := svc.repo.GetSessionByID(ctx, id)
	if err != nil {
		return err
	}
	if !canManage(actor, s) {
		return ErrNotAllowed
	}

	// attempt the mirrored event removal before the record goes away;
	// a sync failure never blocks the deletion
	if s.ExternalCalendarRef != "" {
		calCtx, cancel := context.WithTimeout(ctx, svc.conf.Calendar.Timeout)
		if err := svc.calSvc.DeleteEvent(calCtx, s.ExternalCalendarRef); err != nil {
			svc.logger.Error(fmt.Sprintf("calendar delete sync failed for session %s: %v", s.ID, err), err)
		}
		cancel()
	}

	return svc.repo.DeleteSession(ctx, id)
}

func (svc *service) Join(ctx context.Context, actor user.User, id string) (Session, error) {
	if err := checkID(id); err != nil {
		return Session{}, err
	}

	now := time.Now().UTC()
	s, err := svc.repo.JoinSession(ctx, id, Participant{
		UserID:   actor.ID,
		JoinedAt: now,
		Status:   ParticipantEnrolled,
	})
	if err != nil {
		switch errors.Cause(err) {
		case ErrSessionFull, ErrAlreadyEnrolled:
			return Session{}, core.NewValidationError(errors.Cause(err))
		}
		return Session{}, err
	}

	if s.ExternalCalendarRef != "" {
		ref := s.ExternalCalendarRef
		joined := s
		svc.syncCalendar("update", s.ID, func(ctx context.Context) error {
			return svc.calSvc.UpdateEvent(ctx, ref, calendarEvent(joined))
		})
	}
	svc.sendEnrollmentMail(actor, s)
	return s, nil
}

func (svc *service) Leave(ctx context.Context, actor user.User, id string) (Session, error) {
	if err := checkID(id); err != nil {
		return Session{}, err
	}

	s, err := svc.repo.LeaveSession(ctx, id, actor.ID)
	if err != nil {
		if errors.Cause(err) == ErrNotEnrolled {
			return Session{}, core.NewValidationError(ErrNotEnrolled)
		}
		return Session{}, err
	}

	if s.ExternalCalendarRef != "" {
		ref := s.ExternalCalendarRef
		left := s
		svc.syncCalendar("update", s.ID, func(ctx context.Context) error {
			return svc.calSvc.UpdateEvent(ctx, ref, calendarEvent(left))
		})
	}
	return s, nil
}

func (svc *service) RecordFeedback(ctx context.Context, actor user.User, id string, data SessionFeedback) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := data.Validate(svc.validate); err != nil {
		return err
	}
	if err := svc.repo.SetParticipantFeedback(ctx, id, actor.ID, data.Rating, data.Feedback); err != nil {
		switch errors.Cause(err) {
		case ErrNotEnrolled, ErrFeedbackGiven:
			return core.NewValidationError(errors.Cause(err))
		}
		return err
	}
	return nil
}

func (svc *service) Filter(ctx context.Context, filter QueryFilter) ([]Session, core.Page, error) {
	plan := filter.BuildPlan(time.Now().UTC())
	sessions, total, err := svc.repo.FilterSessions(ctx, plan)
	if err != nil {
		return nil, core.Page{}, errors.Wrap(err, "filtering sessions")
	}
	return sessions, core.NewPage(plan.Page, plan.Limit, total), nil
}

func (svc *service) GetByID(ctx context.Context, id string) (Session, error) {
	if err := checkID(id); err != nil {
		return Session{}, err
	}
	return svc.repo.GetSessionByID(ctx, id)
}

func (svc *service) GetByTutor(ctx context.Context, tutorID string, filter QueryFilter) ([]Session, core.Page, error) {
	if err := checkID(tutorID); err != nil {
		return nil, core.Page{}, err
	}
	plan := filter.BuildPlan(time.Now().UTC())
	plan.TutorID = tutorID
	sessions, total, err := svc.repo.FilterSessions(ctx, plan)
	if err != nil {
		return nil, core.Page{}, errors.Wrap(err, "filtering tutor sessions")
	}
	return sessions, core.NewPage(plan.Page, plan.Limit, total), nil
}

func (svc *service) GetEnrolledBy(ctx context.Context, userID string, filter QueryFilter) ([]Session, core.Page, error) {
	if err := checkID(userID); err != nil {
		return nil, core.Page{}, err
	}
	plan := filter.BuildPlan(time.Now().UTC())
	sessions, total, err := svc.repo.FilterSessionsByParticipant(ctx, userID, plan)
	if err != nil {
		return nil, core.Page{}, errors.Wrap(err, "filtering enrolled sessions")
	}
	return sessions, core.NewPage(plan.Page, plan.Limit, total), nil
}

// syncCalendar dispatches a calendar sync task after the primary mutation has
// been persisted. Sync failures are logged and discarded: they never block or
// roll back the primary operation. Runs synchronously in test mode.
func (svc *service) syncCalendar(op, id string, fn func(context.Context) error) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), svc.conf.Calendar.Timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			svc.logger.Error(fmt.Sprintf("calendar %s sync failed for session %s: %v", op, id, err), err)
		}
	}
	if svc.conf.TestMode {
		run()
		return
	}
	go run()
}

func (svc *service) sendEnrollmentMail(usr user.User, s Session) {
	if usr.Email == "" {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject: "Enrollment confirmed",
		BodyStr: fmt.Sprintf(
			"Hi %s,\n\nYou are enrolled in %q on %s from %s to %s.",
			usr.Name, s.Subject, s.Schedule.Date.Format("Mon, 02 Jan 2006"),
			s.Schedule.StartTime, s.Schedule.EndTime,
		),
	})
}

// calendarEvent maps a session onto its mirrored calendar representation.
func calendarEvent(s Session) core.CalendarEvent {
	start := s.Schedule.Date
	if startMin, err := parseTimeOfDay(s.Schedule.StartTime); err == nil {
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		start = day.Add(time.Duration(startMin) * time.Minute)
	}
	attendees := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Status == ParticipantEnrolled {
			attendees = append(attendees, p.UserID)
		}
	}
	location := s.Location.Address
	if s.Location.Type == LocationOnline {
		location = s.Location.MeetingLink
	}
	return core.CalendarEvent{
		Title:       s.Subject,
		Description: s.Description,
		Start:       start,
		End:         start.Add(time.Duration(s.Schedule.Duration) * time.Minute),
		Location:    location,
		Attendees:   attendees,
	}
}
