package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/tutorhub/core"
)

var (
	// errors
	ErrNotFound        = errors.New("session not found")
	ErrTutorNotFound   = errors.New("tutor not found")
	ErrNotAllowed      = errors.New("permission denied")
	ErrSessionFull     = errors.New("session is full")
	ErrAlreadyEnrolled = errors.New("already enrolled in this session")
	ErrNotEnrolled     = errors.New("not enrolled in this session")
	ErrFeedbackGiven   = errors.New("feedback has already been given for this session")
)

// Status of a Session's lifecycle.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// statusTransitions guards the session state machine:
// scheduled -> in-progress | cancelled, in-progress -> completed | cancelled.
// completed and cancelled are terminal.
var statusTransitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

var AllLevels = []Level{LevelBeginner, LevelIntermediate, LevelAdvanced}

type LocationType string

const (
	LocationOnline  LocationType = "online"
	LocationOffline LocationType = "offline"
	LocationHybrid  LocationType = "hybrid"
)

type ParticipantStatus string

const (
	ParticipantEnrolled  ParticipantStatus = "enrolled"
	ParticipantAttended  ParticipantStatus = "attended"
	ParticipantDropped   ParticipantStatus = "dropped"
	ParticipantCancelled ParticipantStatus = "cancelled"
)

type (
	Schedule struct {
		Date      time.Time `json:"date"`       // UTC
		StartTime string    `json:"start_time"` // "HH:MM", 24h
		EndTime   string    `json:"end_time"`   // "HH:MM", 24h
		Duration  int       `json:"duration"`   // minutes; derived from StartTime/EndTime
	}

	Location struct {
		Type        LocationType `json:"type" validate:"omitempty,oneof=online offline hybrid"`
		Address     string       `json:"address,omitempty"`
		MeetingLink string       `json:"meeting_link,omitempty"`
	}

	Capacity struct {
		MaxParticipants int `json:"max_participants"`
		CurrentEnrolled int `json:"current_enrolled"` // 0 <= CurrentEnrolled <= MaxParticipants, always
	}

	Participant struct {
		UserID        string            `json:"user_id"`
		JoinedAt      time.Time         `json:"joined_at"` // UTC
		Status        ParticipantStatus `json:"status"`
		FeedbackGiven bool              `json:"feedback_given"`
		Rating        int               `json:"rating,omitempty"`   // 1-5; write-once
		Feedback      string            `json:"feedback,omitempty"` // write-once
	}

	Session struct {
		ID                  string        `json:"id"`
		TutorID             string        `json:"tutor_id"`
		Subject             string        `json:"subject"`
		Description         string        `json:"description"`
		Topic               string        `json:"topic,omitempty"`
		Schedule            Schedule      `json:"schedule"`
		Location            Location      `json:"location"`
		Capacity            Capacity      `json:"capacity"`
		Participants        []Participant `json:"participants"` // insertion order = join order
		Status              Status        `json:"status"`
		Level               Level         `json:"level"`
		Tags                []string      `json:"tags"`
		Notes               string        `json:"notes,omitempty"`
		ExternalCalendarRef string        `json:"-"` // absent if calendar sync never succeeded
		CreatedAt           time.Time     `json:"created_at"` // UTC
		UpdatedAt           time.Time     `json:"updated_at"` // UTC
	}
)

// Derived read-only views.

func (s *Session) AvailableSeats() int {
	return s.Capacity.MaxParticipants - s.Capacity.CurrentEnrolled
}

func (s *Session) IsFull() bool {
	return s.Capacity.CurrentEnrolled >= s.Capacity.MaxParticipants
}

func (s *Session) IsPast() bool {
	return s.Schedule.Date.Before(time.Now().UTC())
}

func (s *Session) findParticipant(userID string) int {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return i
		}
	}
	return -1
}

// AddParticipant enrolls userID, incrementing the enrollment counter together
// with the roster append. Callers must hold whatever lock serializes
// concurrent roster writes on this session.
func (s *Session) AddParticipant(userID string, now time.Time) error {
	if s.IsFull() {
		return ErrSessionFull
	}
	if i := s.findParticipant(userID); i >= 0 {
		if s.Participants[i].Status == ParticipantEnrolled {
			return ErrAlreadyEnrolled
		}
		// previously dropped/cancelled; re-activate the record
		s.Participants[i].Status = ParticipantEnrolled
		s.Participants[i].JoinedAt = now
	} else {
		s.Participants = append(s.Participants, Participant{
			UserID:   userID,
			JoinedAt: now,
			Status:   ParticipantEnrolled,
		})
	}
	s.Capacity.CurrentEnrolled++
	s.UpdatedAt = now
	return nil
}

// RemoveParticipant withdraws userID, removing the roster record and
// decrementing the enrollment counter (floored at 0).
func (s *Session) RemoveParticipant(userID string, now time.Time) error {
	i := s.findParticipant(userID)
	if i < 0 || s.Participants[i].Status != ParticipantEnrolled {
		return ErrNotEnrolled
	}
	s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
	if s.Capacity.CurrentEnrolled > 0 {
		s.Capacity.CurrentEnrolled--
	}
	s.UpdatedAt = now
	return nil
}

// RecordFeedback stores a participant's rating and feedback text; write-once.
func (s *Session) RecordFeedback(userID string, rating int, feedback string, now time.Time) error {
	i := s.findParticipant(userID)
	if i < 0 {
		return ErrNotEnrolled
	}
	if s.Participants[i].FeedbackGiven {
		return ErrFeedbackGiven
	}
	s.Participants[i].FeedbackGiven = true
	s.Participants[i].Rating = rating
	s.Participants[i].Feedback = feedback
	s.UpdatedAt = now
	return nil
}

func (s *Session) canTransitionTo(st Status) bool {
	if st == s.Status {
		return true
	}
	for _, allowed := range statusTransitions[s.Status] {
		if st == allowed {
			return true
		}
	}
	return false
}

// NewSession contains information needed to create a new Session.
type NewSession struct {
	TutorID         string      `json:"tutor_id" validate:"omitempty,uuid4"` // admin-assigned; defaults to the creator
	Subject         string      `json:"subject" validate:"required,min=3,max=50"`
	Description     string      `json:"description" validate:"required,min=10,max=500"`
	Topic           string      `json:"topic" validate:"omitempty,max=100"`
	Schedule        NewSchedule `json:"schedule"`
	Location        Location    `json:"location"`
	MaxParticipants int         `json:"max_participants" validate:"required,min=1,max=100"`
	Level           Level       `json:"level" validate:"omitempty,oneof=beginner intermediate advanced"`
	Tags            []string    `json:"tags"`
	Notes           string      `json:"notes"`
}

type NewSchedule struct {
	Date      time.Time `json:"date" validate:"required"`
	StartTime string    `json:"start_time" validate:"required,timehm"`
	EndTime   string    `json:"end_time" validate:"required,timehm"`
}

func (ns *NewSession) Validate(validate *validator.Validate) error {
	ns.Subject = core.CleanString(ns.Subject, true /* lower */)
	ns.Description = core.CleanString(ns.Description)
	ns.Topic = core.CleanString(ns.Topic)
	ns.Tags = normalizeTags(ns.Tags)
	return validate.Struct(ns)
}

// session builds the Session aggregate once validation has passed.
func (ns NewSession) session(tutorID string, now time.Time) Session {
	duration, _ := computeDuration(ns.Schedule.StartTime, ns.Schedule.EndTime)
	level := ns.Level
	if level == "" {
		level = LevelIntermediate
	}
	return Session{
		TutorID:     tutorID,
		Subject:     ns.Subject,
		Description: ns.Description,
		Topic:       ns.Topic,
		Schedule: Schedule{
			Date:      ns.Schedule.Date.UTC(),
			StartTime: ns.Schedule.StartTime,
			EndTime:   ns.Schedule.EndTime,
			Duration:  duration,
		},
		Location: ns.Location,
		Capacity: Capacity{MaxParticipants: ns.MaxParticipants},
		Status:   StatusScheduled,
		Level:    level,
		Tags:     ns.Tags,
		Notes:    ns.Notes,

		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdateSession defines what information may be provided to modify an existing Session.
// Zero-valued fields are left untouched.
type UpdateSession struct {
	Subject         string          `json:"subject" validate:"omitempty,min=3,max=50"`
	Description     string          `json:"description" validate:"omitempty,min=10,max=500"`
	Topic           *string         `json:"topic" validate:"omitempty,max=100"`
	Schedule        *UpdateSchedule `json:"schedule"`
	Location        *Location       `json:"location"`
	Level           Level           `json:"level" validate:"omitempty,oneof=beginner intermediate advanced"`
	Grade           Level           `json:"grade" validate:"omitempty,oneof=beginner intermediate advanced"` // alias for Level
	MaxParticipants *int            `json:"max_participants" validate:"omitempty,min=1,max=100"`
	Status          Status          `json:"status" validate:"omitempty,oneof=scheduled in-progress completed cancelled"`
	Tags            []string        `json:"tags"`
	Notes           *string         `json:"notes"`
}

type UpdateSchedule struct {
	Date      *time.Time `json:"date"`
	StartTime string     `json:"start_time" validate:"omitempty,timehm"`
	EndTime   string     `json:"end_time" validate:"omitempty,timehm"`
}

func (us *UpdateSession) Validate(validate *validator.Validate) error {
	us.Subject = core.CleanString(us.Subject, true /* lower */)
	us.Description = core.CleanString(us.Description)
	if us.Topic != nil {
		topic := core.CleanString(*us.Topic)
		us.Topic = &topic
	}
	if us.Tags != nil {
		us.Tags = normalizeTags(us.Tags)
	}
	if us.Level == "" && us.Grade != "" {
		us.Level = us.Grade
	}
	return validate.Struct(us)
}

// ApplyUpdate applies a sparse field update, recomputing the schedule duration
// whenever a time boundary changes. The creation-time future-date check is
// deliberately not reapplied here.
func (s *Session) ApplyUpdate(us UpdateSession, now time.Time) error {
	if us.Subject != "" {
		s.Subject = us.Subject
	}
	if us.Description != "" {
		s.Description = us.Description
	}
	if us.Topic != nil {
		s.Topic = *us.Topic
	}
	if us.Level != "" {
		s.Level = us.Level
	}
	if us.Tags != nil {
		s.Tags = us.Tags
	}
	if us.Notes != nil {
		s.Notes = *us.Notes
	}
	if us.Location != nil {
		s.Location = *us.Location
	}

	if us.Schedule != nil {
		if us.Schedule.Date != nil {
			s.Schedule.Date = us.Schedule.Date.UTC()
		}
		start, end := s.Schedule.StartTime, s.Schedule.EndTime
		if us.Schedule.StartTime != "" {
			start = us.Schedule.StartTime
		}
		if us.Schedule.EndTime != "" {
			end = us.Schedule.EndTime
		}
		if start != s.Schedule.StartTime || end != s.Schedule.EndTime {
			duration, err := computeDuration(start, end)
			if err != nil {
				return core.NewValidationError(err, core.FieldError{Field: "schedule", Error: err.Error()})
			}
			s.Schedule.StartTime = start
			s.Schedule.EndTime = end
			s.Schedule.Duration = duration
		}
	}

	if us.MaxParticipants != nil {
		if *us.MaxParticipants < s.Capacity.CurrentEnrolled {
			err := fmt.Errorf("max_participants cannot be lower than the %d currently enrolled", s.Capacity.CurrentEnrolled)
			return core.NewValidationError(err, core.FieldError{Field: "max_participants", Error: err.Error()})
		}
		s.Capacity.MaxParticipants = *us.MaxParticipants
	}

	if us.Status != "" {
		if !s.canTransitionTo(us.Status) {
			err := fmt.Errorf("cannot transition session from %q to %q", s.Status, us.Status)
			return core.NewValidationError(err, core.FieldError{Field: "status", Error: err.Error()})
		}
		s.Status = us.Status
	}

	s.UpdatedAt = now
	return nil
}

// SessionFeedback is a participant's write-once rating of a session.
type SessionFeedback struct {
	Rating   int    `json:"rating" validate:"required,min=1,max=5"`
	Feedback string `json:"feedback" validate:"omitempty,max=500"`
}

func (sf *SessionFeedback) Validate(validate *validator.Validate) error {
	sf.Feedback = core.CleanString(sf.Feedback)
	return validate.Struct(sf)
}

// computeDuration derives the session length in minutes; end must be after start.
func computeDuration(start, end string) (int, error) {
	startMin, err := parseTimeOfDay(start)
	if err != nil {
		return 0, err
	}
	endMin, err := parseTimeOfDay(end)
	if err != nil {
		return 0, err
	}
	duration := endMin - startMin
	if duration <= 0 {
		return 0, errors.New("end time must be after start time")
	}
	return duration, nil
}

func parseTimeOfDay(v string) (int, error) {
	if !timeHMRegex.MatchString(v) {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	parts := strings.SplitN(v, ":", 2)
	hours, _ := strconv.Atoi(parts[0])
	minutes, _ := strconv.Atoi(parts[1])
	return hours*60 + minutes, nil
}

// normalizeTags trims, lowers, dedupes and sorts tags.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = core.CleanString(tag, true /* lower */)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		cleaned = append(cleaned, tag)
	}
	sort.Strings(cleaned)
	return cleaned
}
