package session

import (
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/tutorhub/core"
)

func newValidate() *validator.Validate {
	validate := validator.New()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	core.InitValidators(validate, translator)
	InitValidators(validate, translator)
	return validate
}

func validNewSession(date time.Time) NewSession {
	return NewSession{
		Subject:         "Mathematics",
		Description:     "Linear algebra fundamentals for first-years.",
		Schedule:        NewSchedule{Date: date, StartTime: "14:00", EndTime: "15:30"},
		MaxParticipants: 5,
	}
}

func TestNewSession_Validate(t *testing.T) {
	validate := newValidate()
	future := time.Now().Add(48 * time.Hour)

	tests := []struct {
		name    string
		mutate  func(ns *NewSession)
		wantErr bool
	}{
		{name: "valid"},
		{
			name:    "subject too short",
			mutate:  func(ns *NewSession) { ns.Subject = "ab" },
			wantErr: true,
		},
		{
			name:    "missing description",
			mutate:  func(ns *NewSession) { ns.Description = "" },
			wantErr: true,
		},
		{
			name:    "malformed start time",
			mutate:  func(ns *NewSession) { ns.Schedule.StartTime = "25:00" },
			wantErr: true,
		},
		{
			name:    "end before start",
			mutate:  func(ns *NewSession) { ns.Schedule.StartTime, ns.Schedule.EndTime = "16:00", "14:00" },
			wantErr: true,
		},
		{
			name:    "date in the past",
			mutate:  func(ns *NewSession) { ns.Schedule.Date = time.Now().Add(-time.Hour) },
			wantErr: true,
		},
		{
			name:    "zero capacity",
			mutate:  func(ns *NewSession) { ns.MaxParticipants = 0 },
			wantErr: true,
		},
		{
			name:    "unknown level",
			mutate:  func(ns *NewSession) { ns.Level = "expert" },
			wantErr: true,
		},
		{
			name:    "admin-assigned tutor id not a uuid",
			mutate:  func(ns *NewSession) { ns.TutorID = "not-a-uuid" },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := validNewSession(future)
			if tt.mutate != nil {
				tt.mutate(&ns)
			}
			err := ns.Validate(validate)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSession_Validate_normalizes(t *testing.T) {
	validate := newValidate()
	ns := validNewSession(time.Now().Add(48 * time.Hour))
	ns.Subject = "  MatheMatics  "
	ns.Tags = []string{" Algebra ", "algebra", "", "Exam Prep"}

	require.NoError(t, ns.Validate(validate))
	assert.Equal(t, "mathematics", ns.Subject)
	assert.Equal(t, []string{"algebra", "exam prep"}, ns.Tags)
}

func TestNewSession_session_defaults(t *testing.T) {
	validate := newValidate()
	ns := validNewSession(time.Now().Add(48 * time.Hour))
	require.NoError(t, ns.Validate(validate))

	now := time.Now().UTC()
	s := ns.session("tutor-1", now)
	assert.Equal(t, StatusScheduled, s.Status)
	assert.Equal(t, LevelIntermediate, s.Level)
	assert.Equal(t, 90, s.Schedule.Duration)
	assert.Equal(t, 0, s.Capacity.CurrentEnrolled)
	assert.Equal(t, "tutor-1", s.TutorID)
}

func TestSession_AddParticipant(t *testing.T) {
	now := time.Now().UTC()
	s := Session{Capacity: Capacity{MaxParticipants: 2}}

	require.NoError(t, s.AddParticipant("u1", now))
	require.NoError(t, s.AddParticipant("u2", now))
	assert.Equal(t, 2, s.Capacity.CurrentEnrolled)
	assert.True(t, s.IsFull())
	assert.Equal(t, 0, s.AvailableSeats())

	// full
	assert.Equal(t, ErrSessionFull, s.AddParticipant("u3", now))

	// duplicate
	require.NoError(t, s.RemoveParticipant("u2", now))
	assert.Equal(t, ErrAlreadyEnrolled, s.AddParticipant("u1", now))
}

func TestSession_RemoveParticipant(t *testing.T) {
	now := time.Now().UTC()
	s := Session{Capacity: Capacity{MaxParticipants: 2}}

	assert.Equal(t, ErrNotEnrolled, s.RemoveParticipant("u1", now))

	require.NoError(t, s.AddParticipant("u1", now))
	require.NoError(t, s.RemoveParticipant("u1", now))
	assert.Equal(t, 0, s.Capacity.CurrentEnrolled)
	assert.Empty(t, s.Participants)

	// join-leave-join works
	require.NoError(t, s.AddParticipant("u1", now))
	assert.Equal(t, 1, s.Capacity.CurrentEnrolled)
}

func TestSession_RecordFeedback(t *testing.T) {
	now := time.Now().UTC()
	s := Session{Capacity: Capacity{MaxParticipants: 2}}

	assert.Equal(t, ErrNotEnrolled, s.RecordFeedback("u1", 5, "great", now))

	require.NoError(t, s.AddParticipant("u1", now))
	require.NoError(t, s.RecordFeedback("u1", 5, "great", now))
	assert.True(t, s.Participants[0].FeedbackGiven)
	assert.Equal(t, 5, s.Participants[0].Rating)

	// write-once
	assert.Equal(t, ErrFeedbackGiven, s.RecordFeedback("u1", 1, "changed my mind", now))
}

func TestSession_ApplyUpdate_statusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		wantErr bool
	}{
		{StatusScheduled, StatusInProgress, false},
		{StatusScheduled, StatusCancelled, false},
		{StatusScheduled, StatusCompleted, true},
		{StatusInProgress, StatusCompleted, false},
		{StatusInProgress, StatusCancelled, false},
		{StatusInProgress, StatusScheduled, true},
		{StatusCompleted, StatusScheduled, true},
		{StatusCancelled, StatusInProgress, true},
		{StatusScheduled, StatusScheduled, false}, // no-op
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+" to "+string(tt.to), func(t *testing.T) {
			s := Session{Status: tt.from, Capacity: Capacity{MaxParticipants: 5}}
			err := s.ApplyUpdate(UpdateSession{Status: tt.to}, time.Now().UTC())
			if tt.wantErr {
				require.Error(t, err)
				assert.IsType(t, &core.ValidationError{}, err)
				assert.Equal(t, tt.from, s.Status)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.to, s.Status)
			}
		})
	}
}

func TestSession_ApplyUpdate(t *testing.T) {
	now := time.Now().UTC()

	t.Run("capacity cannot drop below enrollment", func(t *testing.T) {
		s := Session{Status: StatusScheduled, Capacity: Capacity{MaxParticipants: 5}}
		require.NoError(t, s.AddParticipant("u1", now))
		require.NoError(t, s.AddParticipant("u2", now))

		lower := 1
		err := s.ApplyUpdate(UpdateSession{MaxParticipants: &lower}, now)
		require.Error(t, err)
		assert.Equal(t, 5, s.Capacity.MaxParticipants)

		ok := 2
		require.NoError(t, s.ApplyUpdate(UpdateSession{MaxParticipants: &ok}, now))
		assert.Equal(t, 2, s.Capacity.MaxParticipants)
	})

	t.Run("time change recomputes duration", func(t *testing.T) {
		s := Session{
			Status:   StatusScheduled,
			Schedule: Schedule{Date: now.Add(48 * time.Hour), StartTime: "14:00", EndTime: "15:30", Duration: 90},
			Capacity: Capacity{MaxParticipants: 5},
		}
		require.NoError(t, s.ApplyUpdate(UpdateSession{Schedule: &UpdateSchedule{EndTime: "16:00"}}, now))
		assert.Equal(t, 120, s.Schedule.Duration)
	})

	t.Run("inverted time window rejected", func(t *testing.T) {
		s := Session{
			Status:   StatusScheduled,
			Schedule: Schedule{Date: now.Add(48 * time.Hour), StartTime: "14:00", EndTime: "15:30", Duration: 90},
			Capacity: Capacity{MaxParticipants: 5},
		}
		err := s.ApplyUpdate(UpdateSession{Schedule: &UpdateSchedule{EndTime: "13:00"}}, now)
		require.Error(t, err)
		assert.Equal(t, 90, s.Schedule.Duration)
	})

	t.Run("grade aliases level", func(t *testing.T) {
		validate := newValidate()
		us := UpdateSession{Grade: LevelAdvanced}
		require.NoError(t, us.Validate(validate))
		assert.Equal(t, LevelAdvanced, us.Level)
	})
}

func Test_computeDuration(t *testing.T) {
	tests := []struct {
		start, end string
		want       int
		wantErr    bool
	}{
		{"09:00", "10:00", 60, false},
		{"09:15", "11:45", 150, false},
		{"23:00", "23:59", 59, false},
		{"10:00", "10:00", 0, true},
		{"10:00", "09:00", 0, true},
		{"junk", "10:00", 0, true},
	}
	for _, tt := range tests {
		got, err := computeDuration(tt.start, tt.end)
		if tt.wantErr {
			assert.Error(t, err, "%s-%s", tt.start, tt.end)
		} else {
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got, "%s-%s", tt.start, tt.end)
		}
	}
}
