package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/tutorhub/core"
	"github.com/trezcool/tutorhub/core/session"
	"github.com/trezcool/tutorhub/core/user"
	calendarsvc "github.com/trezcool/tutorhub/services/calendar"
	emailsvc "github.com/trezcool/tutorhub/services/email"
	dummydb "github.com/trezcool/tutorhub/storage/database/dummy"
)

type testLogger struct{}

func (testLogger) Enable(bool)                  {}
func (testLogger) Debug(string, ...interface{}) {}
func (testLogger) Info(string, ...interface{})  {}
func (testLogger) Warn(string, ...interface{})  {}
func (testLogger) Error(string, ...interface{}) {}
func (testLogger) Fatal(string, ...interface{}) {}

// failingCalendar simulates an unreachable provider.
type failingCalendar struct{}

func (failingCalendar) CreateEvent(context.Context, core.CalendarEvent) (string, error) {
	return "", errors.New("provider unreachable")
}
func (failingCalendar) UpdateEvent(context.Context, string, core.CalendarEvent) error {
	return errors.New("provider unreachable")
}
func (failingCalendar) DeleteEvent(context.Context, string) error {
	return errors.New("provider unreachable")
}

type testEnv struct {
	svc      session.Service
	repo     session.Repository
	usrSvc   user.Service
	calSvc   core.CalendarService
	conf     *core.Config
	validate *validator.Validate
}

func newConf() *core.Config {
	return &core.Config{
		TestMode: true,
		AppName:  "TutorHub",
		Calendar: core.CalendarConfig{Timeout: 2 * time.Second},
	}
}

func setup(t *testing.T, cal ...core.CalendarService) *testEnv {
	t.Helper()

	db, err := dummydb.Open()
	require.NoError(t, err)

	conf := newConf()
	validate := validator.New()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	core.InitValidators(validate, translator)
	session.InitValidators(validate, translator)

	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	usrSvc := user.NewServiceMock(dummydb.NewUserRepository(db), mailSvc, conf)

	var calSvc core.CalendarService = calendarsvc.NewConsoleService(testLogger{})
	if len(cal) > 0 {
		calSvc = cal[0]
	}

	repo := dummydb.NewSessionRepository(db)
	svc := session.NewService(repo, usrSvc, calSvc, mailSvc, testLogger{}, validate, conf)
	return &testEnv{svc: svc, repo: repo, usrSvc: usrSvc, calSvc: calSvc, conf: conf, validate: validate}
}

func (env *testEnv) addUser(t *testing.T, uname string, roles []string) user.User {
	t.Helper()
	usr, err := env.usrSvc.Create(context.Background(), user.NewUser{
		Name:     uname,
		Username: uname,
		Email:    uname + "@example.test",
		Password: "V3ry$ecret!",
		Roles:    roles,
	})
	require.NoError(t, err)
	return usr
}

func newSessionData(maxParticipants int) session.NewSession {
	return session.NewSession{
		Subject:         "Mathematics",
		Description:     "Linear algebra fundamentals for first-years.",
		Schedule:        session.NewSchedule{Date: time.Now().Add(48 * time.Hour), StartTime: "14:00", EndTime: "15:30"},
		MaxParticipants: maxParticipants,
	}
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	admin := env.addUser(t, "admin", user.AdminRoles)
	tutor := env.addUser(t, "tutor", user.TutorRoles)
	student := env.addUser(t, "student", user.StudentRoles)

	t.Run("students may not create sessions", func(t *testing.T) {
		_, err := env.svc.Create(ctx, student, newSessionData(5))
		assert.Equal(t, session.ErrNotAllowed, errors.Cause(err))
	})

	t.Run("tutor becomes the owner", func(t *testing.T) {
		s, err := env.svc.Create(ctx, tutor, newSessionData(5))
		require.NoError(t, err)
		assert.Equal(t, tutor.ID, s.TutorID)
		assert.Equal(t, session.StatusScheduled, s.Status)

		// calendar sync runs synchronously in test mode; ref is persisted
		stored, err := env.repo.GetSessionByID(ctx, s.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, stored.ExternalCalendarRef)
	})

	t.Run("admin may assign a tutor", func(t *testing.T) {
		data := newSessionData(5)
		data.TutorID = tutor.ID
		s, err := env.svc.Create(ctx, admin, data)
		require.NoError(t, err)
		assert.Equal(t, tutor.ID, s.TutorID)
	})

	t.Run("tutor may not assign someone else", func(t *testing.T) {
		data := newSessionData(5)
		data.TutorID = admin.ID
		_, err := env.svc.Create(ctx, tutor, data)
		assert.Equal(t, session.ErrNotAllowed, errors.Cause(err))
	})

	t.Run("assigned tutor must exist", func(t *testing.T) {
		data := newSessionData(5)
		data.TutorID = uuid.New().String()
		_, err := env.svc.Create(ctx, admin, data)
		assert.Equal(t, session.ErrTutorNotFound, errors.Cause(err))
	})

	t.Run("assigned user must hold the tutor role", func(t *testing.T) {
		data := newSessionData(5)
		data.TutorID = student.ID
		_, err := env.svc.Create(ctx, admin, data)
		assert.IsType(t, &core.ValidationError{}, errors.Cause(err))
	})
}

func TestService_Update(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	admin := env.addUser(t, "admin", user.AdminRoles)
	owner := env.addUser(t, "owner", user.TutorRoles)
	other := env.addUser(t, "other", user.TutorRoles)

	s, err := env.svc.Create(ctx, owner, newSessionData(5))
	require.NoError(t, err)

	t.Run("only the owner or an admin may update", func(t *testing.T) {
		_, err := env.svc.Update(ctx, other, s.ID, session.UpdateSession{Subject: "chemistry basics"})
		assert.Equal(t, session.ErrNotAllowed, errors.Cause(err))

		updated, err := env.svc.Update(ctx, owner, s.ID, session.UpdateSession{Subject: "chemistry basics"})
		require.NoError(t, err)
		assert.Equal(t, "chemistry basics", updated.Subject)

		updated, err = env.svc.Update(ctx, admin, s.ID, session.UpdateSession{Status: session.StatusInProgress})
		require.NoError(t, err)
		assert.Equal(t, session.StatusInProgress, updated.Status)
	})

	t.Run("malformed id maps to not found", func(t *testing.T) {
		_, err := env.svc.Update(ctx, owner, "nope", session.UpdateSession{})
		assert.Equal(t, session.ErrNotFound, errors.Cause(err))
	})
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("owner deletes, event removed", func(t *testing.T) {
		cal := calendarsvc.NewConsoleService(testLogger{})
		env := setup(t, cal)
		owner := env.addUser(t, "owner", user.TutorRoles)
		s, err := env.svc.Create(ctx, owner, newSessionData(5))
		require.NoError(t, err)
		assert.Len(t, cal.Events(), 1)

		require.NoError(t, env.svc.Delete(ctx, owner, s.ID))
		_, err = env.svc.GetByID(ctx, s.ID)
		assert.Equal(t, session.ErrNotFound, errors.Cause(err))
		assert.Empty(t, cal.Events())
	})

	t.Run("calendar failure never blocks deletion", func(t *testing.T) {
		env := setup(t, failingCalendar{})
		owner := env.addUser(t, "owner", user.TutorRoles)
		s, err := env.svc.Create(ctx, owner, newSessionData(5))
		require.NoError(t, err)

		require.NoError(t, env.svc.Delete(ctx, owner, s.ID))
		_, err = env.svc.GetByID(ctx, s.ID)
		assert.Equal(t, session.ErrNotFound, errors.Cause(err))
	})

	t.Run("non-owner denied", func(t *testing.T) {
		env := setup(t)
		owner := env.addUser(t, "owner", user.TutorRoles)
		student := env.addUser(t, "student", user.StudentRoles)
		s, err := env.svc.Create(ctx, owner, newSessionData(5))
		require.NoError(t, err)

		assert.Equal(t, session.ErrNotAllowed, errors.Cause(env.svc.Delete(ctx, student, s.ID)))
	})
}

func TestService_JoinLeave(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	owner := env.addUser(t, "owner", user.TutorRoles)
	s1 := env.addUser(t, "student1", user.StudentRoles)
	s2 := env.addUser(t, "student2", user.StudentRoles)

	s, err := env.svc.Create(ctx, owner, newSessionData(1))
	require.NoError(t, err)

	emailsvc.ClearSentMessages()

	joined, err := env.svc.Join(ctx, s1, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, joined.Capacity.CurrentEnrolled)
	assert.Len(t, emailsvc.SentMessages, 1) // enrollment confirmation

	t.Run("duplicate join rejected", func(t *testing.T) {
		_, err := env.svc.Join(ctx, s1, s.ID)
		assert.IsType(t, &core.ValidationError{}, errors.Cause(err))
	})

	t.Run("full session rejected", func(t *testing.T) {
		_, err := env.svc.Join(ctx, s2, s.ID)
		assert.IsType(t, &core.ValidationError{}, errors.Cause(err))
	})

	t.Run("leave frees the seat", func(t *testing.T) {
		left, err := env.svc.Leave(ctx, s1, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, left.Capacity.CurrentEnrolled)

		// seat is reusable, including by the same student
		_, err = env.svc.Join(ctx, s2, s.ID)
		require.NoError(t, err)
		_, err = env.svc.Leave(ctx, s2, s.ID)
		require.NoError(t, err)
		rejoined, err := env.svc.Join(ctx, s1, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, rejoined.Capacity.CurrentEnrolled)
	})

	t.Run("leaving when not enrolled rejected", func(t *testing.T) {
		_, err := env.svc.Leave(ctx, s2, s.ID)
		assert.IsType(t, &core.ValidationError{}, errors.Cause(err))
	})
}

// Concurrent joins on the same session must never overshoot capacity.
func TestService_Join_concurrent(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	owner := env.addUser(t, "owner", user.TutorRoles)

	const seats = 3
	const contenders = 10

	s, err := env.svc.Create(ctx, owner, newSessionData(seats))
	require.NoError(t, err)

	students := make([]user.User, contenders)
	for i := range students {
		students[i] = env.addUser(t, "student"+string(rune('a'+i)), user.StudentRoles)
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := range students {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Join(ctx, students[i], s.ID)
		}(i)
	}
	wg.Wait()

	var joined int
	for _, err := range errs {
		if err == nil {
			joined++
		}
	}
	assert.Equal(t, seats, joined)

	final, err := env.svc.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, seats, final.Capacity.CurrentEnrolled)
	assert.Equal(t, seats, final.Capacity.MaxParticipants)
}

func TestService_RecordFeedback(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	owner := env.addUser(t, "owner", user.TutorRoles)
	student := env.addUser(t, "student", user.StudentRoles)
	outsider := env.addUser(t, "outsider", user.StudentRoles)

	s, err := env.svc.Create(ctx, owner, newSessionData(5))
	require.NoError(t, err)
	_, err = env.svc.Join(ctx, student, s.ID)
	require.NoError(t, err)

	feedback := session.SessionFeedback{Rating: 4, Feedback: "solid walkthrough"}

	t.Run("participants only", func(t *testing.T) {
		err := env.svc.RecordFeedback(ctx, outsider, s.ID, feedback)
		assert.IsType(t, &core.ValidationError{}, errors.Cause(err))
	})

	t.Run("write-once", func(t *testing.T) {
		require.NoError(t, env.svc.RecordFeedback(ctx, student, s.ID, feedback))

		stored, err := env.svc.GetByID(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, stored.Participants, 1)
		assert.True(t, stored.Participants[0].FeedbackGiven)
		assert.Equal(t, 4, stored.Participants[0].Rating)

		err = env.svc.RecordFeedback(ctx, student, s.ID, session.SessionFeedback{Rating: 1})
		assert.IsType(t, &core.ValidationError{}, errors.Cause(err))
	})

	t.Run("rating bounds enforced", func(t *testing.T) {
		err := env.svc.RecordFeedback(ctx, student, s.ID, session.SessionFeedback{Rating: 6})
		assert.Error(t, err)
	})
}

func TestService_Filter(t *testing.T) {
	ctx := context.Background()
	env := setup(t)
	owner := env.addUser(t, "owner", user.TutorRoles)
	other := env.addUser(t, "other", user.TutorRoles)
	student := env.addUser(t, "student", user.StudentRoles)

	mkSession := func(subject string, level session.Level, maxP int) session.Session {
		data := newSessionData(maxP)
		data.Subject = subject
		data.Level = level
		s, err := env.svc.Create(ctx, owner, data)
		require.NoError(t, err)
		return s
	}

	math := mkSession("mathematics", session.LevelBeginner, 1)
	physics := mkSession("physics", session.LevelAdvanced, 5)
	chemistry := mkSession("chemistry", session.LevelAdvanced, 5)

	otherData := newSessionData(5)
	otherData.Subject = "biology"
	bio, err := env.svc.Create(ctx, other, otherData)
	require.NoError(t, err)

	// a completed session in the past, seeded straight through the repository
	past, err := env.repo.CreateSession(ctx, session.Session{
		TutorID:     owner.ID,
		Subject:     "history",
		Description: "long gone",
		Schedule:    session.Schedule{Date: time.Now().Add(-48 * time.Hour), StartTime: "10:00", EndTime: "11:00", Duration: 60},
		Capacity:    session.Capacity{MaxParticipants: 5},
		Status:      session.StatusCompleted,
	})
	require.NoError(t, err)

	t.Run("default hides past and completed", func(t *testing.T) {
		sessions, page, err := env.svc.Filter(ctx, session.QueryFilter{})
		require.NoError(t, err)
		assert.Equal(t, 4, page.TotalItems)
		for _, s := range sessions {
			assert.NotEqual(t, past.ID, s.ID)
		}
	})

	t.Run("includeCompleted surfaces everything", func(t *testing.T) {
		_, page, err := env.svc.Filter(ctx, session.QueryFilter{IncludeCompleted: true})
		require.NoError(t, err)
		assert.Equal(t, 5, page.TotalItems)
	})

	t.Run("level filter", func(t *testing.T) {
		sessions, _, err := env.svc.Filter(ctx, session.QueryFilter{Level: "advanced"})
		require.NoError(t, err)
		ids := sessionIDs(sessions)
		assert.ElementsMatch(t, []string{physics.ID, chemistry.ID}, ids)
	})

	t.Run("availableSeatsOnly drops full sessions", func(t *testing.T) {
		_, err := env.svc.Join(ctx, student, math.ID)
		require.NoError(t, err)

		sessions, _, err := env.svc.Filter(ctx, session.QueryFilter{AvailableSeatsOnly: true})
		require.NoError(t, err)
		for _, s := range sessions {
			assert.NotEqual(t, math.ID, s.ID)
		}
	})

	t.Run("pages are disjoint and ordered", func(t *testing.T) {
		page1, meta, err := env.svc.Filter(ctx, session.QueryFilter{Limit: 2, SortBy: "subject"})
		require.NoError(t, err)
		page2, _, err := env.svc.Filter(ctx, session.QueryFilter{Limit: 2, Page: 2, SortBy: "subject"})
		require.NoError(t, err)

		assert.Equal(t, 2, meta.TotalPages)
		assert.Len(t, page1, 2)
		assert.Len(t, page2, 2)
		for _, a := range page1 {
			for _, b := range page2 {
				assert.NotEqual(t, a.ID, b.ID)
			}
		}
		assert.True(t, page1[0].Subject <= page1[1].Subject)
	})

	t.Run("by tutor", func(t *testing.T) {
		sessions, _, err := env.svc.GetByTutor(ctx, other.ID, session.QueryFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{bio.ID}, sessionIDs(sessions))
	})

	t.Run("enrolled by", func(t *testing.T) {
		sessions, _, err := env.svc.GetEnrolledBy(ctx, student.ID, session.QueryFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{math.ID}, sessionIDs(sessions))
	})
}

func sessionIDs(sessions []session.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}
