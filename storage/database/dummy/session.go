package dummydb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/tutorhub/core/session"
)

type sessionRepository struct {
	db *sessionTable
}

var _ session.Repository = (*sessionRepository)(nil) // interface compliance check

func NewSessionRepository(db *DB) session.Repository {
	return &sessionRepository{db: db.session}
}

// clone copies the aggregate so callers never share roster slices with the table.
func clone(s *session.Session) session.Session {
	out := *s
	out.Participants = append([]session.Participant(nil), s.Participants...)
	out.Tags = append([]string(nil), s.Tags...)
	return out
}

func (repo *sessionRepository) CreateSession(_ context.Context, s session.Session) (session.Session, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	repo.db.table[s.ID] = &s
	return clone(&s), nil
}

func (repo *sessionRepository) GetSessionByID(_ context.Context, id string) (session.Session, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if s, ok := repo.db.table[id]; ok {
		return clone(s), nil
	}
	return session.Session{}, session.ErrNotFound
}

func (repo *sessionRepository) FilterSessions(_ context.Context, plan session.QueryPlan) ([]session.Session, int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.filter(plan, nil)
}

func (repo *sessionRepository) FilterSessionsByParticipant(_ context.Context, userID string, plan session.QueryPlan) ([]session.Session, int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.filter(plan, func(s *session.Session) bool {
		for _, p := range s.Participants {
			if p.UserID == userID && p.Status == session.ParticipantEnrolled {
				return true
			}
		}
		return false
	})
}

func (repo *sessionRepository) filter(plan session.QueryPlan, extra func(*session.Session) bool) ([]session.Session, int, error) {
	var matched []session.Session
	for _, s := range repo.db.table {
		if matchesPlan(s, plan) && (extra == nil || extra(s)) {
			matched = append(matched, clone(s))
		}
	}
	sortSessions(matched, plan)

	total := len(matched)
	if plan.Offset >= total {
		return []session.Session{}, total, nil
	}
	end := plan.Offset + plan.Limit
	if end > total {
		end = total
	}
	return matched[plan.Offset:end], total, nil
}

func matchesPlan(s *session.Session, plan session.QueryPlan) bool {
	if len(plan.Subjects) > 0 && !anyContains(s.Subject, plan.Subjects) {
		return false
	}
	if len(plan.Levels) > 0 {
		var ok bool
		for _, lvl := range plan.Levels {
			if s.Level == lvl {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if plan.TutorID != "" && s.TutorID != plan.TutorID {
		return false
	}
	if len(plan.Tags) > 0 {
		var ok bool
	outer:
		for _, token := range plan.Tags {
			for _, tag := range s.Tags {
				if strings.Contains(tag, token) {
					ok = true
					break outer
				}
			}
		}
		if !ok {
			return false
		}
	}
	if plan.LocationType != "" && s.Location.Type != plan.LocationType {
		return false
	}
	if len(plan.Statuses) > 0 {
		var ok bool
		for _, st := range plan.Statuses {
			if s.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !plan.NotBefore.IsZero() && s.Schedule.Date.Before(plan.NotBefore) {
		return false
	}
	if plan.AvailableOnly && s.Capacity.CurrentEnrolled >= s.Capacity.MaxParticipants {
		return false
	}
	return true
}

func anyContains(v string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(v, token) {
			return true
		}
	}
	return false
}

func sortSessions(sessions []session.Session, plan session.QueryPlan) {
	less := func(a, b session.Session) bool {
		switch plan.Ordering.Field {
		case "subject":
			return a.Subject < b.Subject
		case "level":
			return a.Level < b.Level
		case "createdAt":
			return a.CreatedAt.Before(b.CreatedAt)
		case "capacity.maxParticipants":
			return a.Capacity.MaxParticipants < b.Capacity.MaxParticipants
		case "capacity.currentEnrolled":
			return a.Capacity.CurrentEnrolled < b.Capacity.CurrentEnrolled
		default: // schedule.date
			return a.Schedule.Date.Before(b.Schedule.Date)
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if plan.Ordering.Ascending {
			return less(sessions[i], sessions[j])
		}
		return less(sessions[j], sessions[i])
	})
}

func (repo *sessionRepository) UpdateSession(_ context.Context, s session.Session) (session.Session, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	orig, ok := repo.db.table[s.ID]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	// roster and counter are owned by Join/Leave; keep the stored ones
	s.Participants = orig.Participants
	s.Capacity.CurrentEnrolled = orig.Capacity.CurrentEnrolled
	s.ExternalCalendarRef = orig.ExternalCalendarRef
	repo.db.table[s.ID] = &s
	return clone(&s), nil
}

func (repo *sessionRepository) SetExternalCalendarRef(_ context.Context, id, ref string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	s, ok := repo.db.table[id]
	if !ok {
		return session.ErrNotFound
	}
	s.ExternalCalendarRef = ref
	return nil
}

func (repo *sessionRepository) DeleteSession(_ context.Context, id string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[id]; !ok {
		return session.ErrNotFound
	}
	delete(repo.db.table, id)
	return nil
}

// JoinSession applies the roster append and counter increment under the table
// lock, serializing concurrent joins on the same session id.
func (repo *sessionRepository) JoinSession(_ context.Context, id string, p session.Participant) (session.Session, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	s, ok := repo.db.table[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	if err := s.AddParticipant(p.UserID, p.JoinedAt); err != nil {
		return session.Session{}, err
	}
	return clone(s), nil
}

func (repo *sessionRepository) LeaveSession(_ context.Context, id, userID string) (session.Session, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	s, ok := repo.db.table[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	if err := s.RemoveParticipant(userID, time.Now().UTC()); err != nil {
		return session.Session{}, err
	}
	return clone(s), nil
}

func (repo *sessionRepository) SetParticipantFeedback(_ context.Context, id, userID string, rating int, feedback string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	s, ok := repo.db.table[id]
	if !ok {
		return session.ErrNotFound
	}
	return s.RecordFeedback(userID, rating, feedback, time.Now().UTC())
}
