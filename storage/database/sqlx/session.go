package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/tutorhub/core/session"
)

type sessionRow struct {
	ID                  string         `db:"id"`
	TutorID             string         `db:"tutor_id"`
	Subject             string         `db:"subject"`
	Description         string         `db:"description"`
	Topic               string         `db:"topic"`
	ScheduleDate        sql.NullTime   `db:"schedule_date"`
	StartTime           string         `db:"start_time"`
	EndTime             string         `db:"end_time"`
	Duration            int            `db:"duration"`
	LocationType        string         `db:"location_type"`
	Address             string         `db:"address"`
	MeetingLink         string         `db:"meeting_link"`
	MaxParticipants     int            `db:"max_participants"`
	CurrentEnrolled     int            `db:"current_enrolled"`
	Level               string         `db:"level"`
	Status              string         `db:"status"`
	Tags                pq.StringArray `db:"tags"`
	Notes               string         `db:"notes"`
	ExternalCalendarRef string         `db:"external_calendar_ref"`
	CreatedAt           sql.NullTime   `db:"created_at"`
	UpdatedAt           sql.NullTime   `db:"updated_at"`
}

func (r sessionRow) session() session.Session {
	return session.Session{
		ID:          r.ID,
		TutorID:     r.TutorID,
		Subject:     r.Subject,
		Description: r.Description,
		Topic:       r.Topic,
		Schedule: session.Schedule{
			Date:      r.ScheduleDate.Time,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
			Duration:  r.Duration,
		},
		Location: session.Location{
			Type:        session.LocationType(r.LocationType),
			Address:     r.Address,
			MeetingLink: r.MeetingLink,
		},
		Capacity: session.Capacity{
			MaxParticipants: r.MaxParticipants,
			CurrentEnrolled: r.CurrentEnrolled,
		},
		Status:              session.Status(r.Status),
		Level:               session.Level(r.Level),
		Tags:                r.Tags,
		Notes:               r.Notes,
		ExternalCalendarRef: r.ExternalCalendarRef,
		CreatedAt:           r.CreatedAt.Time,
		UpdatedAt:           r.UpdatedAt.Time,
	}
}

type participantRow struct {
	SessionID     string       `db:"session_id"`
	UserID        string       `db:"user_id"`
	JoinedAt      sql.NullTime `db:"joined_at"`
	Status        string       `db:"status"`
	FeedbackGiven bool         `db:"feedback_given"`
	Rating        int          `db:"rating"`
	Feedback      string       `db:"feedback"`
}

func (r participantRow) participant() session.Participant {
	return session.Participant{
		UserID:        r.UserID,
		JoinedAt:      r.JoinedAt.Time,
		Status:        session.ParticipantStatus(r.Status),
		FeedbackGiven: r.FeedbackGiven,
		Rating:        r.Rating,
		Feedback:      r.Feedback,
	}
}

const sessionColumns = `id, tutor_id, subject, description, topic, schedule_date, start_time, end_time, duration,
	location_type, address, meeting_link, max_participants, current_enrolled, level, status, tags, notes,
	external_calendar_ref, created_at, updated_at`

// orderColumns maps query plan sort fields to columns.
var orderColumns = map[string]string{
	"schedule.date":            "schedule_date",
	"subject":                  "subject",
	"level":                    "level",
	"createdAt":                "created_at",
	"capacity.maxParticipants": "max_participants",
	"capacity.currentEnrolled": "current_enrolled",
}

type sessionRepository struct {
	db *sqlx.DB
}

var _ session.Repository = (*sessionRepository)(nil) // interface compliance check

func NewSessionRepository(db *sql.DB) session.Repository {
	return &sessionRepository{db: sqlx.NewDb(db, "postgres")}
}

func (repo *sessionRepository) CreateSession(ctx context.Context, s session.Session) (session.Session, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	q := `INSERT INTO session (` + sessionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	_, err := repo.db.ExecContext(ctx, q,
		s.ID, s.TutorID, s.Subject, s.Description, s.Topic,
		s.Schedule.Date, s.Schedule.StartTime, s.Schedule.EndTime, s.Schedule.Duration,
		s.Location.Type, s.Location.Address, s.Location.MeetingLink,
		s.Capacity.MaxParticipants, s.Capacity.CurrentEnrolled,
		s.Level, s.Status, pq.Array(s.Tags), s.Notes, s.ExternalCalendarRef,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return session.Session{}, errors.Wrap(err, "creating session")
	}
	return s, nil
}

func (repo *sessionRepository) GetSessionByID(ctx context.Context, id string) (session.Session, error) {
	var row sessionRow
	q := `SELECT ` + sessionColumns + ` FROM session WHERE id::text = $1`
	if err := repo.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, errors.Wrap(err, "getting session")
	}

	s := row.session()
	participants, err := repo.loadParticipants(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	s.Participants = participants[id]
	return s, nil
}

func (repo *sessionRepository) FilterSessions(ctx context.Context, plan session.QueryPlan) ([]session.Session, int, error) {
	conds, args := planConds(plan)
	return repo.filter(ctx, plan, conds, args)
}

func (repo *sessionRepository) FilterSessionsByParticipant(ctx context.Context, userID string, plan session.QueryPlan) ([]session.Session, int, error) {
	conds, args := planConds(plan)
	args = append(args, userID)
	conds = append(conds, fmt.Sprintf(
		`EXISTS (SELECT 1 FROM session_participant sp WHERE sp.session_id = session.id AND sp.user_id::text = $%d AND sp.status = 'enrolled')`,
		len(args)))
	return repo.filter(ctx, plan, conds, args)
}

func (repo *sessionRepository) filter(ctx context.Context, plan session.QueryPlan, conds []string, args []interface{}) ([]session.Session, int, error) {
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := repo.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM session`+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "counting sessions")
	}

	direction := "ASC"
	if !plan.Ordering.Ascending {
		direction = "DESC"
	}
	col, ok := orderColumns[plan.Ordering.Field]
	if !ok {
		col = "schedule_date"
	}

	q := fmt.Sprintf(`SELECT %s FROM session%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d`,
		sessionColumns, where, col, direction, len(args)+1, len(args)+2)
	args = append(args, plan.Limit, plan.Offset)

	var rows []sessionRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, 0, errors.Wrap(err, "querying sessions")
	}

	sessions := make([]session.Session, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.session())
		ids = append(ids, row.ID)
	}

	participants, err := repo.loadParticipants(ctx, ids...)
	if err != nil {
		return nil, 0, err
	}
	for i := range sessions {
		sessions[i].Participants = participants[sessions[i].ID]
	}
	return sessions, total, nil
}

// planConds translates a query plan into WHERE conditions. Positional
// arguments are appended in lockstep so callers may extend both.
func planConds(plan session.QueryPlan) ([]string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	patterns := func(tokens []string) interface{} {
		ps := make([]string, 0, len(tokens))
		for _, token := range tokens {
			ps = append(ps, "%"+token+"%")
		}
		return pq.Array(ps)
	}

	if len(plan.Subjects) > 0 {
		conds = append(conds, fmt.Sprintf("subject ILIKE ANY(%s)", arg(patterns(plan.Subjects))))
	}
	if len(plan.Levels) > 0 {
		levels := make([]string, 0, len(plan.Levels))
		for _, lvl := range plan.Levels {
			levels = append(levels, string(lvl))
		}
		conds = append(conds, fmt.Sprintf("level = ANY(%s)", arg(pq.Array(levels))))
	}
	if plan.TutorID != "" {
		conds = append(conds, "tutor_id::text = "+arg(plan.TutorID))
	}
	if len(plan.Tags) > 0 {
		conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE ANY(%s))", arg(patterns(plan.Tags))))
	}
	if plan.LocationType != "" {
		conds = append(conds, "location_type = "+arg(string(plan.LocationType)))
	}
	if len(plan.Statuses) > 0 {
		statuses := make([]string, 0, len(plan.Statuses))
		for _, st := range plan.Statuses {
			statuses = append(statuses, string(st))
		}
		conds = append(conds, fmt.Sprintf("status = ANY(%s)", arg(pq.Array(statuses))))
	}
	if !plan.NotBefore.IsZero() {
		conds = append(conds, "schedule_date >= "+arg(plan.NotBefore.UTC()))
	}
	if plan.AvailableOnly {
		conds = append(conds, "current_enrolled < max_participants")
	}
	return conds, args
}

func (repo *sessionRepository) loadParticipants(ctx context.Context, ids ...string) (map[string][]session.Participant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT session_id, user_id, joined_at, status, feedback_given, rating, feedback
	FROM session_participant WHERE session_id::text = ANY($1) ORDER BY joined_at ASC`
	var rows []participantRow
	if err := repo.db.SelectContext(ctx, &rows, q, pq.Array(ids)); err != nil {
		return nil, errors.Wrap(err, "querying participants")
	}
	participants := make(map[string][]session.Participant, len(ids))
	for _, row := range rows {
		participants[row.SessionID] = append(participants[row.SessionID], row.participant())
	}
	return participants, nil
}

func (repo *sessionRepository) UpdateSession(ctx context.Context, s session.Session) (session.Session, error) {
	// current_enrolled and external_calendar_ref are owned by Join/Leave and
	// SetExternalCalendarRef; never written here.
	q := `UPDATE session SET
		subject = $2, description = $3, topic = $4, schedule_date = $5, start_time = $6, end_time = $7,
		duration = $8, location_type = $9, address = $10, meeting_link = $11, max_participants = $12,
		level = $13, status = $14, tags = $15, notes = $16, updated_at = $17
	WHERE id::text = $1`
	res, err := repo.db.ExecContext(ctx, q,
		s.ID, s.Subject, s.Description, s.Topic,
		s.Schedule.Date, s.Schedule.StartTime, s.Schedule.EndTime, s.Schedule.Duration,
		s.Location.Type, s.Location.Address, s.Location.MeetingLink,
		s.Capacity.MaxParticipants, s.Level, s.Status, pq.Array(s.Tags), s.Notes, s.UpdatedAt,
	)
	if err != nil {
		return session.Session{}, errors.Wrap(err, "updating session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.Session{}, session.ErrNotFound
	}
	return repo.GetSessionByID(ctx, s.ID)
}

func (repo *sessionRepository) SetExternalCalendarRef(ctx context.Context, id, ref string) error {
	res, err := repo.db.ExecContext(ctx, `UPDATE session SET external_calendar_ref = $2 WHERE id::text = $1`, id, ref)
	if err != nil {
		return errors.Wrap(err, "setting calendar ref")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (repo *sessionRepository) DeleteSession(ctx context.Context, id string) error {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM session WHERE id::text = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deleting session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// JoinSession increments the enrollment counter with a conditional UPDATE that
// acquires the session row lock, serializing concurrent joins; the counter can
// never overshoot max_participants. The roster upsert runs in the same
// transaction so a duplicate enrollment rolls the increment back.
func (repo *sessionRepository) JoinSession(ctx context.Context, id string, p session.Participant) (session.Session, error) {
	var s session.Session
	err := repo.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE session SET current_enrolled = current_enrolled + 1, updated_at = $2
			WHERE id::text = $1 AND current_enrolled < max_participants`,
			id, p.JoinedAt)
		if err != nil {
			return errors.Wrap(err, "incrementing enrollment")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err = tx.GetContext(ctx, &exists, `SELECT true FROM session WHERE id::text = $1`, id); err != nil {
				if err == sql.ErrNoRows {
					return session.ErrNotFound
				}
				return errors.Wrap(err, "checking session")
			}
			return session.ErrSessionFull
		}

		// re-activates a previously dropped/cancelled record
		res, err = tx.ExecContext(ctx,
			`INSERT INTO session_participant (session_id, user_id, joined_at, status)
			VALUES ($1, $2, $3, 'enrolled')
			ON CONFLICT (session_id, user_id) DO UPDATE SET status = 'enrolled', joined_at = EXCLUDED.joined_at
			WHERE session_participant.status <> 'enrolled'`,
			id, p.UserID, p.JoinedAt)
		if err != nil {
			return errors.Wrap(err, "enrolling participant")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return session.ErrAlreadyEnrolled
		}

		s, err = repo.getSessionTx(ctx, tx, id)
		return err
	})
	return s, err
}

// LeaveSession locks the session row first, matching JoinSession's lock order,
// then removes the roster record and decrements the counter (floored at 0).
func (repo *sessionRepository) LeaveSession(ctx context.Context, id, userID string) (session.Session, error) {
	var s session.Session
	err := repo.inTx(ctx, func(tx *sqlx.Tx) error {
		var locked bool
		if err := tx.GetContext(ctx, &locked, `SELECT true FROM session WHERE id::text = $1 FOR UPDATE`, id); err != nil {
			if err == sql.ErrNoRows {
				return session.ErrNotFound
			}
			return errors.Wrap(err, "locking session")
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM session_participant WHERE session_id::text = $1 AND user_id::text = $2 AND status = 'enrolled'`,
			id, userID)
		if err != nil {
			return errors.Wrap(err, "removing participant")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return session.ErrNotEnrolled
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE session SET current_enrolled = GREATEST(current_enrolled - 1, 0), updated_at = NOW() WHERE id::text = $1`, id)
		if err != nil {
			return errors.Wrap(err, "decrementing enrollment")
		}

		s, err = repo.getSessionTx(ctx, tx, id)
		return err
	})
	return s, err
}

func (repo *sessionRepository) SetParticipantFeedback(ctx context.Context, id, userID string, rating int, feedback string) error {
	return repo.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE session_participant SET feedback_given = TRUE, rating = $3, feedback = $4
			WHERE session_id::text = $1 AND user_id::text = $2 AND NOT feedback_given`,
			id, userID, rating, feedback)
		if err != nil {
			return errors.Wrap(err, "recording feedback")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		var given bool
		err = tx.GetContext(ctx, &given,
			`SELECT feedback_given FROM session_participant WHERE session_id::text = $1 AND user_id::text = $2`,
			id, userID)
		if err != nil {
			if err == sql.ErrNoRows {
				return session.ErrNotEnrolled
			}
			return errors.Wrap(err, "checking feedback")
		}
		return session.ErrFeedbackGiven
	})
}

func (repo *sessionRepository) getSessionTx(ctx context.Context, tx *sqlx.Tx, id string) (session.Session, error) {
	var row sessionRow
	if err := tx.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM session WHERE id::text = $1`, id); err != nil {
		return session.Session{}, errors.Wrap(err, "getting session")
	}
	s := row.session()

	var prows []participantRow
	q := `SELECT session_id, user_id, joined_at, status, feedback_given, rating, feedback
	FROM session_participant WHERE session_id::text = $1 ORDER BY joined_at ASC`
	if err := tx.SelectContext(ctx, &prows, q, id); err != nil {
		return session.Session{}, errors.Wrap(err, "querying participants")
	}
	for _, prow := range prows {
		s.Participants = append(s.Participants, prow.participant())
	}
	return s, nil
}

func (repo *sessionRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}
