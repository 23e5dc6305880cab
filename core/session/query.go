package session

import (
	"strings"
	"time"

	"github.com/trezcool/tutorhub/core"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// sortableFields whitelists the fields a caller may sort on.
var sortableFields = map[string]struct{}{
	"schedule.date":            {},
	"subject":                  {},
	"level":                    {},
	"createdAt":                {},
	"capacity.maxParticipants": {},
	"capacity.currentEnrolled": {},
}

type (
	// QueryFilter is the flat parameter set accepted by session list endpoints.
	QueryFilter struct {
		Subject            string `query:"subject"`
		Level              string `query:"level"`
		Grade              string `query:"grade"` // alias for Level
		Tutor              string `query:"tutor"`
		Tag                string `query:"tag"`
		LocationType       string `query:"locationType"`
		AvailableSeatsOnly bool   `query:"availableSeatsOnly"`
		Status             string `query:"status"`
		IncludeCompleted   bool   `query:"includeCompleted"`
		Page               int    `query:"page"`
		Limit              int    `query:"limit"`
		SortBy             string `query:"sortBy"`
		SortOrder          string `query:"sortOrder"`
	}

	// QueryPlan is the normalized filter + sort + pagination description passed
	// to storage. No raw client input reaches the storage layer unescaped.
	QueryPlan struct {
		Subjects     []string // case-insensitive partial matches, OR
		Levels       []Level
		TutorID      string
		Tags         []string // case-insensitive partial matches, OR
		LocationType LocationType
		Statuses     []Status
		NotBefore    time.Time // zero = no date restriction
		AvailableOnly bool

		Ordering core.DBOrdering
		Page     int
		Limit    int
		Offset   int
	}
)

// BuildPlan normalizes the filter into a query plan. Unknown sort fields fall
// back to schedule.date ascending; invalid level tokens are silently dropped.
func (qf QueryFilter) BuildPlan(now time.Time) QueryPlan {
	plan := QueryPlan{
		Subjects: splitTokens(qf.Subject),
		TutorID:  core.CleanString(qf.Tutor),
		Tags:     splitTokens(qf.Tag),
	}

	levels := qf.Level
	if levels == "" {
		levels = qf.Grade
	}
	for _, token := range splitTokens(levels) {
		switch Level(token) {
		case LevelBeginner, LevelIntermediate, LevelAdvanced:
			plan.Levels = append(plan.Levels, Level(token))
		}
		// invalid tokens are dropped, not an error
	}

	switch LocationType(core.CleanString(qf.LocationType, true /* lower */)) {
	case LocationOnline:
		plan.LocationType = LocationOnline
	case LocationOffline:
		plan.LocationType = LocationOffline
	case LocationHybrid:
		plan.LocationType = LocationHybrid
	}

	for _, token := range splitTokens(qf.Status) {
		switch Status(token) {
		case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
			plan.Statuses = append(plan.Statuses, Status(token))
		}
	}
	// default: upcoming scheduled sessions only, unless the caller opted out
	if len(plan.Statuses) == 0 && !qf.IncludeCompleted {
		plan.Statuses = []Status{StatusScheduled}
		plan.NotBefore = now
	}

	plan.AvailableOnly = qf.AvailableSeatsOnly

	plan.Page = qf.Page
	if plan.Page < 1 {
		plan.Page = 1
	}
	plan.Limit = qf.Limit
	if plan.Limit < 1 {
		plan.Limit = defaultPageLimit
	} else if plan.Limit > maxPageLimit {
		plan.Limit = maxPageLimit
	}
	plan.Offset = (plan.Page - 1) * plan.Limit

	plan.Ordering = core.DBOrdering{Field: "schedule.date", Ascending: true}
	if _, ok := sortableFields[qf.SortBy]; ok {
		plan.Ordering.Field = qf.SortBy
		plan.Ordering.Ascending = parseSortOrder(qf.SortOrder)
	}
	return plan
}

// splitTokens comma-splits, trims, lowers and drops empty tokens.
func splitTokens(v string) []string {
	if v == "" {
		return nil
	}
	var tokens []string
	for _, token := range strings.Split(v, ",") {
		token = core.CleanString(token, true /* lower */)
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// parseSortOrder accepts asc/desc (case-insensitive) and the numeric 1/-1 forms.
func parseSortOrder(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "desc", "-1":
		return false
	default:
		return true
	}
}
