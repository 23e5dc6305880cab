package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/tutorhub/core"
)

func TestQueryFilter_BuildPlan_defaults(t *testing.T) {
	now := time.Now().UTC()
	plan := QueryFilter{}.BuildPlan(now)

	assert.Equal(t, []Status{StatusScheduled}, plan.Statuses)
	assert.Equal(t, now, plan.NotBefore)
	assert.Equal(t, 1, plan.Page)
	assert.Equal(t, defaultPageLimit, plan.Limit)
	assert.Equal(t, 0, plan.Offset)
	assert.Equal(t, core.DBOrdering{Field: "schedule.date", Ascending: true}, plan.Ordering)
}

func TestQueryFilter_BuildPlan_statuses(t *testing.T) {
	now := time.Now().UTC()

	t.Run("includeCompleted opts out of the default restriction", func(t *testing.T) {
		plan := QueryFilter{IncludeCompleted: true}.BuildPlan(now)
		assert.Empty(t, plan.Statuses)
		assert.True(t, plan.NotBefore.IsZero())
	})

	t.Run("explicit statuses override the default", func(t *testing.T) {
		plan := QueryFilter{Status: "completed,cancelled"}.BuildPlan(now)
		assert.Equal(t, []Status{StatusCompleted, StatusCancelled}, plan.Statuses)
		assert.True(t, plan.NotBefore.IsZero())
	})

	t.Run("invalid tokens are dropped", func(t *testing.T) {
		plan := QueryFilter{Status: "bogus,in-progress"}.BuildPlan(now)
		assert.Equal(t, []Status{StatusInProgress}, plan.Statuses)
	})
}

func TestQueryFilter_BuildPlan_levels(t *testing.T) {
	now := time.Now().UTC()

	plan := QueryFilter{Level: "beginner,ADVANCED,phd"}.BuildPlan(now)
	assert.Equal(t, []Level{LevelBeginner, LevelAdvanced}, plan.Levels)

	// grade is an alias for level
	plan = QueryFilter{Grade: "advanced"}.BuildPlan(now)
	assert.Equal(t, []Level{LevelAdvanced}, plan.Levels)

	// level wins when both are set
	plan = QueryFilter{Level: "beginner", Grade: "advanced"}.BuildPlan(now)
	assert.Equal(t, []Level{LevelBeginner}, plan.Levels)
}

func TestQueryFilter_BuildPlan_tokens(t *testing.T) {
	now := time.Now().UTC()
	plan := QueryFilter{Subject: " Math , ,Physics", Tag: "Algebra"}.BuildPlan(now)

	assert.Equal(t, []string{"math", "physics"}, plan.Subjects)
	assert.Equal(t, []string{"algebra"}, plan.Tags)
}

func TestQueryFilter_BuildPlan_pagination(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name                          string
		page, limit                   int
		wantPage, wantLimit, wantOffs int
	}{
		{"defaults", 0, 0, 1, defaultPageLimit, 0},
		{"negative page", -3, 20, 1, 20, 0},
		{"limit above cap", 2, 500, 2, maxPageLimit, maxPageLimit},
		{"regular", 3, 25, 3, 25, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := QueryFilter{Page: tt.page, Limit: tt.limit}.BuildPlan(now)
			assert.Equal(t, tt.wantPage, plan.Page)
			assert.Equal(t, tt.wantLimit, plan.Limit)
			assert.Equal(t, tt.wantOffs, plan.Offset)
		})
	}
}

func TestQueryFilter_BuildPlan_sorting(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name      string
		sortBy    string
		sortOrder string
		want      core.DBOrdering
	}{
		{"default", "", "", core.DBOrdering{Field: "schedule.date", Ascending: true}},
		{"subject desc", "subject", "desc", core.DBOrdering{Field: "subject", Ascending: false}},
		{"numeric desc", "createdAt", "-1", core.DBOrdering{Field: "createdAt", Ascending: false}},
		{"numeric asc", "level", "1", core.DBOrdering{Field: "level", Ascending: true}},
		{"capacity field", "capacity.currentEnrolled", "desc", core.DBOrdering{Field: "capacity.currentEnrolled", Ascending: false}},
		{"unknown field falls back", "password_hash", "desc", core.DBOrdering{Field: "schedule.date", Ascending: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := QueryFilter{SortBy: tt.sortBy, SortOrder: tt.sortOrder}.BuildPlan(now)
			assert.Equal(t, tt.want, plan.Ordering)
		})
	}
}

func TestQueryFilter_BuildPlan_misc(t *testing.T) {
	now := time.Now().UTC()

	plan := QueryFilter{LocationType: "Online", AvailableSeatsOnly: true, Tutor: " abc "}.BuildPlan(now)
	assert.Equal(t, LocationOnline, plan.LocationType)
	assert.True(t, plan.AvailableOnly)
	assert.Equal(t, "abc", plan.TutorID)

	plan = QueryFilter{LocationType: "moon"}.BuildPlan(now)
	assert.Empty(t, plan.LocationType)
}
