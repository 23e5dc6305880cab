package session

import (
	"regexp"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/tutorhub/core"
)

var (
	timeHMTag   = "timehm"
	timeHMText  = "must be a 24h time in HH:MM format"
	timeHMRegex = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

	futureDateTag  = "futuredate"
	futureDateText = "must be in the future"

	endAfterStartTag  = "endafterstart"
	endAfterStartText = "end time must be after start time"

	nowFunc = time.Now // mockable
)

// InitValidators registers the session domain's custom validators and translations.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(timeHMTag, timeHMValidation)
	core.RegisterCustomTranslation(validate, translator, timeHMTag, timeHMText)

	validate.RegisterStructValidation(newSessionStructValidation, NewSession{})
	core.RegisterCustomTranslation(validate, translator, futureDateTag, futureDateText)
	core.RegisterCustomTranslation(validate, translator, endAfterStartTag, endAfterStartText)
}

// timeHMValidation only allows 24h "HH:MM" time strings.
func timeHMValidation(fl validator.FieldLevel) bool {
	return timeHMRegex.MatchString(fl.Field().String())
}

// newSessionStructValidation does struct level validation on NewSession:
// the scheduled date must be in the future and the time window must be positive.
// All violations are reported together.
func newSessionStructValidation(sl validator.StructLevel) {
	ns, ok := sl.Current().Interface().(NewSession)
	if !ok {
		return
	}

	if !ns.Schedule.Date.IsZero() && !ns.Schedule.Date.After(nowFunc()) {
		sl.ReportError(ns.Schedule.Date, "schedule.date", "Date", futureDateTag, "")
	}

	// only check the window once both boundaries are well-formed
	if timeHMRegex.MatchString(ns.Schedule.StartTime) && timeHMRegex.MatchString(ns.Schedule.EndTime) {
		if _, err := computeDuration(ns.Schedule.StartTime, ns.Schedule.EndTime); err != nil {
			sl.ReportError(ns.Schedule.EndTime, "schedule.end_time", "EndTime", endAfterStartTag, "")
		}
	}
}
