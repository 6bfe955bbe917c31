package scheduling

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so field errors match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the struct's validate tags and converts failures into
// a *ValidationError keyed by json field path.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.add(fieldPath(fe), fieldMessage(fe))
	}
	return out.orNil()
}

// fieldPath drops the top-level struct name: "BookingRequest.patient.name"
// becomes "patient.name".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	case "gtfield":
		return "must be after start_time"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// ValidateWeeklyRule checks a rule in isolation: doctor, day of week in
// [1,7] and start before end.
func ValidateWeeklyRule(r *WeeklyRule) error {
	return validateStruct(r)
}

// ValidateException checks an exception in isolation. Times must be given
// together or not at all.
func ValidateException(e *AvailabilityException) error {
	verr := &ValidationError{}
	if err := validateStruct(e); err != nil {
		var fields *ValidationError
		if !errors.As(err, &fields) {
			return err
		}
		verr = fields
	}
	switch {
	case e.StartTime == nil && e.EndTime != nil:
		verr.add("start_time", "is required when end_time is set")
	case e.StartTime != nil && e.EndTime == nil:
		verr.add("end_time", "is required when start_time is set")
	case e.StartTime != nil:
		if !e.StartTime.Valid() {
			verr.add("start_time", "must be within the day")
		}
		if !e.EndTime.Valid() {
			verr.add("end_time", "must be within the day")
		}
		if *e.EndTime <= *e.StartTime {
			verr.add("end_time", "must be after start_time")
		}
	}
	return verr.orNil()
}

// checkRuleOverlap rejects an available rule that overlaps another available
// rule for the same doctor and day. existing may include r itself.
func checkRuleOverlap(existing []*WeeklyRule, r *WeeklyRule) error {
	if !r.IsAvailable {
		return nil
	}
	for _, o := range existing {
		if o.ID == r.ID || !o.IsAvailable || o.DayOfWeek != r.DayOfWeek {
			continue
		}
		if Overlaps(o.Interval(), r.Interval()) {
			return NewValidationError("start_time",
				fmt.Sprintf("overlaps existing rule %s on day %d", o.Interval(), o.DayOfWeek))
		}
	}
	return nil
}
