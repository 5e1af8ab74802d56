package schedule

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned when an expression does not parse for its type.
var ErrInvalidExpression = errors.New("invalid schedule expression")

// Standard 5-field parser (minute hour dom month dow) plus descriptors such as "@hourly".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidExpression, "cron %q: %v", expr, err)
	}
	return sched, nil
}

// parseFrequency accepts Go durations ("30s", "10m", "1h30m"). Zero and negative
// intervals are rejected.
func parseFrequency(expr string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(expr))
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidExpression, "frequency %q: %v", expr, err)
	}
	if d <= 0 {
		return 0, errors.Wrapf(ErrInvalidExpression, "frequency %q must be positive", expr)
	}
	return d, nil
}

// NextFireTime computes when s is next due. The base is whichever of reference and
// lastExecuted is later; a zero lastExecuted means the schedule has never fired.
func (s Schedule) NextFireTime(reference, lastExecuted time.Time) time.Time {
	base := reference
	if lastExecuted.After(base) {
		base = lastExecuted
	}
	switch s.typ {
	case Cron:
		return s.cron.Next(base)
	case Frequency:
		return base.Add(s.every)
	default:
		return time.Time{}
	}
}
