// Package schedule holds the Schedule value type and the per-job Scheduler that
// decides when a recurring job is due.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Type selects how a Schedule expression is interpreted.
type Type string

const (
	Cron      Type = "CRON"
	Frequency Type = "FREQUENCY"
)

// Schedule is an immutable, validated schedule. The zero value is not valid; use New.
type Schedule struct {
	typ   Type
	expr  string
	cron  cron.Schedule
	every time.Duration
}

// New validates expr for typ. An invalid expression is an error, never a degraded schedule.
func New(typ Type, expr string) (Schedule, error) {
	s := Schedule{typ: typ, expr: expr}
	switch typ {
	case Cron:
		c, err := parseCron(expr)
		if err != nil {
			return Schedule{}, err
		}
		s.cron = c
	case Frequency:
		d, err := parseFrequency(expr)
		if err != nil {
			return Schedule{}, err
		}
		s.every = d
	default:
		return Schedule{}, errors.Wrapf(ErrInvalidExpression, "unknown schedule type %q", typ)
	}
	return s, nil
}

// MustNew is New for statically declared schedules; it panics on an invalid expression.
func MustNew(typ Type, expr string) Schedule {
	s, err := New(typ, expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schedule) Type() Type         { return s.typ }
func (s Schedule) Expression() string { return s.expr }
func (s Schedule) IsZero() bool       { return s.typ == "" }

func (s Schedule) String() string {
	return fmt.Sprintf("%s(%s)", s.typ, s.expr)
}

type wireSchedule struct {
	Type       Type   `json:"type"`
	Expression string `json:"expression"`
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSchedule{Type: s.typ, Expression: s.expr})
}

// UnmarshalJSON validates the decoded expression like New does.
func (s *Schedule) UnmarshalJSON(b []byte) error {
	var w wireSchedule
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	parsed, err := New(w.Type, w.Expression)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
