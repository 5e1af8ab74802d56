package schedule

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFireTime_Frequency(t *testing.T) {
	s, err := New(Frequency, "15s")
	require.NoError(t, err)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(15*time.Second), s.NextFireTime(from, time.Time{}))

	last := from.Add(time.Minute)
	assert.Equal(t, last.Add(15*time.Second), s.NextFireTime(from, last))
}

func TestNextFireTime_Cron(t *testing.T) {
	s, err := New(Cron, "*/5 * * * *")
	require.NoError(t, err)
	from := time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC), s.NextFireTime(from, time.Time{}))
}

func TestNew_Invalid(t *testing.T) {
	cases := []struct {
		typ  Type
		expr string
	}{
		{Cron, "61 * * * *"},
		{Cron, "* * *"},
		{Cron, "not a cron"},
		{Frequency, "0s"},
		{Frequency, "-5m"},
		{Frequency, "often"},
		{Type("WEEKLY"), "1"},
	}
	for _, c := range cases {
		_, err := New(c.typ, c.expr)
		require.Error(t, err, "%s %q", c.typ, c.expr)
		assert.True(t, errors.Is(err, ErrInvalidExpression))
	}
}

func TestNew_Descriptor(t *testing.T) {
	s, err := New(Cron, "@hourly")
	require.NoError(t, err)
	assert.Equal(t, Cron, s.Type())
	assert.Equal(t, "@hourly", s.Expression())
	assert.False(t, s.IsZero())
}

func TestScheduler_FiresOncePerDueTime(t *testing.T) {
	ref := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sc := NewScheduler(MustNew(Frequency, "10s"), ref)

	assert.False(t, sc.Execute(ref))
	assert.False(t, sc.Execute(ref.Add(9*time.Second)))
	assert.True(t, sc.Execute(ref.Add(10*time.Second)))
	assert.False(t, sc.Execute(ref.Add(10*time.Second)))
	assert.Equal(t, ref.Add(20*time.Second), sc.NextExecution())

	// A long gap collapses into a single firing.
	assert.True(t, sc.Execute(ref.Add(time.Hour)))
	assert.False(t, sc.Execute(ref.Add(time.Hour+time.Second)))
	assert.Equal(t, ref.Add(time.Hour), sc.LastExecution())
}

func TestScheduler_NeverDueEarly(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 2000
	properties := gopter.NewProperties(parameters)
	ref := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	properties.Property("frequency scheduler is due exactly from its next fire time", prop.ForAll(
		func(everySec int64, offsetSec int64) bool {
			s := MustNew(Frequency, (time.Duration(everySec) * time.Second).String())
			sc := NewScheduler(s, ref)
			next := s.NextFireTime(ref, time.Time{})
			now := ref.Add(time.Duration(offsetSec) * time.Second)
			return sc.Execute(now) == !now.Before(next)
		},
		gen.Int64Range(1, 3600),
		gen.Int64Range(0, 7200),
	))

	properties.Property("cron scheduler is never due before its next fire time", prop.ForAll(
		func(expr string, offsetMin int64) bool {
			s := MustNew(Cron, expr)
			sc := NewScheduler(s, ref)
			now := ref.Add(time.Duration(offsetMin) * time.Minute)
			due := sc.Execute(now)
			return due == !now.Before(s.NextFireTime(ref, time.Time{}))
		},
		gen.OneConstOf("*/5 * * * *", "0 * * * *", "30 2 * * *", "@hourly", "15 10 * * 1"),
		gen.Int64Range(0, 60*24*8),
	))

	properties.TestingRun(t)
}
