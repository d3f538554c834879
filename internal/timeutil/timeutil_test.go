package timeutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "shopline/internal/errors"
	"shopline/internal/timeutil"
)

func TestParseLayouts(t *testing.T) {
	n := timeutil.New(time.UTC)
	want := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	for _, raw := range []string{
		"2024-03-05T09:30:00Z",
		"2024-03-05T10:30:00+01:00",
		"2024-03-05 09:30:00",
		"2024-03-05T09:30",
		"2024-03-05 09:30",
	} {
		got, err := n.Parse(raw)
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(got), "%s parsed as %s", raw, got)
	}
	day, err := n.Parse("2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), day)
}

func TestParseUsesLocationForZonelessInput(t *testing.T) {
	loc := time.FixedZone("plant", 8*3600)
	n := timeutil.New(loc)
	got, err := n.Parse("2024-03-05 08:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestParseEmptyAndInvalid(t *testing.T) {
	n := timeutil.New(nil)
	got, err := n.Parse("  ")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = n.Parse("yesterday")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTime)
}

func TestFormatRoundTrip(t *testing.T) {
	n := timeutil.New(nil)
	ts := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-05T09:30:00Z", timeutil.Format(ts))
	assert.Equal(t, "", timeutil.Format(time.Time{}))
	back, err := n.Parse(timeutil.Format(ts))
	require.NoError(t, err)
	assert.Equal(t, ts, back)
}

func TestValidate(t *testing.T) {
	start := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	assert.NoError(t, timeutil.Validate(start, time.Time{}))
	assert.NoError(t, timeutil.Validate(start, start.Add(time.Minute)))

	err := timeutil.Validate(start, start)
	assert.True(t, apperrors.IsValidation(err))
	err = timeutil.Validate(time.Time{}, start)
	assert.True(t, apperrors.IsValidation(err))
}

func TestEffectiveEnd(t *testing.T) {
	start := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, start.Add(2*time.Hour), timeutil.EffectiveEnd(start, time.Time{}))
	end := start.Add(30 * time.Minute)
	assert.Equal(t, end, timeutil.EffectiveEnd(start, end))
}

func TestOpenEndIgnoresConfiguredWindow(t *testing.T) {
	n := timeutil.New(nil)
	n.DefaultWindow = 30 * time.Minute
	start := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute, n.Window())
	assert.Equal(t, start.Add(timeutil.DefaultWindow), timeutil.EffectiveEnd(start, time.Time{}))
}

func TestIntersects(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2024, 3, 5, h, 0, 0, 0, time.UTC) }
	assert.True(t, timeutil.Intersects(at(9), at(11), at(10), at(12)))
	assert.True(t, timeutil.Intersects(at(9), at(11), at(11), at(12)))
	assert.False(t, timeutil.Intersects(at(9), at(10), at(11), at(12)))
	assert.True(t, timeutil.Intersects(at(9), at(10), time.Time{}, time.Time{}))
	assert.False(t, timeutil.Intersects(at(13), at(14), time.Time{}, at(12)))
}

func TestResolveChain(t *testing.T) {
	n := timeutil.New(nil)
	def := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	res, err := n.Resolve("start", []timeutil.Source{
		{Name: "actual", Value: ""},
		{Name: "plan", Value: "2024-03-05T09:00:00Z"},
	}, def)
	require.NoError(t, err)
	assert.Equal(t, "plan", res.Source)
	assert.Equal(t, 1, res.Index)
	assert.True(t, res.Fallback())

	res, err = n.Resolve("start", []timeutil.Source{{Name: "actual"}}, def)
	require.NoError(t, err)
	assert.Equal(t, "default", res.Source)
	assert.Equal(t, def, res.Value)

	res, err = n.Resolve("end", []timeutil.Source{{Name: "actual"}}, time.Time{})
	require.NoError(t, err)
	assert.False(t, res.Resolved())

	_, err = n.Resolve("start", []timeutil.Source{{Name: "actual", Value: "nope"}}, def)
	assert.True(t, apperrors.IsValidation(err))
}

func TestCurrentTimeTruncates(t *testing.T) {
	n := timeutil.New(nil)
	n.Now = func() time.Time { return time.Date(2024, 3, 5, 9, 0, 0, 999, time.UTC) }
	assert.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), n.CurrentTime())
}
