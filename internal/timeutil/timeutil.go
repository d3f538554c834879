package timeutil

import (
	"fmt"
	"strings"
	"time"

	apperrors "shopline/internal/errors"
)

// DefaultWindow is the span assumed for a record without an end, in overlap checks and
// window queries alike. It is also the default length of new records.
const DefaultWindow = 2 * time.Hour

// Layouts are tried in order when parsing. Layouts without a zone are read in the
// normalizer's location.
var Layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Normalizer parses, formats and backfills timestamps.
type Normalizer struct {
	Location      *time.Location
	DefaultWindow time.Duration
	Now           func() time.Time
}

// New returns a Normalizer for loc with the default two-hour window.
func New(loc *time.Location) Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return Normalizer{Location: loc, DefaultWindow: DefaultWindow, Now: time.Now}
}

func (n Normalizer) loc() *time.Location {
	if n.Location != nil {
		return n.Location
	}
	return time.UTC
}

func (n Normalizer) window() time.Duration {
	if n.DefaultWindow > 0 {
		return n.DefaultWindow
	}
	return DefaultWindow
}

// CurrentTime returns now, truncated to the second like every wire timestamp.
func (n Normalizer) CurrentTime() time.Time {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	return now().UTC().Truncate(time.Second)
}

// Parse reads raw in any of Layouts. Empty input yields the zero time and no error.
func (n Normalizer) Parse(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range Layouts {
		t, err := time.ParseInLocation(layout, raw, n.loc())
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidTime, raw)
}

// Format renders t as RFC 3339 in UTC. The zero time renders as "".
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Display renders t in the normalizer's location for humans.
func (n Normalizer) Display(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(n.loc()).Format("2006-01-02 15:04")
}

// Validate checks that end, when present, falls after start.
func Validate(start, end time.Time) error {
	if start.IsZero() {
		return apperrors.NewValidationError("start", "start time is required")
	}
	if !end.IsZero() && !end.After(start) {
		return &apperrors.ValidationError{
			Field:   "end",
			Message: fmt.Sprintf("end %s must be after start %s", Format(end), Format(start)),
		}
	}
	return nil
}

// EffectiveEnd returns end, or start plus DefaultWindow when end is missing. The span of an
// open-ended record is fixed; timeline.default_window only sizes new records.
func EffectiveEnd(start, end time.Time) time.Time {
	if !end.IsZero() {
		return end
	}
	return start.Add(DefaultWindow)
}

// Window returns the default span for new records.
func (n Normalizer) Window() time.Duration { return n.window() }

// Intersects reports whether [aStart, aEnd] and [bStart, bEnd] share any instant.
// A zero bound is unbounded on that side.
func Intersects(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !bEnd.IsZero() && !aStart.IsZero() && aStart.After(bEnd) {
		return false
	}
	if !bStart.IsZero() && !aEnd.IsZero() && aEnd.Before(bStart) {
		return false
	}
	return true
}

// Source is one candidate in a fallback chain.
type Source struct {
	Name  string
	Value string
}

// Resolution reports which link of a chain produced the value.
type Resolution struct {
	Value  time.Time
	Source string
	// Index is the position of the used source; len(sources) means the default was used
	// and -1 means nothing resolved.
	Index int
}

// Fallback reports whether a link beyond the first was used.
func (r Resolution) Fallback() bool { return r.Index > 0 }

// Resolved reports whether any link produced a value.
func (r Resolution) Resolved() bool { return r.Index >= 0 }

// Resolve walks sources in order and returns the first parseable non-empty value, then def
// when it is non-zero. A malformed value aborts the chain with a ValidationError.
func (n Normalizer) Resolve(field string, sources []Source, def time.Time) (Resolution, error) {
	for i, src := range sources {
		if strings.TrimSpace(src.Value) == "" {
			continue
		}
		t, err := n.Parse(src.Value)
		if err != nil {
			return Resolution{Index: -1}, &apperrors.ValidationError{Field: field, Message: fmt.Sprintf("%s: %v", src.Name, err)}
		}
		return Resolution{Value: t, Source: src.Name, Index: i}, nil
	}
	if !def.IsZero() {
		return Resolution{Value: def.UTC(), Source: "default", Index: len(sources)}, nil
	}
	return Resolution{Index: -1}, nil
}
