// Package cron parses five-field schedule expressions and matches them
// against timestamps at minute granularity.
//
// Fields, in order:
//
//	minute       0-59
//	hour         0-23
//	day-of-month 1-31
//	month        1-12
//	weekday      1-7 (1 = Monday, 7 = Sunday)
//
// Each field is a comma list whose items are "*", a single value "n" or an
// inclusive range "a-b". A timestamp matches when every field contains the
// corresponding component.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var ErrInvalidExpression = errors.New("invalid schedule expression")

// Field identifies one of the five expression positions.
type Field int

const (
	Minute Field = iota
	Hour
	DayOfMonth
	Month
	Weekday
)

var fieldNames = [...]string{"minute", "hour", "day-of-month", "month", "weekday"}

func (f Field) String() string {
	if f < Minute || f > Weekday {
		return "field(" + strconv.Itoa(int(f)) + ")"
	}
	return fieldNames[f]
}

type bounds struct{ min, max int }

var fieldBounds = [...]bounds{
	Minute:     {0, 59},
	Hour:       {0, 23},
	DayOfMonth: {1, 31},
	Month:      {1, 12},
	Weekday:    {1, 7},
}

// ParseError describes why an expression was rejected.
type ParseError struct {
	Expr   string
	Field  Field
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%v %q: %s", ErrInvalidExpression, e.Expr, e.Reason)
	}
	return fmt.Sprintf("%v %q: %s %q: %s", ErrInvalidExpression, e.Expr, e.Field, e.Token, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrInvalidExpression }

// set is a bitmask of accepted values; every field fits in 64 bits.
type set uint64

func (s set) has(v int) bool { return v >= 0 && v < 64 && s&(1<<uint(v)) != 0 }

func (s set) values() []int {
	out := make([]int, 0, 8)
	for v := 0; v < 64; v++ {
		if s.has(v) {
			out = append(out, v)
		}
	}
	return out
}

// Expression is a parsed, immutable schedule.
type Expression struct {
	raw    string
	fields [5]set
	next   robfig.Schedule
}

// Parse parses a five-field expression.
func Parse(expr string) (Expression, error) {
	raw := strings.TrimSpace(expr)
	parts := strings.Fields(raw)
	if len(parts) != 5 {
		return Expression{}, &ParseError{Expr: expr, Reason: fmt.Sprintf("expected 5 fields, got %d", len(parts))}
	}

	e := Expression{raw: strings.Join(parts, " ")}
	for i, part := range parts {
		s, err := parseField(expr, Field(i), part)
		if err != nil {
			return Expression{}, err
		}
		e.fields[i] = s
	}

	sched, err := robfig.ParseStandard(e.robfigSpec())
	if err != nil {
		return Expression{}, &ParseError{Expr: expr, Reason: err.Error()}
	}
	e.next = sched
	return e, nil
}

// MustParse is Parse for expressions known to be valid; it panics otherwise.
func MustParse(expr string) Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Matches parses expr and reports whether t satisfies it.
func Matches(expr string, t time.Time) (bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return e.Matches(t), nil
}

func parseField(expr string, f Field, part string) (set, error) {
	b := fieldBounds[f]
	var out set
	for _, item := range strings.Split(part, ",") {
		if item == "" {
			return 0, &ParseError{Expr: expr, Field: f, Token: part, Reason: "empty list item"}
		}
		if item == "*" {
			for v := b.min; v <= b.max; v++ {
				out |= 1 << uint(v)
			}
			continue
		}

		lo, hi := item, item
		if i := strings.IndexByte(item, '-'); i >= 0 {
			lo, hi = item[:i], item[i+1:]
		}
		a, err := parseValue(expr, f, item, lo)
		if err != nil {
			return 0, err
		}
		z, err := parseValue(expr, f, item, hi)
		if err != nil {
			return 0, err
		}
		if a > z {
			return 0, &ParseError{Expr: expr, Field: f, Token: item, Reason: "range start after end"}
		}
		for v := a; v <= z; v++ {
			out |= 1 << uint(v)
		}
	}
	return out, nil
}

func parseValue(expr string, f Field, item, s string) (int, error) {
	if s == "" {
		return 0, &ParseError{Expr: expr, Field: f, Token: item, Reason: "missing value"}
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, &ParseError{Expr: expr, Field: f, Token: item, Reason: "not a number"}
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ParseError{Expr: expr, Field: f, Token: item, Reason: "not a number"}
	}
	b := fieldBounds[f]
	if v < b.min || v > b.max {
		return 0, &ParseError{Expr: expr, Field: f, Token: item, Reason: fmt.Sprintf("out of range %d-%d", b.min, b.max)}
	}
	return v, nil
}

// String returns the normalized expression (single spaces).
func (e Expression) String() string { return e.raw }

// IsZero reports whether e was never parsed.
func (e Expression) IsZero() bool { return e.next == nil }

// Values returns the accepted values of one field in ascending order.
func (e Expression) Values(f Field) []int {
	if f < Minute || f > Weekday {
		return nil
	}
	return e.fields[f].values()
}

// Matches reports whether t, truncated to the minute, satisfies every field.
// Components are taken in t's own location.
func (e Expression) Matches(t time.Time) bool {
	if e.IsZero() {
		return false
	}
	return e.fields[Minute].has(t.Minute()) &&
		e.fields[Hour].has(t.Hour()) &&
		e.fields[DayOfMonth].has(t.Day()) &&
		e.fields[Month].has(int(t.Month())) &&
		e.fields[Weekday].has(isoWeekday(t))
}

// Next returns the first matching minute strictly after t, in t's location.
// It returns the zero time when no such minute exists (e.g. "0 0 31 2 *").
func (e Expression) Next(t time.Time) time.Time {
	if e.IsZero() {
		return time.Time{}
	}
	// robfig ORs day-of-month and weekday when both are restricted, so its
	// candidates are a superset of ours; filter them.
	limit := t.AddDate(nextHorizonYears, 0, 0)
	n := e.next.Next(t)
	for !n.IsZero() && !n.After(limit) {
		if e.Matches(n) {
			return n
		}
		if !e.dayMatches(n) {
			// No minute of this day can match; resume at the next one.
			y, m, d := n.Date()
			n = time.Date(y, m, d+1, 0, 0, 0, 0, n.Location()).Add(-time.Second)
		}
		n = e.next.Next(n)
	}
	return time.Time{}
}

// nextHorizonYears bounds the search in Next. It spans the 28-year weekday
// cycle plus the leap day skipped in 2100, so rare dates like "0 0 29 2 1"
// are still found.
const nextHorizonYears = 50

func (e Expression) dayMatches(t time.Time) bool {
	return e.fields[DayOfMonth].has(t.Day()) &&
		e.fields[Month].has(int(t.Month())) &&
		e.fields[Weekday].has(isoWeekday(t))
}

func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// robfigSpec renders the expression in the standard crontab dialect, where
// Sunday is 0 rather than 7.
func (e Expression) robfigSpec() string {
	parts := make([]string, 5)
	for i := Minute; i <= Weekday; i++ {
		vals := e.fields[i].values()
		if i == Weekday {
			conv := make([]int, 0, len(vals))
			for _, v := range vals {
				if v == 7 {
					v = 0
				}
				conv = append(conv, v)
			}
			vals = conv
		}
		b := fieldBounds[i]
		if len(vals) == b.max-b.min+1 {
			parts[i] = "*"
			continue
		}
		strs := make([]string, len(vals))
		for j, v := range vals {
			strs[j] = strconv.Itoa(v)
		}
		parts[i] = strings.Join(strs, ",")
	}
	return strings.Join(parts, " ")
}
