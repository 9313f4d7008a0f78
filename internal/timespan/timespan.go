// Package timespan expands WMS time-dimension declarations into the ordered
// list of instants a layer can be requested for. Each instant becomes one
// animation frame.
//
// Accepted forms:
//
//	T1
//	T1,T2,...
//	T1/T2/P<n><unit>
//	T1/T2/P<n><unit>,T3/T4/P<n><unit>,...
package timespan

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedTimeSpec is returned when a time specification cannot be
// tokenized into literal instants or start/end/period triples.
var ErrMalformedTimeSpec = errors.New("malformed time spec")

// MaxInstants bounds the number of instants a single specification may expand to.
const MaxInstants = 100000

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedTimeSpec}, args...)...)
}

// Expand converts a time specification into an ordered list of instant strings.
//
// Strings without a '/' are treated as already-expanded literal lists and are
// returned verbatim (split on ','). Ranges are generated at the precision of
// their start value, so a period finer than the start repeats values.
func Expand(spec string) ([]string, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, malformed("empty specification")
	}

	hasSlash := strings.Contains(s, "/")
	if !hasSlash {
		values := splitList(s)
		if len(values) == 0 {
			return nil, malformed("no values in %q", spec)
		}
		return values, nil
	}

	if strings.Contains(s, ",") {
		var out []string
		for _, segment := range strings.Split(s, ",") {
			segment = strings.TrimSpace(segment)
			if segment == "" {
				continue
			}
			values, err := Expand(segment)
			if err != nil {
				return nil, fmt.Errorf("segment %q: %w", segment, err)
			}
			out = append(out, values...)
			if len(out) > MaxInstants {
				return nil, malformed("%q expands to more than %d instants", spec, MaxInstants)
			}
		}
		return out, nil
	}

	return expandRange(s)
}

// splitList splits a literal comma list, dropping empty entries left by
// leading or trailing separators.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandRange expands a single start/end/period triple.
func expandRange(s string) ([]string, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return nil, malformed("expected start/end/period, got %d fields in %q", len(parts), s)
	}

	start, err := ParseInstant(parts[0])
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := ParseInstant(parts[1])
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	period, err := ParsePeriod(parts[2])
	if err != nil {
		return nil, err
	}

	field := int(period.Unit)
	cur := start.Fields

	var result []string
	for within(cur, end.Fields, field) {
		if len(result) >= MaxInstants {
			return nil, malformed("range %q produces more than %d instants", s, MaxInstants)
		}
		inst := start
		inst.Fields = cur
		result = append(result, inst.String())
		cur = add(cur, field, period.Amount)
	}
	return result, nil
}

// within reports whether cur has not yet passed end. Fields coarser than the
// incremented field are compared lexicographically; when they are all equal
// the incremented field itself decides. Finer fields are ignored.
func within(cur, end [numFields]int, field int) bool {
	for i := 0; i < field; i++ {
		if cur[i] < end[i] {
			return true
		}
		if cur[i] > end[i] {
			return false
		}
	}
	return cur[field] <= end[field]
}

// add increments one field and carries overflow into coarser fields.
func add(f [numFields]int, field, amount int) [numFields]int {
	f[field] += amount
	for i := field; i > 0; i-- {
		switch Unit(i) {
		case Second:
			if f[Second] >= 60 {
				f[Minute] += f[Second] / 60
				f[Second] %= 60
			}
		case Minute:
			if f[Minute] >= 60 {
				f[Hour] += f[Minute] / 60
				f[Minute] %= 60
			}
		case Hour:
			if f[Hour] >= 24 {
				f[Day] += f[Hour] / 24
				f[Hour] %= 24
			}
		case Day:
			for f[Day] > daysIn(f[Month]) {
				f[Day] -= daysIn(f[Month])
				f[Month]++
				if f[Month] > 12 {
					f[Month] = 1
					f[Year]++
				}
			}
		case Month:
			if f[Month] > 12 {
				f[Year] += (f[Month] - 1) / 12
				f[Month] = (f[Month]-1)%12 + 1
			}
		}
	}
	return f
}

// daysIn uses fixed month lengths with February pinned to 28 days. Leap years
// are not modelled.
func daysIn(month int) int {
	switch month {
	case 2:
		return 28
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}
