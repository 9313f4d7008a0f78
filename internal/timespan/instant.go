package timespan

import (
	"fmt"
	"strconv"
	"strings"
)

// Unit is a calendar field. The order runs from coarsest to finest and
// doubles as the index into Instant.Fields.
type Unit int

const (
	Year Unit = iota
	Month
	Day
	Hour
	Minute
	Second
)

const numFields = 6

func (u Unit) String() string {
	switch u {
	case Year:
		return "year"
	case Month:
		return "month"
	case Day:
		return "day"
	case Hour:
		return "hour"
	case Minute:
		return "minute"
	case Second:
		return "second"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// Instant is a calendar point at second granularity together with the
// precision it was written in, so generated values can be formatted the
// same way as their source.
type Instant struct {
	Fields [numFields]int

	// DatePrecision is 1 (YYYY), 2 (YYYY-MM) or 3 (YYYY-MM-DD).
	DatePrecision int
	// TimePrecision is 0 (no time), 1 (hh), 2 (hh:mm) or 3 (hh:mm:ss).
	TimePrecision int
	// Zulu records a trailing Z on a date-only value.
	Zulu bool
}

// ParseInstant parses an ISO-8601-like instant such as 2005, 2005-08,
// 2005-08-23, 2005-08-23T05Z or 2005-08-23T05:30:00.000Z. Two-digit years
// are widened to 20YY. Absent month and day default to 1.
func ParseInstant(s string) (Instant, error) {
	var in Instant
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return in, malformed("empty instant")
	}
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		in.Zulu = true
		s = s[:len(s)-1]
	}

	datePart, timePart, hasTime := strings.Cut(strings.Replace(s, "t", "T", 1), "T")
	if datePart == "" {
		return in, malformed("instant %q has no date", raw)
	}

	dateFields := strings.Split(datePart, "-")
	if len(dateFields) > 3 {
		return in, malformed("instant %q has too many date fields", raw)
	}
	in.DatePrecision = len(dateFields)
	in.Fields[Month] = 1
	in.Fields[Day] = 1

	for i, f := range dateFields {
		n, err := parseField(f)
		if err != nil {
			return in, malformed("instant %q: %v", raw, err)
		}
		switch i {
		case 0:
			if len(f) == 2 {
				n += 2000
			}
			in.Fields[Year] = n
		case 1:
			if n < 1 || n > 12 {
				return in, malformed("instant %q: month %d out of range", raw, n)
			}
			in.Fields[Month] = n
		case 2:
			if n < 1 || n > 31 {
				return in, malformed("instant %q: day %d out of range", raw, n)
			}
			in.Fields[Day] = n
		}
	}

	if !hasTime {
		return in, nil
	}
	if in.DatePrecision != 3 {
		return in, malformed("instant %q has a time but an incomplete date", raw)
	}
	if dot := strings.IndexByte(timePart, '.'); dot >= 0 {
		timePart = timePart[:dot]
	}
	if timePart == "" || strings.ContainsAny(timePart, "+-") {
		return in, malformed("instant %q: unsupported time %q", raw, timePart)
	}

	timeFields := strings.Split(timePart, ":")
	if len(timeFields) > 3 {
		return in, malformed("instant %q has too many time fields", raw)
	}
	in.TimePrecision = len(timeFields)
	limits := [3]int{23, 59, 60}
	for i, f := range timeFields {
		n, err := parseField(f)
		if err != nil {
			return in, malformed("instant %q: %v", raw, err)
		}
		if n > limits[i] {
			return in, malformed("instant %q: %s %d out of range", raw, Unit(int(Hour)+i), n)
		}
		in.Fields[int(Hour)+i] = n
	}
	return in, nil
}

// IsInstant reports whether s parses as a single instant.
func IsInstant(s string) bool {
	_, err := ParseInstant(s)
	return err == nil
}

func parseField(f string) (int, error) {
	if f == "" {
		return 0, fmt.Errorf("empty field")
	}
	for _, r := range f {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-numeric field %q", f)
		}
	}
	return strconv.Atoi(f)
}

// String formats the instant at its recorded precision. Values with a time
// component always carry a Z suffix.
func (in Instant) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%04d", in.Fields[Year])
	if in.DatePrecision >= 2 {
		fmt.Fprintf(&b, "-%02d", in.Fields[Month])
	}
	if in.DatePrecision >= 3 {
		fmt.Fprintf(&b, "-%02d", in.Fields[Day])
	}
	if in.TimePrecision > 0 {
		fmt.Fprintf(&b, "T%02d", in.Fields[Hour])
		if in.TimePrecision >= 2 {
			fmt.Fprintf(&b, ":%02d", in.Fields[Minute])
		}
		if in.TimePrecision >= 3 {
			fmt.Fprintf(&b, ":%02d", in.Fields[Second])
		}
		b.WriteByte('Z')
	} else if in.Zulu {
		b.WriteByte('Z')
	}
	return b.String()
}
