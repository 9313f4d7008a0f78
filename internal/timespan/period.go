package timespan

import (
	"strconv"
	"strings"
)

// Period is a step of Amount units.
type Period struct {
	Amount int
	Unit   Unit
}

type component struct {
	amount int
	letter byte
}

var secondsPer = map[byte]int{
	'W': 7 * 24 * 3600,
	'D': 24 * 3600,
	'H': 3600,
	'M': 60,
	'S': 1,
}

// ParsePeriod parses an ISO-8601 duration restricted to a single effective
// unit. Date periods (P1Y, P3M, P2W, P10D) step calendar fields. Time periods
// are introduced by T; an M after T always means minutes. Combined
// components collapse into the finest unit present: PT1H30M steps 90
// minutes, P1DT12H steps 36 hours, P1Y6M steps 18 months.
func ParsePeriod(s string) (Period, error) {
	raw := s
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 3 || s[0] != 'P' {
		return Period{}, malformed("period %q must look like P<n><unit>", raw)
	}

	datePart, timePart, hasTime := strings.Cut(s[1:], "T")
	dateComps, err := components(datePart, "YMWD")
	if err != nil {
		return Period{}, malformed("period %q: %v", raw, err)
	}
	timeComps, err := components(timePart, "HMS")
	if err != nil {
		return Period{}, malformed("period %q: %v", raw, err)
	}
	if hasTime && len(timeComps) == 0 {
		return Period{}, malformed("period %q has an empty time part", raw)
	}
	if len(dateComps) == 0 && len(timeComps) == 0 {
		return Period{}, malformed("period %q has no components", raw)
	}

	var p Period
	switch {
	case len(timeComps) == 0:
		p, err = datePeriod(dateComps)
	default:
		p, err = timePeriod(dateComps, timeComps)
	}
	if err != nil {
		return Period{}, malformed("period %q: %v", raw, err)
	}
	if p.Amount <= 0 {
		return Period{}, malformed("period %q must be positive", raw)
	}
	return p, nil
}

func datePeriod(comps []component) (Period, error) {
	seen := map[byte]int{}
	for _, c := range comps {
		seen[c.letter] = c.amount
	}
	_, hasY := seen['Y']
	_, hasM := seen['M']
	_, hasW := seen['W']
	_, hasD := seen['D']

	switch {
	case (hasY || hasM) && (hasW || hasD):
		return Period{}, errUnsupported
	case hasY && hasM:
		return Period{Amount: seen['Y']*12 + seen['M'], Unit: Month}, nil
	case hasY:
		return Period{Amount: seen['Y'], Unit: Year}, nil
	case hasM:
		return Period{Amount: seen['M'], Unit: Month}, nil
	default:
		return Period{Amount: seen['W']*7 + seen['D'], Unit: Day}, nil
	}
}

func timePeriod(dateComps, timeComps []component) (Period, error) {
	for _, c := range dateComps {
		if c.letter == 'Y' || c.letter == 'M' {
			return Period{}, errUnsupported
		}
	}

	unit, size := Hour, secondsPer['H']
	for _, c := range timeComps {
		switch c.letter {
		case 'M':
			if unit < Minute {
				unit, size = Minute, secondsPer['M']
			}
		case 'S':
			unit, size = Second, secondsPer['S']
		}
	}

	total := 0
	for _, c := range dateComps {
		total += c.amount * secondsPer[c.letter]
	}
	for _, c := range timeComps {
		total += c.amount * secondsPer[c.letter]
	}
	return Period{Amount: total / size, Unit: unit}, nil
}

type periodError string

func (e periodError) Error() string { return string(e) }

const errUnsupported = periodError("unsupported combination of units")

// components splits "1Y6M" into its number/letter pairs, rejecting letters
// outside allowed and repeated letters.
func components(s, allowed string) ([]component, error) {
	var out []component
	seen := map[byte]bool{}
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= '0' && ch <= '9' {
			continue
		}
		if strings.IndexByte(allowed, ch) < 0 {
			return nil, periodError("unrecognized unit " + strconv.Quote(string(ch)))
		}
		if i == start {
			return nil, periodError("unit " + strconv.Quote(string(ch)) + " has no amount")
		}
		if seen[ch] {
			return nil, periodError("unit " + strconv.Quote(string(ch)) + " repeated")
		}
		n, err := strconv.Atoi(s[start:i])
		if err != nil {
			return nil, err
		}
		seen[ch] = true
		out = append(out, component{amount: n, letter: ch})
		start = i + 1
	}
	if start != len(s) {
		return nil, periodError("trailing amount " + strconv.Quote(s[start:]) + " without unit")
	}
	return out, nil
}
