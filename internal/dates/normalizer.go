// Package dates turns free-form event date text into absolute timestamps.
package dates

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone names resolve in minimal containers

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	embeddedISO = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
	numericDate = regexp.MustCompile(`\b(\d{1,2})[/.\-](\d{1,2})(?:[/.\-](\d{4}|\d{2}))?\b`)
	clockHM     = regexp.MustCompile(`\b(\d{1,2})[:.h](\d{2})\s*(am|pm|h)?\b`)
	clockH      = regexp.MustCompile(`\b(\d{1,2})\s*(am|pm|h)\b`)
	meridiems   = strings.NewReplacer("a.m.", "am", "p.m.", "pm")
	// rangeOpen finds the first day of "del 15 al 20 de junio" or "15-20 jun".
	rangeOpen = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th|º|°)?\s*(?:al|a|y|to|-|–)\s*$`)
)

// strategy tries one family of formats; ok=false means "not mine".
type strategy struct {
	name  string
	parse func(n *Normalizer, text string, ref time.Time) (time.Time, bool)
}

// Normalizer parses date text in a fixed location using a month lookup table.
type Normalizer struct {
	loc        *time.Location
	months     MonthTable
	dayFirst   *regexp.Regexp
	monthFirst *regexp.Regexp
	strategies []strategy
}

// New builds a Normalizer. A nil location means UTC; no tables means Spanish+English.
func New(loc *time.Location, tables ...MonthTable) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	if len(tables) == 0 {
		tables = []MonthTable{Spanish, English}
	}
	months := merge(tables...)
	names := make([]string, 0, len(months))
	for k := range months {
		names = append(names, regexp.QuoteMeta(k))
	}
	// Longest first so "septiembre" wins over "sep".
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	alt := strings.Join(names, "|")

	n := &Normalizer{
		loc:    loc,
		months: months,
		dayFirst: regexp.MustCompile(
			`\b(\d{1,2})(?:st|nd|rd|th|º|°)?\s*(?:de\s+|of\s+|-\s*)?\b(` + alt + `)\b\.?(?:,?\s*(?:de\s+|del\s+|-\s*)?(\d{4})\b)?`,
		),
		monthFirst: regexp.MustCompile(
			`\b(` + alt + `)\b\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s*(\d{4})\b)?`,
		),
	}
	n.strategies = []strategy{
		{name: "iso", parse: (*Normalizer).parseISO},
		{name: "month-name", parse: (*Normalizer).parseMonthName},
		{name: "numeric", parse: (*Normalizer).parseNumeric},
	}
	return n
}

// Location returns the zone used for texts without an explicit offset.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Normalize parses text into a UTC instant. Dates without a year that fall
// before referenceNow's calendar day are rolled forward one year.
func (n *Normalizer) Normalize(text string, referenceNow time.Time) (time.Time, error) {
	clean := meridiems.Replace(strings.ToLower(crawler.CleanText(text)))
	if clean == "" {
		return time.Time{}, &crawler.DateParseError{Text: text}
	}
	ref := referenceNow.In(n.loc)
	for _, s := range n.strategies {
		if t, ok := s.parse(n, clean, ref); ok {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, &crawler.DateParseError{Text: text}
}

// Strategies returns the strategy names in the order they are tried.
func (n *Normalizer) Strategies() []string {
	out := make([]string, len(n.strategies))
	for i, s := range n.strategies {
		out[i] = s.name
	}
	return out
}

func (n *Normalizer) parseISO(text string, _ time.Time) (time.Time, bool) {
	// Layout literals like "T" and "Z" are case-sensitive; month and day names are not.
	upper := strings.ToUpper(text)
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, upper, n.loc); err == nil {
			return t, true
		}
	}
	m := embeddedISO.FindStringSubmatchIndex(text)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(text[m[2]:m[3]])
	month, _ := strconv.Atoi(text[m[4]:m[5]])
	day, _ := strconv.Atoi(text[m[6]:m[7]])
	hour, minute := n.clock(text[:m[0]] + " " + text[m[1]:])
	return n.build(year, month, day, hour, minute)
}

func (n *Normalizer) parseMonthName(text string, ref time.Time) (time.Time, bool) {
	for _, m := range n.dayFirst.FindAllStringSubmatchIndex(text, -1) {
		day, _ := strconv.Atoi(text[m[2]:m[3]])
		month := n.months[text[m[4]:m[5]]]
		year := groupInt(text, m, 3)
		m, day = openRange(text, m, day)
		if t, ok := n.complete(text, m, year, int(month), day, ref); ok {
			return t, true
		}
	}
	for _, m := range n.monthFirst.FindAllStringSubmatchIndex(text, -1) {
		month := n.months[text[m[2]:m[3]]]
		day, _ := strconv.Atoi(text[m[4]:m[5]])
		year := groupInt(text, m, 3)
		if t, ok := n.complete(text, m, year, int(month), day, ref); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// openRange moves a day-first match back to the start of a day range so the
// event is dated on its first day.
func openRange(text string, m []int, day int) ([]int, int) {
	r := rangeOpen.FindStringSubmatchIndex(text[:m[0]])
	if r == nil {
		return m, day
	}
	first, _ := strconv.Atoi(text[r[2]:r[3]])
	if first < 1 || first >= day {
		return m, day
	}
	widened := append([]int(nil), m...)
	widened[0] = r[0]
	return widened, first
}

func (n *Normalizer) parseNumeric(text string, ref time.Time) (time.Time, bool) {
	for _, m := range numericDate.FindAllStringSubmatchIndex(text, -1) {
		day, _ := strconv.Atoi(text[m[2]:m[3]])
		month, _ := strconv.Atoi(text[m[4]:m[5]])
		year := groupInt(text, m, 3)
		if year > 0 && year < 100 {
			year += 2000
		}
		// A bare "22.30" is more likely a clock than a date; require a year for dots.
		if year == 0 && strings.Contains(text[m[0]:m[1]], ".") {
			continue
		}
		if t, ok := n.complete(text, m, year, month, day, ref); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// complete attaches the clock found outside the matched span and applies the
// yearless roll-forward rule.
func (n *Normalizer) complete(text string, m []int, year, month, day int, ref time.Time) (time.Time, bool) {
	hour, minute := n.clock(text[:m[0]] + " " + text[m[1]:])
	if year > 0 {
		return n.build(year, month, day, hour, minute)
	}
	t, ok := n.build(ref.Year(), month, day, hour, minute)
	if !ok {
		// Feb 29 in a non-leap reference year.
		return n.build(ref.Year()+1, month, day, hour, minute)
	}
	refDay := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, n.loc)
	if t.Before(refDay) {
		return n.build(ref.Year()+1, month, day, hour, minute)
	}
	return t, true
}

// build validates the calendar fields instead of letting time.Date normalize them.
func (n *Normalizer) build(year, month, day, hour, minute int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, n.loc)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

// clock finds a time of day; 00:00 when none is present. An "h" suffix
// ("23:30h", "22h") reads as a 24-hour clock.
func (n *Normalizer) clock(text string) (int, int) {
	for _, m := range clockHM.FindAllStringSubmatch(text, -1) {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h, ok := meridiem(h, m[3]); ok && mm < 60 {
			return h, mm
		}
	}
	for _, m := range clockH.FindAllStringSubmatch(text, -1) {
		h, _ := strconv.Atoi(m[1])
		if h, ok := meridiem(h, m[2]); ok {
			return h, 0
		}
	}
	return 0, 0
}

func meridiem(hour int, suffix string) (int, bool) {
	switch suffix {
	case "", "h":
		return hour, hour < 24
	case "am":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		return hour % 12, true
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		return hour%12 + 12, true
	default:
		return 0, false
	}
}

func groupInt(text string, m []int, group int) int {
	start, end := m[2*group], m[2*group+1]
	if start < 0 {
		return 0
	}
	v, err := strconv.Atoi(text[start:end])
	if err != nil {
		return 0
	}
	return v
}

// LoadLocation resolves an IANA zone name, defaulting to UTC.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}
