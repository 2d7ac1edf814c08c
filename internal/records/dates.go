package records

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	dateTokenSeparator = regexp.MustCompile(`[,\s、]+`)
	yearMonthDayToken  = regexp.MustCompile(`^(\d{4})[/-](\d{1,2})[/-](\d{1,2})$`)
	monthDayToken      = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})$`)
	dayOnlyToken       = regexp.MustCompile(`^(\d{1,2})$`)
)

// ParseDates extracts ISO dates from free-form date text such as "2026/12/30,31,1/2".
// A month/day token inherits the year of the previous token and rolls into the next year
// when the month goes backwards; a bare day inherits both year and month. defaultYear seeds
// the year when the text starts with a month/day token; zero means no default.
// The result is sorted and de-duplicated.
func ParseDates(raw string, defaultYear int) []string {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "　", " "))
	if text == "" {
		return nil
	}

	var (
		results      []string
		currentYear  = 0
		currentMonth = 0
	)
	for _, token := range dateTokenSeparator.Split(text, -1) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if match := yearMonthDayToken.FindStringSubmatch(token); match != nil {
			year, month, day := atoi(match[1]), atoi(match[2]), atoi(match[3])
			if !validDate(year, month, day) {
				continue
			}
			currentYear, currentMonth = year, month
			results = append(results, isoDate(year, month, day))
			continue
		}
		if match := monthDayToken.FindStringSubmatch(token); match != nil {
			month, day := atoi(match[1]), atoi(match[2])
			if currentYear == 0 {
				currentYear = defaultYear
			}
			if currentYear == 0 || !validDate(currentYear, month, day) {
				continue
			}
			if currentMonth != 0 && month < currentMonth {
				currentYear++
			}
			currentMonth = month
			results = append(results, isoDate(currentYear, month, day))
			continue
		}
		if match := dayOnlyToken.FindStringSubmatch(token); match != nil {
			day := atoi(match[1])
			if currentYear == 0 || currentMonth == 0 || !validDate(currentYear, currentMonth, day) {
				continue
			}
			results = append(results, isoDate(currentYear, currentMonth, day))
		}
	}
	return normalizeISODates(results)
}

func normalizeISODates(dates []string) []string {
	if len(dates) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(dates))
	out := make([]string, 0, len(dates))
	for _, date := range dates {
		if _, ok := seen[date]; ok {
			continue
		}
		seen[date] = struct{}{}
		out = append(out, date)
	}
	sort.Strings(out)
	return out
}

func validDate(year, month, day int) bool {
	if year <= 0 || month <= 0 || day <= 0 {
		return false
	}
	candidate := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return candidate.Year() == year && int(candidate.Month()) == month && candidate.Day() == day
}

func isoDate(year, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

func atoi(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
