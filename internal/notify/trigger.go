package notify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/config"
)

// Mode selects the notification schedule.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeOnStart    Mode = "onstart"
	ModeHourly     Mode = "hourly"
	ModeDaily      Mode = "daily"
	ModeStartDaily Mode = "start+daily"
	ModeWeekly     Mode = "weekly"
)

// ErrInvalidConfig indicates that persisted notification settings cannot be scheduled.
var ErrInvalidConfig = errors.New("notify: invalid config")

// ClockTime is a wall-clock HH:MM.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(raw string) (ClockTime, error) {
	hourText, minuteText, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found {
		return ClockTime{}, fmt.Errorf("%w: time %q", ErrInvalidConfig, raw)
	}
	hour, hourErr := strconv.Atoi(hourText)
	minute, minuteErr := strconv.Atoi(minuteText)
	if hourErr != nil || minuteErr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("%w: time %q", ErrInvalidConfig, raw)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// Config is the scheduling part of the notification settings.
type Config struct {
	Mode          Mode
	ThresholdDays int
	Weekday       time.Weekday
	TimeDaily     ClockTime
	TimeWeekly    ClockTime
	IntervalHours int
}

// FromSettings converts persisted settings. Unset numeric fields fall back to defaults.
func FromSettings(settings config.NotifySettings) (Config, error) {
	cfg := Config{
		Mode:          Mode(strings.ToLower(strings.TrimSpace(settings.Mode))),
		ThresholdDays: settings.ThresholdDays,
		Weekday:       time.Weekday(settings.Weekday),
		IntervalHours: settings.IntervalHours,
	}
	switch cfg.Mode {
	case ModeOff, ModeOnStart, ModeHourly, ModeDaily, ModeStartDaily, ModeWeekly:
	case "":
		cfg.Mode = ModeOff
	default:
		return Config{}, fmt.Errorf("%w: mode %q", ErrInvalidConfig, settings.Mode)
	}
	if cfg.ThresholdDays <= 0 {
		cfg.ThresholdDays = 14
	}
	if cfg.IntervalHours <= 0 {
		cfg.IntervalHours = 6
	}
	if cfg.Weekday < time.Sunday || cfg.Weekday > time.Saturday {
		return Config{}, fmt.Errorf("%w: weekday %d", ErrInvalidConfig, settings.Weekday)
	}
	var err error
	if cfg.TimeDaily, err = parseOrDefault(settings.TimeDaily); err != nil {
		return Config{}, err
	}
	if cfg.TimeWeekly, err = parseOrDefault(settings.TimeWeekly); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseOrDefault(raw string) (ClockTime, error) {
	if strings.TrimSpace(raw) == "" {
		return ClockTime{Hour: 9, Minute: 30}, nil
	}
	return ParseClockTime(raw)
}

// Decision is the outcome of evaluating the schedule at one instant.
type Decision struct {
	// FireNow requests an immediate notification.
	FireNow bool
	// Next is the next timer instant, nil when nothing is scheduled.
	Next *time.Time
	// Repeat is the fixed interval of hourly mode.
	Repeat time.Duration
}

// NextTrigger evaluates the schedule. It is pure: equal inputs give equal decisions.
// Daily and weekly windows are computed in now's location.
func NextTrigger(cfg Config, now time.Time, lastFiredAt *time.Time) Decision {
	switch cfg.Mode {
	case ModeOnStart:
		return Decision{FireNow: true}
	case ModeHourly:
		interval := time.Duration(max(cfg.IntervalHours, 1)) * time.Hour
		if lastFiredAt == nil || !now.Before(lastFiredAt.Add(interval)) {
			next := now.Add(interval)
			return Decision{FireNow: true, Next: &next, Repeat: interval}
		}
		next := lastFiredAt.Add(interval)
		return Decision{Next: &next, Repeat: interval}
	case ModeDaily, ModeStartDaily:
		next := cfg.TimeDaily.on(now)
		if !next.After(now) {
			next = cfg.TimeDaily.on(now.AddDate(0, 0, 1))
		}
		previous := cfg.TimeDaily.on(next.AddDate(0, 0, -1))
		fire := lastFiredAt != nil && lastFiredAt.Before(previous)
		if cfg.Mode == ModeStartDaily && lastFiredAt == nil {
			fire = true
		}
		return Decision{FireNow: fire, Next: &next}
	case ModeWeekly:
		offset := (int(cfg.Weekday) - int(now.Weekday()) + 7) % 7
		next := cfg.TimeWeekly.on(now.AddDate(0, 0, offset))
		if !next.After(now) {
			next = cfg.TimeWeekly.on(now.AddDate(0, 0, offset+7))
		}
		previous := cfg.TimeWeekly.on(next.AddDate(0, 0, -7))
		fire := lastFiredAt != nil && lastFiredAt.Before(previous)
		return Decision{FireNow: fire, Next: &next}
	default:
		return Decision{}
	}
}
