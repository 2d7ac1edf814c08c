package notify

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.March, day, hour, minute, 0, 0, time.UTC)
}

func weeklyConfig() Config {
	return Config{Mode: ModeWeekly, ThresholdDays: 14, Weekday: time.Monday, TimeWeekly: ClockTime{Hour: 9, Minute: 30}, IntervalHours: 6}
}

func TestWeeklyArmsNextMondayFromWednesday(t *testing.T) {
	now := at(11, 10, 0)
	require.Equal(t, time.Wednesday, now.Weekday())

	decision := NextTrigger(weeklyConfig(), now, nil)
	require.NotNil(t, decision.Next)
	assert.False(t, decision.FireNow)
	assert.Equal(t, at(16, 9, 30), *decision.Next)
}

func TestWeeklyFiresForMissedWindow(t *testing.T) {
	lastFired := at(1, 9, 30)
	decision := NextTrigger(weeklyConfig(), at(11, 10, 0), &lastFired)
	assert.True(t, decision.FireNow)

	lastFired = at(9, 9, 31)
	decision = NextTrigger(weeklyConfig(), at(11, 10, 0), &lastFired)
	assert.False(t, decision.FireNow)
}

func TestWeeklySameDayBeforeTargetArmsToday(t *testing.T) {
	decision := NextTrigger(weeklyConfig(), at(9, 8, 0), nil)
	require.NotNil(t, decision.Next)
	assert.Equal(t, at(9, 9, 30), *decision.Next)

	decision = NextTrigger(weeklyConfig(), at(9, 9, 30), nil)
	assert.Equal(t, at(16, 9, 30), *decision.Next)
}

func TestHourlyFiresWhenIntervalElapsed(t *testing.T) {
	cfg := Config{Mode: ModeHourly, IntervalHours: 6}
	now := at(11, 12, 0)
	lastFired := now.Add(-7 * time.Hour)

	decision := NextTrigger(cfg, now, &lastFired)
	require.True(t, decision.FireNow)
	assert.Equal(t, 6*time.Hour, decision.Repeat)
	assert.Equal(t, now.Add(6*time.Hour), *decision.Next)

	lastFired = now.Add(-2 * time.Hour)
	decision = NextTrigger(cfg, now, &lastFired)
	assert.False(t, decision.FireNow)
	assert.Equal(t, now.Add(4*time.Hour), *decision.Next)

	decision = NextTrigger(cfg, now, nil)
	assert.True(t, decision.FireNow)
}

func TestDailyFiresOnlyForMissedWindow(t *testing.T) {
	cfg := Config{Mode: ModeDaily, TimeDaily: ClockTime{Hour: 9, Minute: 30}}
	now := at(11, 8, 0)

	decision := NextTrigger(cfg, now, nil)
	assert.False(t, decision.FireNow)
	assert.Equal(t, at(11, 9, 30), *decision.Next)

	lastFired := at(10, 10, 0)
	assert.False(t, NextTrigger(cfg, now, &lastFired).FireNow)

	lastFired = at(9, 10, 0)
	assert.True(t, NextTrigger(cfg, now, &lastFired).FireNow)

	cfg.Mode = ModeStartDaily
	assert.True(t, NextTrigger(cfg, now, nil).FireNow)
}

func TestStartAndOffModes(t *testing.T) {
	decision := NextTrigger(Config{Mode: ModeOnStart}, at(11, 8, 0), nil)
	assert.True(t, decision.FireNow)
	assert.Nil(t, decision.Next)

	assert.Equal(t, Decision{}, NextTrigger(Config{Mode: ModeOff}, at(11, 8, 0), nil))
}

func TestNextTriggerIsIdempotent(t *testing.T) {
	lastFired := at(1, 9, 30)
	for _, cfg := range []Config{weeklyConfig(), {Mode: ModeHourly, IntervalHours: 3}, {Mode: ModeDaily, TimeDaily: ClockTime{Hour: 7}}} {
		first := NextTrigger(cfg, at(11, 10, 0), &lastFired)
		second := NextTrigger(cfg, at(11, 10, 0), &lastFired)
		assert.Equal(t, first, second, "mode %s", cfg.Mode)
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.DefaultSettings().Notify)
	require.NoError(t, err)
	assert.Equal(t, ModeWeekly, cfg.Mode)
	assert.Equal(t, time.Monday, cfg.Weekday)
	assert.Equal(t, ClockTime{Hour: 9, Minute: 30}, cfg.TimeWeekly)
	assert.Equal(t, 14, cfg.ThresholdDays)

	_, err = FromSettings(config.NotifySettings{Mode: "monthly"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = FromSettings(config.NotifySettings{Mode: "daily", TimeDaily: "9h"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
